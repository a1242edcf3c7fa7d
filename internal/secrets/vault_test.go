package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// kvV2Response builds a Vault KV v2 JSON response body.
func kvV2Response(data map[string]any) []byte {
	b, _ := json.Marshal(map[string]any{
		"data": map[string]any{
			"data":     data,
			"metadata": map[string]any{"version": 1},
		},
	})
	return b
}

// clearVaultEnv prevents the host environment from interfering with tests.
func clearVaultEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("VAULT_TOKEN", "")
	t.Setenv("VAULT_NAMESPACE", "")
}

func newTestVault(t *testing.T, handler http.HandlerFunc, cfg VaultConfig) *Vault {
	t.Helper()
	clearVaultEnv(t)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg.Address = srv.URL
	if cfg.Token == "" {
		cfg.Token = "test-token"
	}
	v, err := NewVault(cfg)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	return v
}

func kvHandler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Vault-Token") != "test-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if r.URL.Path != "/v1/secret/data/sandloop" {
			http.NotFound(w, r)
			return
		}
		w.Write(kvV2Response(map[string]any{
			"anthropic_api_key": "sk-ant-123",
			"retries":           3,
		}))
	}
}

func TestVault_Resolve(t *testing.T) {
	v := newTestVault(t, kvHandler(t), VaultConfig{})

	got, err := v.Resolve(context.Background(), "vault://secret/data/sandloop#anthropic_api_key")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got != "sk-ant-123" {
		t.Errorf("value = %q", got)
	}
}

func TestVault_Errors(t *testing.T) {
	v := newTestVault(t, kvHandler(t), VaultConfig{})

	tests := []struct {
		ref      string
		notFound bool
		contains string
	}{
		{"vault://secret/data/sandloop", true, "#field"},
		{"vault://#anthropic_api_key", true, "#field"},
		{"vault://secret/data/other#key", true, "not found"},
		{"vault://secret/data/sandloop#missing", true, `field "missing"`},
		{"vault://secret/data/sandloop#retries", false, "not a string"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			_, err := v.Resolve(context.Background(), tt.ref)
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrNotFound) != tt.notFound {
				t.Errorf("errors.Is(ErrNotFound) = %v, want %v (%v)", !tt.notFound, tt.notFound, err)
			}
			if !strings.Contains(err.Error(), tt.contains) {
				t.Errorf("error %q does not mention %q", err, tt.contains)
			}
		})
	}
}

func TestVault_Forbidden(t *testing.T) {
	v := newTestVault(t, kvHandler(t), VaultConfig{Token: "wrong"})

	_, err := v.Resolve(context.Background(), "vault://secret/data/sandloop#anthropic_api_key")
	if err == nil || !strings.Contains(err.Error(), "access denied") {
		t.Errorf("err = %v, want access denied", err)
	}
}

func TestVault_NamespaceHeader(t *testing.T) {
	var gotNS string
	v := newTestVault(t, func(w http.ResponseWriter, r *http.Request) {
		gotNS = r.Header.Get("X-Vault-Namespace")
		w.Write(kvV2Response(map[string]any{"k": "v"}))
	}, VaultConfig{Namespace: "team-a"})

	if _, err := v.Resolve(context.Background(), "vault://secret/data/x#k"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if gotNS != "team-a" {
		t.Errorf("namespace header = %q, want team-a", gotNS)
	}
}

func TestNewVault_EnvOverride(t *testing.T) {
	clearVaultEnv(t)
	t.Setenv("VAULT_ADDR", "http://vault.internal:8200/")
	t.Setenv("VAULT_TOKEN", "env-token")

	v, err := NewVault(VaultConfig{Address: "http://ignored", Token: "ignored"})
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}
	if v.address != "http://vault.internal:8200" || v.token != "env-token" {
		t.Errorf("address = %q, token = %q", v.address, v.token)
	}
}

func TestNewVault_Required(t *testing.T) {
	clearVaultEnv(t)
	if _, err := NewVault(VaultConfig{Token: "t"}); err == nil {
		t.Error("expected error without address")
	}
	if _, err := NewVault(VaultConfig{Address: "http://x"}); err == nil {
		t.Error("expected error without token")
	}
}
