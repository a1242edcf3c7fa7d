package secrets

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// VaultConfig configures the Vault KV v2 resolver. VAULT_ADDR, VAULT_TOKEN
// and VAULT_NAMESPACE override the matching fields.
type VaultConfig struct {
	Address       string
	Token         string
	Namespace     string
	Timeout       time.Duration // Default: 5s
	TLSSkipVerify bool
}

// Vault resolves "vault://<kv v2 api path>#<field>" with token auth, e.g.
// "vault://secret/data/sandloop#anthropic_api_key". The field is required.
type Vault struct {
	address   string
	token     string
	namespace string
	client    *http.Client
}

// NewVault validates cfg and returns a resolver.
func NewVault(cfg VaultConfig) (*Vault, error) {
	cfg.Address = envOr("VAULT_ADDR", cfg.Address)
	cfg.Token = envOr("VAULT_TOKEN", cfg.Token)
	cfg.Namespace = envOr("VAULT_NAMESPACE", cfg.Namespace)

	if cfg.Address == "" {
		return nil, errors.New("vault address is required (set secrets.vault.address or VAULT_ADDR)")
	}
	if cfg.Token == "" {
		return nil, errors.New("vault token is required (set secrets.vault.token or VAULT_TOKEN)")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if cfg.TLSSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Vault{
		address:   strings.TrimRight(cfg.Address, "/"),
		token:     cfg.Token,
		namespace: cfg.Namespace,
		client:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (v *Vault) Scheme() string { return "vault" }

func (v *Vault) Resolve(ctx context.Context, ref string) (string, error) {
	raw, _ := strings.CutPrefix(ref, "vault://")
	path, field, _ := strings.Cut(raw, "#")
	if path == "" || field == "" {
		return "", fmt.Errorf("%w: vault reference %q needs a path and a #field", ErrNotFound, ref)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.address+"/v1/"+path, nil)
	if err != nil {
		return "", fmt.Errorf("building vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.token)
	if v.namespace != "" {
		req.Header.Set("X-Vault-Namespace", v.namespace)
	}

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%w: vault path %q not found", ErrNotFound, path)
	case resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("vault access denied for path %q (check token permissions)", path)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("vault returned status %d for path %q", resp.StatusCode, path)
	}

	// KV v2 envelope: {"data": {"data": {...}, "metadata": {...}}}
	var envelope struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&envelope); err != nil {
		return "", fmt.Errorf("parsing vault response: %w", err)
	}

	val, ok := envelope.Data.Data[field]
	if !ok {
		return "", fmt.Errorf("%w: field %q not found in vault path %q", ErrNotFound, field, path)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault field %q in path %q is not a string", field, path)
	}
	return s, nil
}
