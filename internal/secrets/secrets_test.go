package secrets

import (
	"context"
	"errors"
	"testing"
)

func TestIsReference(t *testing.T) {
	for value, want := range map[string]bool{
		"env://ANTHROPIC_API_KEY":       true,
		"vault://secret/data/x#key":     true,
		"sk-ant-literal":                false,
		"":                              false,
		"postgres://u:p@localhost/runs": false,
		"https://example.com":           false,
	} {
		if got := IsReference(value); got != want {
			t.Errorf("IsReference(%q) = %v, want %v", value, got, want)
		}
	}
}

func TestRegistry_Value(t *testing.T) {
	t.Setenv("SANDLOOP_TEST_KEY", "from-env")
	r := NewRegistry(Env{})
	ctx := context.Background()

	got, err := r.Value(ctx, "env://SANDLOOP_TEST_KEY")
	if err != nil || got != "from-env" {
		t.Errorf("Value(env) = %q, %v", got, err)
	}

	got, err = r.Value(ctx, "literal")
	if err != nil || got != "literal" {
		t.Errorf("Value(literal) = %q, %v", got, err)
	}

	if _, err := r.Value(ctx, "env://SANDLOOP_TEST_UNSET"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unset env: err = %v, want ErrNotFound", err)
	}
	if _, err := r.Value(ctx, "vault://secret/data/x#k"); err == nil {
		t.Error("expected error without a vault resolver")
	}
}

func TestRegistry_Fields(t *testing.T) {
	t.Setenv("SANDLOOP_TEST_KEY", "from-env")
	r := NewRegistry(Env{})

	key, dsn := "env://SANDLOOP_TEST_KEY", "postgres://localhost/runs"
	if err := r.Fields(context.Background(), map[string]*string{
		"providers.anthropic.api_key": &key,
		"storage.postgres.dsn":        &dsn,
	}); err != nil {
		t.Fatalf("Fields: %v", err)
	}
	if key != "from-env" || dsn != "postgres://localhost/runs" {
		t.Errorf("key = %q, dsn = %q", key, dsn)
	}

	bad := "env://SANDLOOP_TEST_UNSET"
	err := r.Fields(context.Background(), map[string]*string{"providers.openai.api_key": &bad})
	if err == nil || !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
