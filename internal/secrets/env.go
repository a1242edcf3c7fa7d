package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Env resolves "env://NAME" from the process environment.
type Env struct{}

func (Env) Scheme() string { return "env" }

func (Env) Resolve(_ context.Context, ref string) (string, error) {
	name, ok := strings.CutPrefix(ref, "env://")
	if !ok || name == "" {
		return "", fmt.Errorf("%w: invalid env reference %q", ErrNotFound, ref)
	}
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%w: environment variable %q is not set or empty", ErrNotFound, name)
	}
	return value, nil
}
