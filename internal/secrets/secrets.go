// Package secrets resolves credential references found in the config file,
// so provider API keys and database DSNs need not be stored in plain text.
//
// A value of the form "env://NAME" or "vault://path#field" is a reference;
// anything else is used literally.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned when a reference cannot be resolved.
var ErrNotFound = errors.New("secret not found")

// Resolver resolves references for one scheme. Implementations must be
// safe for concurrent use and never log the resolved value.
type Resolver interface {
	// Scheme is the reference prefix without "://", e.g. "env".
	Scheme() string
	Resolve(ctx context.Context, ref string) (string, error)
}

// Registry dispatches references to the resolver registered for their scheme.
type Registry struct {
	resolvers map[string]Resolver
}

// NewRegistry returns a registry holding the given resolvers.
func NewRegistry(resolvers ...Resolver) *Registry {
	r := &Registry{resolvers: make(map[string]Resolver, len(resolvers))}
	for _, res := range resolvers {
		r.resolvers[res.Scheme()] = res
	}
	return r
}

// IsReference reports whether value looks like a credential reference.
func IsReference(value string) bool {
	scheme, _, ok := strings.Cut(value, "://")
	return ok && (scheme == "env" || scheme == "vault")
}

// Value resolves value if it is a reference and returns it unchanged otherwise.
// Empty values stay empty.
func (r *Registry) Value(ctx context.Context, value string) (string, error) {
	if !IsReference(value) {
		return value, nil
	}
	scheme, _, _ := strings.Cut(value, "://")
	res, ok := r.resolvers[scheme]
	if !ok {
		return "", fmt.Errorf("no resolver configured for %s:// references", scheme)
	}
	return res.Resolve(ctx, value)
}

// Fields resolves every pointed-to value in place. The first failure is
// returned annotated with its name.
func (r *Registry) Fields(ctx context.Context, fields map[string]*string) error {
	for name, ptr := range fields {
		v, err := r.Value(ctx, *ptr)
		if err != nil {
			return fmt.Errorf("resolving %s: %w", name, err)
		}
		*ptr = v
	}
	return nil
}
