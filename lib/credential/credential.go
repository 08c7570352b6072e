// Package credential resolves agent configuration values into secret tokens.
//
// A configuration value is interpreted with three rules, checked in order:
// an empty value reads a default environment variable, a value starting
// with "$" reads the named environment variable, and anything else is the
// literal token. Resolution happens per call so rotated environment values
// are picked up; nothing is cached.
package credential

import (
	"fmt"
	"os"
	"strings"

	"golang.org/x/xerrors"
)

// ErrMissingCredential indicates the configured source yielded no token.
// It is a configuration error and is never retried.
var ErrMissingCredential = xerrors.New("missing credential")

// indirectionMarker prefixes a configuration value that names an
// environment variable instead of carrying the token itself.
const indirectionMarker = "$"

// Source records where a credential's token came from.
type Source string

const (
	SourceLiteral    Source = "literal"
	SourceNamedEnv   Source = "env"
	SourceDefaultEnv Source = "default_env"
)

// Credential is a resolved secret token. The token is unexported so the
// zero formatting paths (fmt, slog) cannot leak it.
type Credential struct {
	token  string
	source Source
	envVar string
}

// Token returns the secret. Callers attach it to outbound requests and
// must not log it.
func (c Credential) Token() string {
	return c.token
}

// Source reports how the credential was resolved.
func (c Credential) Source() Source {
	return c.source
}

// EnvVar returns the environment variable the token was read from, or ""
// for literal credentials.
func (c Credential) EnvVar() string {
	return c.envVar
}

// String never includes the token.
func (c Credential) String() string {
	if c.envVar != "" {
		return fmt.Sprintf("credential(%s:%s)", c.source, c.envVar)
	}
	return fmt.Sprintf("credential(%s)", c.source)
}

// LookupFunc reports the value of a named environment variable. It has
// the shape of os.LookupEnv so tests can substitute a map.
type LookupFunc func(name string) (string, bool)

// Resolver turns configuration values into credentials. The environment
// is read through a single injected lookup rather than scattered
// os.Getenv calls, so every read happens at this boundary.
type Resolver struct {
	lookup LookupFunc
}

type Option func(*Resolver)

// WithLookup overrides the environment lookup. Used by tests.
func WithLookup(fn LookupFunc) Option {
	return func(r *Resolver) {
		r.lookup = fn
	}
}

func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		lookup: os.LookupEnv,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve applies the resolution rules to configValue, falling back to
// defaultEnvVar when the value is empty. An absent or empty source fails
// with ErrMissingCredential; a credential is never empty on success.
func (r *Resolver) Resolve(configValue, defaultEnvVar string) (Credential, error) {
	switch {
	case configValue == "":
		token, ok := r.lookup(defaultEnvVar)
		if !ok || token == "" {
			return Credential{}, xerrors.Errorf("environment variable %s is not set: %w", defaultEnvVar, ErrMissingCredential)
		}
		return Credential{token: token, source: SourceDefaultEnv, envVar: defaultEnvVar}, nil
	case strings.HasPrefix(configValue, indirectionMarker):
		name := strings.TrimPrefix(configValue, indirectionMarker)
		token, ok := r.lookup(name)
		if !ok || token == "" {
			return Credential{}, xerrors.Errorf("environment variable %s is not set: %w", name, ErrMissingCredential)
		}
		return Credential{token: token, source: SourceNamedEnv, envVar: name}, nil
	default:
		return Credential{token: configValue, source: SourceLiteral}, nil
	}
}
