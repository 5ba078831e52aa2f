package secrets

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvProvider resolves secrets from the process environment, optionally
// scoped by a prefix (BEEMFLOW_SECRET_FOO resolves FOO when prefix is
// "BEEMFLOW_SECRET_"). A .env file in the working directory, if present, is
// loaded into the process environment once at construction so flows run the
// same from a shell or from a deployed process.
type EnvProvider struct {
	prefix string
}

var _ Provider = (*EnvProvider)(nil)

// NewEnvProvider constructs an environment-backed Provider, loading .env
// (if present) into the process environment first. godotenv.Load returning
// an error (most commonly "no .env file") is not fatal: the provider falls
// back to whatever is already in the environment.
func NewEnvProvider(prefix string) *EnvProvider {
	_ = godotenv.Load()
	return &EnvProvider{prefix: prefix}
}

// GetSecret resolves key, trying the prefixed form first then the bare
// environment variable name.
func (e *EnvProvider) GetSecret(key string) (string, bool) {
	if e.prefix != "" {
		if v, ok := os.LookupEnv(e.prefix + key); ok {
			return v, true
		}
	}
	return os.LookupEnv(key)
}

// All snapshots every environment variable this provider can see, stripping
// the configured prefix from keys that carry it.
func (e *EnvProvider) All() map[string]string {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if e.prefix != "" && strings.HasPrefix(k, e.prefix) {
			out[strings.TrimPrefix(k, e.prefix)] = v
			continue
		}
		out[k] = v
	}
	return out
}
