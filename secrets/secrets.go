package secrets

import (
	"fmt"
	"strings"

	"github.com/beemflowhq/beemflow/config"
)

// NewProvider constructs a secrets Provider from configuration. "env" (the
// default) is the only driver in scope; anything else is a configuration
// error rather than a silent fallback.
func NewProvider(cfg *config.SecretsConfig) (Provider, error) {
	if cfg == nil {
		return NewEnvProvider(""), nil
	}
	switch strings.ToLower(cfg.Driver) {
	case "", "env":
		return NewEnvProvider(cfg.Prefix), nil
	default:
		return nil, fmt.Errorf("unsupported secrets driver: %s", cfg.Driver)
	}
}
