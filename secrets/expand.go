package secrets

import (
	"regexp"
	"strings"
)

// envPattern matches $env:VARNAME, where VARNAME starts with a letter or
// underscore and continues with letters/digits/underscores.
var envPattern = regexp.MustCompile(`\$env:([A-Za-z_][A-Za-z0-9_]*)`)

// Expand replaces every "$env:NAME" occurrence in value with the secret
// named NAME, resolved from provider. A pattern whose secret is not found is
// left in the output byte-exact, so a missing secret never turns into an
// empty string or a partial write. Values with no "$env:" substring are
// returned unchanged without touching provider.
func Expand(value string, provider Provider) string {
	if provider == nil || !strings.Contains(value, "$env:") {
		return value
	}
	return envPattern.ReplaceAllStringFunc(value, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if v, ok := provider.GetSecret(name); ok {
			return v
		}
		return match
	})
}
