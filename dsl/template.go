package dsl

import (
	"maps"
	"regexp"
	"strings"
	"sync"

	pongo2 "github.com/flosch/pongo2/v6"
)

var (
	// Global filter registration to avoid duplicate registrations.
	filterRegistrationOnce sync.Once
	// Global mutex protecting all Pongo2 operations, since the library has
	// package-level state.
	pongo2Mutex sync.Mutex
)

// varsTokenRe matches the narrow pre-render grammar this pass supports:
// {{ vars.dotted.path }}. Anything else (comparisons, foreach expressions,
// bare step ids) is the runtime templater's job, not this one's.
var varsTokenRe = regexp.MustCompile(`\{\{\s*vars\.([A-Za-z_][A-Za-z0-9_.]*)\s*\}\}`)

// preRenderer wraps pongo2 for the DSL's pre-render pass: substituting
// {{ vars.X }} references in the raw YAML text before it is parsed into a
// Flow. Undefined references are a convenience, not an error — they are
// left in the source untouched so the rendered YAML still parses.
type preRenderer struct{}

func newPreRenderer() *preRenderer {
	filterRegistrationOnce.Do(func() {
		pongo2Mutex.Lock()
		defer pongo2Mutex.Unlock()
		_ = pongo2.RegisterFilter("reverse", func(in *pongo2.Value, _ *pongo2.Value) (*pongo2.Value, *pongo2.Error) {
			s := in.String()
			runes := []rune(s)
			for i, j := 0, len(runes)-1; i < j; i, j = i+1, j-1 {
				runes[i], runes[j] = runes[j], runes[i]
			}
			return pongo2.AsValue(string(runes)), nil
		})
	})
	return &preRenderer{}
}

// Render substitutes every {{ vars.X }} token whose path resolves in vars,
// leaving unresolved tokens (and any non-"vars." template syntax) untouched.
func (r *preRenderer) Render(raw string, vars map[string]any) (string, error) {
	if vars == nil || !strings.Contains(raw, "{{") {
		return raw, nil
	}
	var renderErr error
	out := varsTokenRe.ReplaceAllStringFunc(raw, func(tok string) string {
		if renderErr != nil {
			return tok
		}
		m := varsTokenRe.FindStringSubmatch(tok)
		path := m[1]
		if !pathExists(vars, path) {
			return tok
		}
		pongo2Mutex.Lock()
		defer pongo2Mutex.Unlock()
		tpl, err := pongo2.FromString(tok)
		if err != nil {
			renderErr = err
			return tok
		}
		rendered, err := tpl.Execute(flattenContext(map[string]any{"vars": vars}))
		if err != nil {
			renderErr = err
			return tok
		}
		return rendered
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

func pathExists(vars map[string]any, dotted string) bool {
	parts := strings.Split(dotted, ".")
	var cur any = vars
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return false
		}
		v, ok := m[p]
		if !ok {
			return false
		}
		cur = v
	}
	return true
}

// Render applies the pre-render pass to a raw flow document.
func Render(raw string, vars map[string]any) (string, error) {
	return newPreRenderer().Render(raw, vars)
}

func flattenContext(data map[string]any) pongo2.Context {
	converted := make(pongo2.Context, len(data))
	maps.Copy(converted, data)
	return converted
}
