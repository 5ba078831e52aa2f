// Package templater resolves {{ expr }} expressions against a layered run
// context: foreach bindings, step outputs, vars, event, and secrets.
//
// The grammar is intentionally small — dotted paths, comparisons, boolean
// and/or/not, literals — and is evaluated by a hand-rolled recursive-descent
// parser rather than text/template or a general templating library, since
// the precedence/truthiness/null rules below are exact contract, not
// convenience behavior a generic engine can be bent to match.
package templater

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/beemflowhq/beemflow/enginerr"
)

// SecretsResolver is the narrow view of a secrets.Provider the templater
// needs: resolving `secrets.NAME` path lookups.
type SecretsResolver interface {
	GetSecret(key string) (string, bool)
}

// Context is the layered lookup environment for one render. ForeachBindings
// is a stack pushed innermost-last; Resolve searches it back-to-front so an
// inner foreach's `as` name shadows an outer one of the same name.
type Context struct {
	Outputs         map[string]any
	Vars            map[string]any
	Event           map[string]any
	Secrets         SecretsResolver
	ForeachBindings []map[string]any
}

// Templater renders template strings and evaluates single expressions
// against a Context.
type Templater struct{}

// NewTemplater constructs a Templater. It carries no state; a value receiver
// would do, but the teacher's packages construct explicitly and the engine
// holds one on the struct, so the shape is kept for consistency.
func NewTemplater() *Templater {
	return &Templater{}
}

// Render scans tmpl for {{ expr }} tokens and substitutes each with its
// evaluated value: strings are spliced in raw, everything else (numbers,
// booleans, null, objects, arrays) is JSON-encoded. A template containing no
// "{{" is returned unchanged — Render is idempotent on already-resolved text.
func (t *Templater) Render(tmpl string, ctx *Context) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	var out strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			out.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end < 0 {
			out.WriteString(rest)
			break
		}
		end += start
		out.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+2 : end])
		val, err := t.Eval(expr, ctx)
		if err != nil {
			return "", err
		}
		out.WriteString(inlineString(val))
		rest = rest[end+2:]
	}
	return out.String(), nil
}

// Eval parses and evaluates a single expression (the content between {{ }})
// against ctx, returning its typed value. Used directly by the engine for
// `if` conditions and `foreach` iterables, which need the real value rather
// than its string form.
func (t *Templater) Eval(expr string, ctx *Context) (any, error) {
	p := &parser{lex: newLexer(expr), ctx: ctx}
	p.advance()
	val, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tokEOF {
		return nil, enginerr.Templatef("unexpected token %q in expression %q", p.tok.text, expr)
	}
	return val, nil
}

// EvaluateExpression evaluates a {{ ... }} wrapped single expression and
// returns its typed value, or the literal string if it contains no
// expression at all. Used by foreach/if callers that receive a raw DSL
// string rather than a bare expression.
func (t *Templater) EvaluateExpression(tmpl string, ctx *Context) (any, error) {
	trimmed := strings.TrimSpace(tmpl)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		return t.Eval(trimmed[2:len(trimmed)-2], ctx)
	}
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}
	return t.Render(tmpl, ctx)
}

// Truthy implements the JS-style truthiness spec demands for `if`:
// null/false/0/""/empty array/empty object are falsy.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case int:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

func inlineString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}

// Resolve looks up a root identifier per the context precedence: innermost
// foreach binding first, then outputs/bare-step-id, then vars, then event.
// "outputs", "vars", "event", "secrets" are also valid roots on their own,
// yielding the whole layer for further dotted traversal; secrets are reached
// only through the "secrets" root.
func (c *Context) Resolve(name string) (any, bool) {
	if c == nil {
		return nil, false
	}
	for i := len(c.ForeachBindings) - 1; i >= 0; i-- {
		if v, ok := c.ForeachBindings[i][name]; ok {
			return v, true
		}
	}
	switch name {
	case "outputs":
		return c.Outputs, true
	case "vars":
		return c.Vars, true
	case "event":
		return c.Event, true
	case "secrets":
		return c.Secrets, true
	}
	if v, ok := c.Outputs[name]; ok {
		return v, true
	}
	if v, ok := c.Vars[name]; ok {
		return v, true
	}
	if v, ok := c.Event[name]; ok {
		return v, true
	}
	return nil, false
}

// navigate walks dotted path segments off a resolved root value. Missing
// paths yield nil per spec ("missing path yields null") rather than an
// error; a secrets root is special-cased to call the resolver.
func navigate(root any, parts []string) any {
	cur := root
	for _, part := range parts {
		if sr, ok := cur.(SecretsResolver); ok {
			if sr == nil {
				return nil
			}
			v, _ := sr.GetSecret(part)
			cur = v
			continue
		}
		switch m := cur.(type) {
		case map[string]any:
			cur = m[part]
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(m) {
				return nil
			}
			cur = m[idx]
		default:
			return nil
		}
	}
	return cur
}
