// Package yql implements the parameterized query template builder: a
// string template with interpolated values turns into
// query text with positional $p0, $p1, ... parameters plus a params map,
// the shape the query executor sends over the wire.
package yql

import (
	"fmt"
	"strings"

	"github.com/nexusdb/nexus-go-sdk/internal/value"
)

// Unsafe bypasses parameterization: its contents are emitted verbatim into
// the query text, for identifiers and other trusted fragments.
type Unsafe string

// Template is the result of building a query: text with $p0.. placeholders
// and a map from "$p0" to its bound Value.
type Template struct {
	Text   string
	Params map[string]*value.Value
}

// Identifier wraps s in backticks, doubling any embedded backtick.
func Identifier(s string) Unsafe {
	return Unsafe("`" + strings.ReplaceAll(s, "`", "``") + "`")
}

// Raw builds a Template from a literal string with no interpolation.
func Raw(text string) (Template, error) {
	return Template{Text: text, Params: map[string]*value.Value{}}, nil
}

// Build constructs a Template from n+1 literal fragments and the n values
// interpolated between them.
//
// Each value is either an Unsafe fragment (emitted verbatim), a
// *value.Value (used directly), or any other Go value fed through
// value.Infer. A raw nil is rejected, naming the offending position.
func Build(fragments []string, values []any) (Template, error) {
	if len(fragments) != len(values)+1 {
		return Template{}, fmt.Errorf("nexus/yql: expected %d values for %d fragments, got %d", len(fragments)-1, len(fragments), len(values))
	}

	var sb strings.Builder
	params := map[string]*value.Value{}
	paramIndex := 0

	sb.WriteString(fragments[0])
	for i, v := range values {
		if v == nil {
			return Template{}, fmt.Errorf("nexus/yql: interpolation at position %d is nil; wrap nullable cells in value.Optional", i)
		}

		switch x := v.(type) {
		case Unsafe:
			sb.WriteString(string(x))
		case *value.Value:
			// A typed-nil pointer is not caught by the interface nil check
			// above and must not reach the params map.
			if x == nil {
				return Template{}, fmt.Errorf("nexus/yql: interpolation at position %d is a nil *value.Value; wrap nullable cells in value.Optional", i)
			}
			name := fmt.Sprintf("$p%d", paramIndex)
			paramIndex++
			params[name] = x
			sb.WriteString(name)
		default:
			inferred, err := value.Infer(v)
			if err != nil {
				return Template{}, fmt.Errorf("nexus/yql: interpolation at position %d: %w", i, err)
			}
			name := fmt.Sprintf("$p%d", paramIndex)
			paramIndex++
			params[name] = inferred
			sb.WriteString(name)
		}

		sb.WriteString(fragments[i+1])
	}

	return Template{Text: sb.String(), Params: params}, nil
}
