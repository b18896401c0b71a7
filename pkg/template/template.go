// Package template renders ${...} expressions against a namespace of context values.
package template

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnresolved is returned by Evaluate when a referenced variable does not exist.
var ErrUnresolved = errors.New("unresolved expression")

// Render replaces every ${expr} in input. Expressions that reference unknown variables are left
// in place verbatim; malformed expressions and failing function calls return an error.
func Render(input string, data map[string]any) (string, error) {
	if !strings.Contains(input, "${") {
		return input, nil
	}

	var out strings.Builder

	rest := input
	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			out.WriteString(rest)

			break
		}

		end := matchingBrace(rest, start+2)
		if end < 0 {
			out.WriteString(rest)

			break
		}

		out.WriteString(rest[:start])

		raw := rest[start : end+1]
		expr := rest[start+2 : end]

		value, err := Evaluate(expr, data)

		switch {
		case errors.Is(err, ErrUnresolved):
			out.WriteString(raw)
		case err != nil:
			return "", fmt.Errorf("failed to render %q: %w", raw, err)
		default:
			out.WriteString(Stringify(value))
		}

		rest = rest[end+1:]
	}

	return out.String(), nil
}

// Evaluate evaluates a single expression body, without the surrounding ${ }.
func Evaluate(expr string, data map[string]any) (any, error) {
	p := &parser{input: strings.TrimSpace(expr)}

	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}

	p.skipSpaces()

	if p.pos != len(p.input) {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.input[p.pos:], p.pos)
	}

	return node.eval(data)
}

// Stringify formats a rendered value. Maps and slices are written as JSON.
func Stringify(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any, []any, []string, map[string]string:
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}

		return string(raw)
	default:
		return fmt.Sprint(v)
	}
}

// matchingBrace returns the index of the } closing the expression that starts at from.
func matchingBrace(s string, from int) int {
	depth := 1

	var quote byte

	for i := from; i < len(s); i++ {
		c := s[i]

		if quote != 0 {
			if c == '\\' {
				i++
			} else if c == quote {
				quote = 0
			}

			continue
		}

		switch c {
		case '\'', '"':
			quote = c
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}

	return -1
}

// Lookup resolves a dotted path against nested maps and slices.
func Lookup(data map[string]any, path string) (any, bool) {
	var current any = data

	for _, segment := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = value
		case map[string]string:
			value, ok := node[segment]
			if !ok {
				return nil, false
			}

			current = value
		case []any:
			index, err := strconv.Atoi(segment)
			if err != nil || index < 0 || index >= len(node) {
				return nil, false
			}

			current = node[index]
		default:
			return nil, false
		}
	}

	return current, true
}
