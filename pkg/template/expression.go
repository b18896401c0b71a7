package template

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

type node interface {
	eval(data map[string]any) (any, error)
}

type literalNode struct {
	value any
}

func (n literalNode) eval(map[string]any) (any, error) {
	return n.value, nil
}

type pathNode struct {
	path string
}

func (n pathNode) eval(data map[string]any) (any, error) {
	value, ok := Lookup(data, n.path)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnresolved, n.path)
	}

	return value, nil
}

type callNode struct {
	name string
	args []node
}

func (n callNode) eval(data map[string]any) (any, error) {
	fn, ok := functions[n.name]
	if !ok {
		return nil, fmt.Errorf("unknown function %s", n.name)
	}

	args := make([]any, 0, len(n.args))

	for _, arg := range n.args {
		value, err := arg.eval(data)
		if err != nil {
			return nil, err
		}

		args = append(args, value)
	}

	return fn(args...)
}

type parser struct {
	input string
	pos   int
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.input) && unicode.IsSpace(rune(p.input[p.pos])) {
		p.pos++
	}
}

func (p *parser) peek() byte {
	if p.pos >= len(p.input) {
		return 0
	}

	return p.input[p.pos]
}

func (p *parser) parseExpr() (node, error) {
	p.skipSpaces()

	switch c := p.peek(); {
	case c == 0:
		return nil, fmt.Errorf("empty expression")
	case c == '\'' || c == '"':
		return p.parseString(c)
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	case isIdentStart(c):
		return p.parseReference()
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", c, p.pos)
	}
}

func (p *parser) parseString(quote byte) (node, error) {
	p.pos++

	var sb strings.Builder

	for p.pos < len(p.input) {
		c := p.input[p.pos]

		switch {
		case c == '\\' && p.pos+1 < len(p.input) && (p.input[p.pos+1] == quote || p.input[p.pos+1] == '\\'):
			sb.WriteByte(p.input[p.pos+1])
			p.pos += 2
		case c == quote:
			p.pos++

			return literalNode{value: sb.String()}, nil
		default:
			sb.WriteByte(c)
			p.pos++
		}
	}

	return nil, fmt.Errorf("unterminated string literal")
}

func (p *parser) parseNumber() (node, error) {
	start := p.pos
	if p.peek() == '-' {
		p.pos++
	}

	for p.pos < len(p.input) && (p.input[p.pos] == '.' || (p.input[p.pos] >= '0' && p.input[p.pos] <= '9')) {
		p.pos++
	}

	value, err := strconv.ParseFloat(p.input[start:p.pos], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}

	return literalNode{value: value}, nil
}

// parseReference reads a dotted name, then decides between a function call and a variable path.
func (p *parser) parseReference() (node, error) {
	start := p.pos

	for p.pos < len(p.input) && (isIdentPart(p.input[p.pos]) || p.input[p.pos] == '.') {
		p.pos++
	}

	name := p.input[start:p.pos]

	switch name {
	case "true":
		return literalNode{value: true}, nil
	case "false":
		return literalNode{value: false}, nil
	}

	p.skipSpaces()

	if p.peek() != '(' {
		return pathNode{path: name}, nil
	}

	p.pos++

	call := callNode{name: name}

	p.skipSpaces()

	if p.peek() == ')' {
		p.pos++

		return call, nil
	}

	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}

		call.args = append(call.args, arg)

		p.skipSpaces()

		switch p.peek() {
		case ',':
			p.pos++
		case ')':
			p.pos++

			return call, nil
		default:
			return nil, fmt.Errorf("expected , or ) in call to %s", name)
		}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
