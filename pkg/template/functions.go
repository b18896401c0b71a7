package template

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"
)

type function func(args ...any) (any, error)

var functions = map[string]function{
	"regex.extract": regexExtract,
	"regex.match":   regexMatch,
	"path.base":     unaryString(path.Base),
	"path.dir":      unaryString(path.Dir),
	"string.upper":  unaryString(strings.ToUpper),
	"string.lower":  unaryString(strings.ToLower),
	"json.select":   jsonSelect,
}

func stringArgs(name string, want int, args []any) ([]string, error) {
	if len(args) != want {
		return nil, fmt.Errorf("%s expects %d arguments, got %d", name, want, len(args))
	}

	out := make([]string, 0, len(args))
	for _, arg := range args {
		out = append(out, Stringify(arg))
	}

	return out, nil
}

func unaryString(fn func(string) string) function {
	return func(args ...any) (any, error) {
		values, err := stringArgs("function", 1, args)
		if err != nil {
			return nil, err
		}

		return fn(values[0]), nil
	}
}

// regexExtract returns the first match of pattern in value, or an empty string.
func regexExtract(args ...any) (any, error) {
	values, err := stringArgs("regex.extract", 2, args)
	if err != nil {
		return nil, err
	}

	re, err := regexp.Compile(values[0])
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", values[0], err)
	}

	return re.FindString(values[1]), nil
}

func regexMatch(args ...any) (any, error) {
	values, err := stringArgs("regex.match", 2, args)
	if err != nil {
		return nil, err
	}

	re, err := regexp.Compile(values[0])
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", values[0], err)
	}

	return re.MatchString(values[1]), nil
}

// jsonSelect reads a dotted path out of a JSON document given as a string or already decoded value.
func jsonSelect(args ...any) (any, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("json.select expects 2 arguments, got %d", len(args))
	}

	selector := Stringify(args[0])

	document := args[1]
	if raw, ok := document.(string); ok {
		var decoded any
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, fmt.Errorf("json.select: invalid document: %w", err)
		}

		document = decoded
	}

	root, ok := document.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("json.select: document is not an object")
	}

	value, ok := Lookup(root, strings.TrimPrefix(selector, "$."))
	if !ok {
		return "", nil
	}

	return value, nil
}
