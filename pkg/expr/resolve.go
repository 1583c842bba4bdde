package expr

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Resolve evaluates a binding string against a scope. Strings without a
// ${...} marker pass through unchanged. A string that is exactly one
// interpolation yields the referenced value with its native type; mixed
// text stringifies each resolved segment and concatenates.
func Resolve(input string, scope *Scope) (any, error) {
	if !strings.Contains(input, "${") {
		return input, nil
	}

	var sb strings.Builder

	rest := input
	segments := 0

	for {
		start := strings.Index(rest, "${")
		if start < 0 {
			sb.WriteString(rest)

			break
		}

		sb.WriteString(rest[:start])

		body, end, err := scanInterpolation(input, rest[start+2:])
		if err != nil {
			return nil, err
		}

		value, err := Eval(body, scope)
		if err != nil {
			return nil, err
		}

		segments++

		// A whole-string interpolation keeps the native type.
		if rest == input && start == 0 && end == len(input)-2 {
			return value, nil
		}

		sb.WriteString(Format(value))

		rest = rest[start+2+end:]
	}

	if segments == 0 {
		return input, nil
	}

	return sb.String(), nil
}

// Eval parses and evaluates a bare expression (no ${} wrapper).
func Eval(src string, scope *Scope) (any, error) {
	n, err := parseExpression(src)
	if err != nil {
		return nil, err
	}

	return n.eval(scope)
}

// EvalBool evaluates a bare expression and requires a boolean result.
func EvalBool(src string, scope *Scope) (bool, error) {
	v, err := Eval(src, scope)
	if err != nil {
		return false, err
	}

	b, ok := v.(bool)
	if !ok {
		return false, &TypeMismatchError{Op: "condition", Operand: v, Message: src + " did not yield a boolean"}
	}

	return b, nil
}

// ResolveValue resolves a binding of any shape: strings are interpolated,
// maps and slices are walked recursively, everything else passes through.
func ResolveValue(v any, scope *Scope) (any, error) {
	switch val := v.(type) {
	case string:
		return Resolve(val, scope)

	case map[string]any:
		out := make(map[string]any, len(val))

		for k, elem := range val {
			resolved, err := ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}

			out[k] = resolved
		}

		return out, nil

	case []any:
		out := make([]any, 0, len(val))

		for _, elem := range val {
			resolved, err := ResolveValue(elem, scope)
			if err != nil {
				return nil, err
			}

			out = append(out, resolved)
		}

		return out, nil

	default:
		return v, nil
	}
}

// ResolveMap resolves every value of a binding map against the scope.
func ResolveMap(bindings map[string]any, scope *Scope) (map[string]any, error) {
	resolved := make(map[string]any, len(bindings))

	for name, binding := range bindings {
		value, err := ResolveValue(binding, scope)
		if err != nil {
			return nil, fmt.Errorf("binding %q: %w", name, err)
		}

		resolved[name] = value
	}

	return resolved, nil
}

// Format renders a resolved value for concatenation into surrounding text.
// Composite values render as JSON so embedded objects stay machine-readable.
func Format(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}

		return string(b)
	default:
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64)
		}

		return fmt.Sprintf("%v", v)
	}
}

// scanInterpolation returns the expression body of one ${...} segment and
// the offset just past its closing brace, tracking quotes so braces inside
// string literals do not close the segment.
func scanInterpolation(whole, src string) (string, int, error) {
	depth := 1

	var quote byte

	for i := 0; i < len(src); i++ {
		c := src[i]

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
				return src[:i], i + 1, nil
			}
		}
	}

	return "", 0, &SyntaxError{Expr: whole, Pos: len(whole), Message: "unterminated ${...} interpolation"}
}
