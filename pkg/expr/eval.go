package expr

import (
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

func (n *literalNode) eval(_ *Scope) (any, error) {
	return n.val, nil
}

func (n *literalNode) text() string { return n.src }

func (n *identNode) eval(scope *Scope) (any, error) {
	v, ok := scope.Lookup(n.name)
	if !ok {
		return nil, &UndefinedReferenceError{Path: n.name}
	}

	return v, nil
}

func (n *identNode) text() string { return n.name }

func (n *attrNode) eval(scope *Scope) (any, error) {
	target, err := n.target.eval(scope)
	if err != nil {
		return nil, err
	}

	m, ok := target.(map[string]any)
	if !ok {
		return nil, &TypeMismatchError{
			Op:      ".",
			Operand: target,
			Message: fmt.Sprintf("%s is not an object", n.target.text()),
		}
	}

	v, ok := m[n.name]
	if !ok {
		return nil, &UndefinedReferenceError{Path: n.text()}
	}

	return v, nil
}

func (n *attrNode) text() string { return n.target.text() + "." + n.name }

func (n *indexNode) eval(scope *Scope) (any, error) {
	target, err := n.target.eval(scope)
	if err != nil {
		return nil, err
	}

	index, err := n.index.eval(scope)
	if err != nil {
		return nil, err
	}

	switch t := target.(type) {
	case map[string]any:
		key, ok := index.(string)
		if !ok {
			return nil, &TypeMismatchError{Op: "[]", Operand: index, Message: "object keys must be strings"}
		}

		v, ok := t[key]
		if !ok {
			return nil, &UndefinedReferenceError{Path: n.target.text() + "[" + key + "]"}
		}

		return v, nil

	case []any:
		i, ok := toFloat(index)
		if !ok || i != math.Trunc(i) {
			return nil, &TypeMismatchError{Op: "[]", Operand: index, Message: "array index must be an integer"}
		}

		idx := int(i)
		if idx < 0 || idx >= len(t) {
			return nil, &UndefinedReferenceError{Path: fmt.Sprintf("%s[%d]", n.target.text(), idx)}
		}

		return t[idx], nil

	default:
		return nil, &TypeMismatchError{Op: "[]", Operand: target, Message: n.target.text() + " is not indexable"}
	}
}

func (n *indexNode) text() string { return n.target.text() + "[" + n.index.text() + "]" }

func (n *listNode) eval(scope *Scope) (any, error) {
	elems := make([]any, 0, len(n.elems))

	for _, e := range n.elems {
		v, err := e.eval(scope)
		if err != nil {
			return nil, err
		}

		elems = append(elems, v)
	}

	return elems, nil
}

func (n *listNode) text() string {
	parts := make([]string, 0, len(n.elems))
	for _, e := range n.elems {
		parts = append(parts, e.text())
	}

	return "[" + strings.Join(parts, ", ") + "]"
}

func (n *unaryNode) eval(scope *Scope) (any, error) {
	v, err := n.operand.eval(scope)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "not":
		b, ok := v.(bool)
		if !ok {
			return nil, &TypeMismatchError{Op: "not", Operand: v}
		}

		return !b, nil

	case "-":
		f, ok := toFloat(v)
		if !ok {
			return nil, &TypeMismatchError{Op: "-", Operand: v}
		}

		return -f, nil
	}

	return nil, &TypeMismatchError{Op: n.op, Operand: v}
}

func (n *unaryNode) text() string { return n.op + " " + n.operand.text() }

func (n *binaryNode) eval(scope *Scope) (any, error) {
	// and/or short-circuit before the right operand is touched.
	if n.op == "and" || n.op == "or" {
		return n.evalLogical(scope)
	}

	left, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}

	right, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "<", "<=", ">", ">=":
		return compareOrdered(n.op, left, right)
	case "+":
		return evalAdd(left, right)
	case "-", "*", "/", "%":
		return evalArithmetic(n.op, left, right)
	case "in":
		return evalMembership(left, right)
	}

	return nil, &TypeMismatchError{Op: n.op, Operand: left}
}

func (n *binaryNode) evalLogical(scope *Scope) (any, error) {
	left, err := n.left.eval(scope)
	if err != nil {
		return nil, err
	}

	lb, ok := left.(bool)
	if !ok {
		return nil, &TypeMismatchError{Op: n.op, Operand: left}
	}

	if n.op == "and" && !lb {
		return false, nil
	}

	if n.op == "or" && lb {
		return true, nil
	}

	right, err := n.right.eval(scope)
	if err != nil {
		return nil, err
	}

	rb, ok := right.(bool)
	if !ok {
		return nil, &TypeMismatchError{Op: n.op, Operand: right}
	}

	return rb, nil
}

func (n *binaryNode) text() string {
	return n.left.text() + " " + n.op + " " + n.right.text()
}

func (n *callNode) eval(scope *Scope) (any, error) {
	fn, ok := builtins[n.name]
	if !ok {
		return nil, &UndefinedReferenceError{Path: n.name + "()"}
	}

	args := make([]any, 0, len(n.args))

	for _, a := range n.args {
		v, err := a.eval(scope)
		if err != nil {
			return nil, err
		}

		args = append(args, v)
	}

	return fn(args)
}

func (n *callNode) text() string {
	parts := make([]string, 0, len(n.args))
	for _, a := range n.args {
		parts = append(parts, a.text())
	}

	return n.name + "(" + strings.Join(parts, ", ") + ")"
}

// builtins is the closed set of callable functions. Expressions cannot reach
// anything outside this table.
var builtins = map[string]func(args []any) (any, error){
	"length": func(args []any) (any, error) {
		if len(args) != 1 {
			return nil, &TypeMismatchError{Op: "length", Message: "expects exactly one argument"}
		}

		switch v := args[0].(type) {
		case string:
			return float64(len(v)), nil
		case []any:
			return float64(len(v)), nil
		case map[string]any:
			return float64(len(v)), nil
		default:
			return nil, &TypeMismatchError{Op: "length", Operand: args[0]}
		}
	},
	"now": func(args []any) (any, error) {
		if len(args) != 0 {
			return nil, &TypeMismatchError{Op: "now", Message: "expects no arguments"}
		}

		return time.Now().UTC().Format(time.RFC3339), nil
	},
	"upper": func(args []any) (any, error) {
		s, err := singleString("upper", args)
		if err != nil {
			return nil, err
		}

		return strings.ToUpper(s), nil
	},
	"lower": func(args []any) (any, error) {
		s, err := singleString("lower", args)
		if err != nil {
			return nil, err
		}

		return strings.ToLower(s), nil
	},
	"contains": func(args []any) (any, error) {
		if len(args) != 2 {
			return nil, &TypeMismatchError{Op: "contains", Message: "expects exactly two arguments"}
		}

		return evalMembership(args[1], args[0])
	},
}

func singleString(name string, args []any) (string, error) {
	if len(args) != 1 {
		return "", &TypeMismatchError{Op: name, Message: "expects exactly one argument"}
	}

	s, ok := args[0].(string)
	if !ok {
		return "", &TypeMismatchError{Op: name, Operand: args[0]}
	}

	return s, nil
}

// toFloat normalizes every numeric representation a YAML/JSON document or a
// task result may carry into float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

// Equal compares two resolved values with the same semantics as the ==
// operator: numeric kinds compare by value, everything else structurally.
func Equal(left, right any) bool {
	return looseEqual(left, right)
}

func looseEqual(left, right any) bool {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf
		}

		return false
	}

	return reflect.DeepEqual(left, right)
}

func compareOrdered(op string, left, right any) (any, error) {
	if lf, lok := toFloat(left); lok {
		rf, rok := toFloat(right)
		if !rok {
			return nil, &TypeMismatchError{Op: op, Operand: right}
		}

		return applyOrdering(op, compareFloats(lf, rf)), nil
	}

	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, &TypeMismatchError{Op: op, Operand: right}
		}

		return applyOrdering(op, strings.Compare(ls, rs)), nil
	}

	return nil, &TypeMismatchError{Op: op, Operand: left}
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func applyOrdering(op string, cmp int) bool {
	switch op {
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case ">":
		return cmp > 0
	default:
		return cmp >= 0
	}
}

func evalAdd(left, right any) (any, error) {
	if lf, ok := toFloat(left); ok {
		rf, ok := toFloat(right)
		if !ok {
			return nil, &TypeMismatchError{Op: "+", Operand: right}
		}

		return lf + rf, nil
	}

	if ls, ok := left.(string); ok {
		rs, ok := right.(string)
		if !ok {
			return nil, &TypeMismatchError{Op: "+", Operand: right}
		}

		return ls + rs, nil
	}

	return nil, &TypeMismatchError{Op: "+", Operand: left}
}

func evalArithmetic(op string, left, right any) (any, error) {
	lf, ok := toFloat(left)
	if !ok {
		return nil, &TypeMismatchError{Op: op, Operand: left}
	}

	rf, ok := toFloat(right)
	if !ok {
		return nil, &TypeMismatchError{Op: op, Operand: right}
	}

	switch op {
	case "-":
		return lf - rf, nil
	case "*":
		return lf * rf, nil
	case "/":
		if rf == 0 {
			return nil, &TypeMismatchError{Op: "/", Message: "division by zero"}
		}

		return lf / rf, nil
	default:
		if rf == 0 {
			return nil, &TypeMismatchError{Op: "%", Message: "division by zero"}
		}

		return math.Mod(lf, rf), nil
	}
}

func evalMembership(needle, haystack any) (any, error) {
	switch h := haystack.(type) {
	case []any:
		for _, elem := range h {
			if looseEqual(needle, elem) {
				return true, nil
			}
		}

		return false, nil

	case string:
		s, ok := needle.(string)
		if !ok {
			return nil, &TypeMismatchError{Op: "in", Operand: needle, Message: "string membership requires a string"}
		}

		return strings.Contains(h, s), nil

	case map[string]any:
		s, ok := needle.(string)
		if !ok {
			return nil, &TypeMismatchError{Op: "in", Operand: needle, Message: "object membership requires a string key"}
		}

		_, found := h[s]

		return found, nil

	default:
		return nil, &TypeMismatchError{Op: "in", Operand: haystack}
	}
}
