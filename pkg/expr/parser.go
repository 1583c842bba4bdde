package expr

import (
	"fmt"
	"strconv"
)

// node is one vertex of a parsed expression tree. Evaluation is pure: the
// same tree may be evaluated concurrently against different scopes.
type node interface {
	eval(scope *Scope) (any, error)
	text() string
}

type literalNode struct {
	val any
	src string
}

type identNode struct {
	name string
}

type attrNode struct {
	target node
	name   string
}

type indexNode struct {
	target node
	index  node
}

type callNode struct {
	name string
	args []node
}

type unaryNode struct {
	op      string
	operand node
}

type binaryNode struct {
	op    string
	left  node
	right node
}

type listNode struct {
	elems []node
}

type parser struct {
	src  string
	toks []token
	pos  int
}

func parseExpression(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}

	p := &parser{src: src, toks: toks}

	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if p.peek().kind != tokEOF {
		return nil, p.errorf("unexpected trailing input %q", p.peek().text)
	}

	return n, nil
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if p.toks[p.pos].kind != tokEOF {
		p.pos++
	}

	return t
}

func (p *parser) acceptOp(text string) bool {
	if p.peek().kind == tokOp && p.peek().text == text {
		p.next()

		return true
	}

	return false
}

func (p *parser) acceptKeyword(word string) bool {
	if p.peek().kind == tokIdent && p.peek().text == word {
		p.next()

		return true
	}

	return false
}

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Expr: p.src, Pos: p.peek().pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	for p.acceptKeyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{op: "or", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}

	for p.acceptKeyword("and") {
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{op: "and", left: left, right: right}
	}

	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.acceptKeyword("not") {
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}

		return &unaryNode{op: "not", operand: operand}, nil
	}

	return p.parseComparison()
}

var comparisonOps = []string{"==", "!=", "<=", ">=", "<", ">"}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	for _, op := range comparisonOps {
		if p.acceptOp(op) {
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}

			return &binaryNode{op: op, left: left, right: right}, nil
		}
	}

	if p.acceptKeyword("in") {
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}

		return &binaryNode{op: "in", left: left, right: right}, nil
	}

	return left, nil
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case p.acceptOp("+"):
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}

			left = &binaryNode{op: "+", left: left, right: right}
		case p.acceptOp("-"):
			right, err := p.parseMultiplicative()
			if err != nil {
				return nil, err
			}

			left = &binaryNode{op: "-", left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	for {
		var op string

		switch {
		case p.acceptOp("*"):
			op = "*"
		case p.acceptOp("/"):
			op = "/"
		case p.acceptOp("%"):
			op = "%"
		default:
			return left, nil
		}

		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		left = &binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (node, error) {
	if p.acceptOp("-") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}

		return &unaryNode{op: "-", operand: operand}, nil
	}

	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	target, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}

	for {
		switch {
		case p.acceptOp("."):
			tok := p.next()
			if tok.kind != tokIdent {
				return nil, p.errorf("expected attribute name after '.'")
			}

			target = &attrNode{target: target, name: tok.text}

		case p.acceptOp("["):
			index, err := p.parseOr()
			if err != nil {
				return nil, err
			}

			if !p.acceptOp("]") {
				return nil, p.errorf("expected ']'")
			}

			target = &indexNode{target: target, index: index}

		case p.acceptOp("("):
			ident, ok := target.(*identNode)
			if !ok {
				return nil, p.errorf("only built-in functions are callable")
			}

			var args []node

			if !p.acceptOp(")") {
				for {
					arg, err := p.parseOr()
					if err != nil {
						return nil, err
					}

					args = append(args, arg)

					if p.acceptOp(",") {
						continue
					}

					if p.acceptOp(")") {
						break
					}

					return nil, p.errorf("expected ',' or ')' in argument list")
				}
			}

			target = &callNode{name: ident.name, args: args}

		default:
			return target, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.peek()

	switch tok.kind {
	case tokNumber:
		p.next()

		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf("malformed number %q", tok.text)
		}

		return &literalNode{val: f, src: tok.text}, nil

	case tokString:
		p.next()

		return &literalNode{val: tok.text, src: strconv.Quote(tok.text)}, nil

	case tokIdent:
		p.next()

		switch tok.text {
		case "true":
			return &literalNode{val: true, src: "true"}, nil
		case "false":
			return &literalNode{val: false, src: "false"}, nil
		case "null":
			return &literalNode{val: nil, src: "null"}, nil
		}

		return &identNode{name: tok.text}, nil

	case tokOp:
		if p.acceptOp("(") {
			inner, err := p.parseOr()
			if err != nil {
				return nil, err
			}

			if !p.acceptOp(")") {
				return nil, p.errorf("expected ')'")
			}

			return inner, nil
		}

		if p.acceptOp("[") {
			var elems []node

			if !p.acceptOp("]") {
				for {
					elem, err := p.parseOr()
					if err != nil {
						return nil, err
					}

					elems = append(elems, elem)

					if p.acceptOp(",") {
						continue
					}

					if p.acceptOp("]") {
						break
					}

					return nil, p.errorf("expected ',' or ']' in list literal")
				}
			}

			return &listNode{elems: elems}, nil
		}
	}

	return nil, p.errorf("unexpected token %q", tok.text)
}
