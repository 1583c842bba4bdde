package expr

import (
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNumber
	tokString
	tokIdent
	tokOp
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

// two-character operators must be matched before their one-character prefixes.
var twoCharOps = []string{"==", "!=", "<=", ">="}

const oneCharOps = "<>+-*/%()[].,"

func lex(src string) ([]token, error) {
	var toks []token

	i := 0
	for i < len(src) {
		c := src[i]

		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++

		case c >= '0' && c <= '9':
			start := i
			for i < len(src) && (src[i] >= '0' && src[i] <= '9' || src[i] == '.') {
				i++
			}

			toks = append(toks, token{kind: tokNumber, text: src[start:i], pos: start})

		case c == '"' || c == '\'':
			quote := c
			start := i
			i++

			var sb strings.Builder

			closed := false
			for i < len(src) {
				if src[i] == '\\' && i+1 < len(src) {
					sb.WriteByte(src[i+1])
					i += 2

					continue
				}

				if src[i] == quote {
					closed = true
					i++

					break
				}

				sb.WriteByte(src[i])
				i++
			}

			if !closed {
				return nil, &SyntaxError{Expr: src, Pos: start, Message: "unterminated string literal"}
			}

			toks = append(toks, token{kind: tokString, text: sb.String(), pos: start})

		case isIdentStart(rune(c)):
			start := i
			for i < len(src) && isIdentPart(rune(src[i])) {
				i++
			}

			toks = append(toks, token{kind: tokIdent, text: src[start:i], pos: start})

		default:
			matched := false

			for _, op := range twoCharOps {
				if strings.HasPrefix(src[i:], op) {
					toks = append(toks, token{kind: tokOp, text: op, pos: i})
					i += len(op)
					matched = true

					break
				}
			}

			if matched {
				continue
			}

			if strings.IndexByte(oneCharOps, c) >= 0 {
				toks = append(toks, token{kind: tokOp, text: string(c), pos: i})
				i++

				continue
			}

			return nil, &SyntaxError{Expr: src, Pos: i, Message: "unexpected character " + string(c)}
		}
	}

	toks = append(toks, token{kind: tokEOF, pos: len(src)})

	return toks, nil
}

func isIdentStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

func isIdentPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
