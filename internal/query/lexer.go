package query

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/devrev/livestore/internal/errors"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokArg
	tokOp
	tokLParen
	tokRParen
	tokComma
	tokCaseFlag
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return "end of input"
	}
	return fmt.Sprintf("'%s'", t.text)
}

var twoCharOps = []string{"==", "!=", "<>", "<=", ">=", "&&", "||"}

func lex(input string) ([]token, error) {
	var tokens []token
	rs := []rune(input)
	for i := 0; i < len(rs); {
		r := rs[i]
		switch {
		case unicode.IsSpace(r):
			i++
		case r == '(':
			tokens = append(tokens, token{tokLParen, "(", i})
			i++
		case r == ')':
			tokens = append(tokens, token{tokRParen, ")", i})
			i++
		case r == ',':
			tokens = append(tokens, token{tokComma, ",", i})
			i++
		case r == '[':
			end := i + 1
			for end < len(rs) && rs[end] != ']' {
				end++
			}
			if end == len(rs) {
				return nil, syntaxError(input, i, "unterminated '['")
			}
			flag := strings.ToLower(string(rs[i+1 : end]))
			if flag != "c" {
				return nil, syntaxError(input, i, fmt.Sprintf("unsupported modifier '[%s]'", flag))
			}
			tokens = append(tokens, token{tokCaseFlag, "[c]", i})
			i = end + 1
		case r == '\'' || r == '"':
			var b strings.Builder
			j := i + 1
			for ; j < len(rs) && rs[j] != r; j++ {
				if rs[j] == '\\' && j+1 < len(rs) {
					j++
				}
				b.WriteRune(rs[j])
			}
			if j == len(rs) {
				return nil, syntaxError(input, i, "unterminated string")
			}
			tokens = append(tokens, token{tokString, b.String(), i})
			i = j + 1
		case r == '$':
			j := i + 1
			for j < len(rs) && unicode.IsDigit(rs[j]) {
				j++
			}
			if j == i+1 {
				return nil, syntaxError(input, i, "expected argument index after '$'")
			}
			tokens = append(tokens, token{tokArg, string(rs[i+1 : j]), i})
			i = j
		case unicode.IsDigit(r) || (r == '-' && i+1 < len(rs) && unicode.IsDigit(rs[i+1])):
			j := i + 1
			for j < len(rs) && (unicode.IsDigit(rs[j]) || rs[j] == '.' || rs[j] == 'e' || rs[j] == 'E' ||
				((rs[j] == '-' || rs[j] == '+') && (rs[j-1] == 'e' || rs[j-1] == 'E'))) {
				j++
			}
			tokens = append(tokens, token{tokNumber, string(rs[i:j]), i})
			i = j
		case unicode.IsLetter(r) || r == '_' || r == '@':
			j := i + 1
			for j < len(rs) && (unicode.IsLetter(rs[j]) || unicode.IsDigit(rs[j]) || rs[j] == '_' || rs[j] == '.' || rs[j] == '@') {
				j++
			}
			tokens = append(tokens, token{tokIdent, string(rs[i:j]), i})
			i = j
		default:
			op := ""
			if i+1 < len(rs) {
				for _, candidate := range twoCharOps {
					if string(rs[i:i+2]) == candidate {
						op = candidate
						break
					}
				}
			}
			if op == "" && strings.ContainsRune("=<>!", r) {
				op = string(r)
			}
			if op == "" {
				return nil, syntaxError(input, i, fmt.Sprintf("unexpected character '%c'", r))
			}
			tokens = append(tokens, token{tokOp, op, i})
			i += len([]rune(op))
		}
	}
	tokens = append(tokens, token{kind: tokEOF, pos: len(rs)})
	return tokens, nil
}

func syntaxError(input string, pos int, msg string) error {
	return errors.InvalidArgument(fmt.Sprintf("invalid predicate '%s': %s at offset %d", input, msg, pos), nil).
		WithDetail("offset", pos)
}
