package query

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/devrev/livestore/internal/errors"
	"github.com/devrev/livestore/internal/schema"
	"github.com/devrev/livestore/internal/value"
)

type parser struct {
	input  string
	tokens []token
	pos    int
	schema *schema.Schema
	class  *schema.Class
	args   []value.Value
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, a ...interface{}) error {
	return syntaxError(p.input, t.pos, fmt.Sprintf(format, a...))
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, p.errorf(t, "expected %s, found %s", what, t)
	}
	return t, nil
}

// keyword reports whether the next token is the identifier kw (case-insensitive).
func (p *parser) keyword(kw string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, kw)
}

func (p *parser) parse() ([]op, error) {
	var ops []op
	if !p.atDescriptor() && p.peek().kind != tokEOF {
		start := p.peek().pos
		root, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		end := len(p.input)
		if t := p.peek(); t.kind != tokEOF {
			end = t.pos
		}
		ops = append(ops, &filterOp{root: root, text: strings.TrimSpace(string([]rune(p.input)[start:end]))})
	}
	for p.peek().kind != tokEOF {
		d, err := p.parseDescriptor()
		if err != nil {
			return nil, err
		}
		ops = append(ops, d)
	}
	return ops, nil
}

func (p *parser) atDescriptor() bool {
	return p.keyword("SORT") || p.keyword("DISTINCT") || p.keyword("LIMIT")
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("OR") || (p.peek().kind == tokOp && p.peek().text == "||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.keyword("AND") || (p.peek().kind == tokOp && p.peek().text == "&&") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.keyword("NOT") || (p.peek().kind == tokOp && p.peek().text == "!") {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.peek()
	switch {
	case t.kind == tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return inner, nil
	case p.keyword("TRUEPREDICATE"):
		p.next()
		return constNode(true), nil
	case p.keyword("FALSEPREDICATE"):
		p.next()
		return constNode(false), nil
	}
	if p.keyword("ANY") || p.keyword("SOME") {
		p.next()
	}
	return p.parseComparison()
}

var comparisonOps = map[string]string{
	"==": "==", "=": "==", "!=": "!=", "<>": "!=",
	"<": "<", "<=": "<=", ">": ">", ">=": ">=",
}

var stringOps = []string{"BEGINSWITH", "ENDSWITH", "CONTAINS"}

func (p *parser) parseComparison() (node, error) {
	lhs, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	t := p.next()
	var op string
	switch {
	case t.kind == tokOp && comparisonOps[t.text] != "":
		op = comparisonOps[t.text]
	case t.kind == tokIdent:
		for _, candidate := range stringOps {
			if strings.EqualFold(t.text, candidate) {
				op = candidate
			}
		}
	}
	if op == "" {
		return nil, p.errorf(t, "expected comparison operator, found %s", t)
	}
	cmp := &compareNode{op: op, lhs: lhs}
	if p.peek().kind == tokCaseFlag {
		p.next()
		cmp.caseInsensitive = true
	}
	if cmp.rhs, err = p.parseOperand(); err != nil {
		return nil, err
	}
	_, lpath := cmp.lhs.(*pathOperand)
	_, rpath := cmp.rhs.(*pathOperand)
	if !lpath && !rpath {
		return nil, p.errorf(t, "comparison needs at least one key path")
	}
	return cmp, nil
}

func (p *parser) parseOperand() (operand, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return literal{value.String(t.text)}, nil
	case tokNumber:
		if strings.ContainsAny(t.text, ".eE") {
			f, err := strconv.ParseFloat(t.text, 64)
			if err != nil {
				return nil, p.errorf(t, "invalid number %s", t)
			}
			return literal{value.Double(f)}, nil
		}
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, p.errorf(t, "invalid number %s", t)
		}
		return literal{value.Int(n)}, nil
	case tokArg:
		idx, _ := strconv.Atoi(t.text)
		if idx >= len(p.args) {
			return nil, errors.InvalidArgument(
				fmt.Sprintf("invalid predicate '%s': argument $%d given but only %d arguments supplied", p.input, idx, len(p.args)), nil)
		}
		return literal{p.args[idx]}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return literal{value.Bool(true)}, nil
		case "false":
			return literal{value.Bool(false)}, nil
		case "null", "nil":
			return literal{value.Null()}, nil
		}
		return p.resolvePath(t)
	}
	return nil, p.errorf(t, "expected key path or value, found %s", t)
}

// resolvePath binds a dotted key path to schema properties.
func (p *parser) resolvePath(t token) (*pathOperand, error) {
	segments := strings.Split(t.text, ".")
	out := &pathOperand{text: t.text}
	if last := segments[len(segments)-1]; strings.HasPrefix(last, "@") {
		switch last {
		case "@count", "@size":
			out.aggregate = last
		default:
			return nil, p.errorf(t, "unsupported collection operator '%s'", last)
		}
		segments = segments[:len(segments)-1]
	}
	if len(segments) == 0 {
		return nil, p.errorf(t, "collection operator without a key path")
	}
	class := p.class
	for i, seg := range segments {
		if class == nil {
			return nil, p.errorf(t, "key path '%s' continues past a non-link property", t.text)
		}
		step := pathStep{name: seg}
		switch prop, isProp := class.Property(seg); {
		case isProp:
			step.prop = prop
			class = nil
			if prop.Type == schema.TypeObject {
				class, _ = p.schema.Class(prop.Target)
			}
			if prop.IsCollection() {
				out.toMany = true
			}
		default:
			b, isBacklink := class.Backlink(seg)
			if !isBacklink {
				return nil, errors.InvalidArgument(
					fmt.Sprintf("invalid predicate '%s': property '%s' not found in '%s'", p.input, seg, class.Name), nil)
			}
			step.backlink = b
			class, _ = p.schema.Class(b.SourceClass)
			out.toMany = true
		}
		if i == len(segments)-1 {
			out.last = step
		} else {
			out.links = append(out.links, step)
		}
	}
	if out.aggregate == "@count" && !out.last.collection() {
		return nil, p.errorf(t, "@count requires a collection, '%s' is not one", out.last.name)
	}
	if out.aggregate == "@size" && !out.last.collection() &&
		(out.last.prop == nil || (out.last.prop.Type != schema.TypeString && out.last.prop.Type != schema.TypeBinary)) {
		return nil, p.errorf(t, "@size requires a collection, string or binary, '%s' is none of these", out.last.name)
	}
	return out, nil
}

func (p *parser) parseDescriptor() (op, error) {
	t := p.next()
	if t.kind != tokIdent {
		return nil, p.errorf(t, "expected SORT, DISTINCT or LIMIT, found %s", t)
	}
	switch strings.ToUpper(t.text) {
	case "SORT":
		return p.parseSort()
	case "DISTINCT":
		return p.parseDistinct()
	case "LIMIT":
		if _, err := p.expect(tokLParen, "'('"); err != nil {
			return nil, err
		}
		nt, err := p.expect(tokNumber, "limit")
		if err != nil {
			return nil, err
		}
		n, err := strconv.Atoi(nt.text)
		if err != nil || n < 0 {
			return nil, p.errorf(nt, "invalid limit %s", nt)
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return &limitOp{n: n}, nil
	}
	return nil, p.errorf(t, "expected SORT, DISTINCT or LIMIT, found %s", t)
}

func (p *parser) parseSort() (op, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	s := &sortOp{}
	for {
		pt, err := p.expect(tokIdent, "key path")
		if err != nil {
			return nil, err
		}
		path, err := p.singlePath(pt)
		if err != nil {
			return nil, err
		}
		key := sortKey{path: path, ascending: true}
		switch {
		case p.keyword("ASC") || p.keyword("ASCENDING"):
			p.next()
		case p.keyword("DESC") || p.keyword("DESCENDING"):
			p.next()
			key.ascending = false
		}
		s.keys = append(s.keys, key)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *parser) parseDistinct() (op, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	d := &distinctOp{}
	for {
		pt, err := p.expect(tokIdent, "key path")
		if err != nil {
			return nil, err
		}
		path, err := p.singlePath(pt)
		if err != nil {
			return nil, err
		}
		d.paths = append(d.paths, path)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	return d, nil
}

// singlePath resolves a key path that must yield one value per object.
func (p *parser) singlePath(t token) (*pathOperand, error) {
	path, err := p.resolvePath(t)
	if err != nil {
		return nil, err
	}
	if path.toMany && path.aggregate == "" {
		return nil, p.errorf(t, "key path '%s' yields several values and cannot be used to sort or deduplicate", t.text)
	}
	return path, nil
}
