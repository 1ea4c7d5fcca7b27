package condition

import (
	"fmt"
	"strconv"
)

// node is an element of a parsed expression. The grammar only produces
// literals, path lookups, comparisons and boolean combinators.
type node interface {
	eval(vars map[string]any) any
}

type literal struct{ v any }

// pathSegment is either a map key or a list index.
type pathSegment struct {
	key   string
	index int
	isIdx bool
}

type pathNode struct {
	segments []pathSegment
}

type notNode struct{ x node }

type logicalNode struct {
	op   string // "&&" or "||"
	l, r node
}

type compareNode struct {
	op   string
	l, r node
}

type parser struct {
	toks []token
	pos  int
}

func parse(src string) (node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("position %d: unexpected %q", t.pos, t.text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) isOp(texts ...string) (string, bool) {
	t := p.peek()
	if t.kind != tokOp && t.kind != tokIdent {
		return "", false
	}
	for _, s := range texts {
		if t.text == s {
			return s, true
		}
	}
	return "", false
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("||", "or"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "||", l: left, r: right}
	}
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.isOp("&&", "and"); !ok {
			return left, nil
		}
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &logicalNode{op: "&&", l: left, r: right}
	}
}

func (p *parser) parseNot() (node, error) {
	if _, ok := p.isOp("!", "not"); ok {
		p.next()
		x, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}
	return p.parseCompare()
}

func (p *parser) parseCompare() (node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	t := p.peek()
	if t.kind != tokOp {
		return left, nil
	}
	switch t.text {
	case "==", "!=", ">", ">=", "<", "<=":
	default:
		return left, nil
	}
	p.next()
	right, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	return &compareNode{op: t.text, l: left, r: right}, nil
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		if i, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return &literal{v: i}, nil
		}
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("position %d: invalid number %q", t.pos, t.text)
		}
		return &literal{v: f}, nil
	case tokString:
		return &literal{v: t.text}, nil
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if c := p.next(); c.kind != tokRParen {
			return nil, fmt.Errorf("position %d: expected ')'", c.pos)
		}
		return n, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literal{v: true}, nil
		case "false":
			return &literal{v: false}, nil
		case "null", "nil", "undefined":
			return &literal{v: nil}, nil
		case "and", "or", "not":
			return nil, fmt.Errorf("position %d: unexpected keyword %q", t.pos, t.text)
		}
		return p.parsePath(t)
	case tokEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("position %d: unexpected %q", t.pos, t.text)
	}
}

func (p *parser) parsePath(first token) (node, error) {
	path := &pathNode{segments: []pathSegment{{key: first.text}}}
	for {
		switch p.peek().kind {
		case tokDot:
			p.next()
			t := p.next()
			switch t.kind {
			case tokIdent:
				path.segments = append(path.segments, pathSegment{key: t.text})
			case tokNumber:
				idx, err := strconv.Atoi(t.text)
				if err != nil {
					return nil, fmt.Errorf("position %d: invalid index %q", t.pos, t.text)
				}
				path.segments = append(path.segments, pathSegment{index: idx, isIdx: true, key: t.text})
			default:
				return nil, fmt.Errorf("position %d: expected field name after '.'", t.pos)
			}
		case tokLBracket:
			p.next()
			t := p.next()
			var seg pathSegment
			switch t.kind {
			case tokNumber:
				idx, err := strconv.Atoi(t.text)
				if err != nil || idx < 0 {
					return nil, fmt.Errorf("position %d: invalid index %q", t.pos, t.text)
				}
				seg = pathSegment{index: idx, isIdx: true, key: t.text}
			case tokString:
				seg = pathSegment{key: t.text}
			default:
				return nil, fmt.Errorf("position %d: expected index", t.pos)
			}
			if c := p.next(); c.kind != tokRBracket {
				return nil, fmt.Errorf("position %d: expected ']'", c.pos)
			}
			path.segments = append(path.segments, seg)
		default:
			return path, nil
		}
	}
}
