package expression

import "fmt"

type parser struct {
	src    string
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &EvalError{Expression: p.src, Pos: t.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(op string) error {
	t := p.next()
	if !t.is(op) {
		return p.errorf(t, "expected %q", op)
	}
	return nil
}

// parse builds the syntax tree for the whole token stream.
func (p *parser) parse() (node, error) {
	if p.peek().kind == tokEOF {
		return nil, p.errorf(p.peek(), "empty expression")
	}
	n, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected token %q", t.text)
	}
	return n, nil
}

func (p *parser) parseTernary() (node, error) {
	cond, err := p.parseBinary(0)
	if err != nil {
		return nil, err
	}
	if !p.peek().is("?") {
		return cond, nil
	}
	p.next()
	a, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	b, err := p.parseTernary()
	if err != nil {
		return nil, err
	}
	return &ternaryNode{cond: cond, a: a, b: b}, nil
}

var precedence = map[string]int{
	"||": 1,
	"&&": 2,
	"==": 3, "!=": 3,
	"<": 4, "<=": 4, ">": 4, ">=": 4,
	"+": 5, "-": 5,
	"*": 6, "/": 6, "%": 6,
}

// parseBinary is a precedence climbing parser for left-associative operators.
func (p *parser) parseBinary(minPrec int) (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		prec, ok := precedence[t.text]
		if t.kind != tokOp || !ok || prec <= minPrec {
			return left, nil
		}
		p.next()
		right, err := p.parseBinary(prec)
		if err != nil {
			return nil, err
		}
		if t.text == "&&" || t.text == "||" {
			left = &logicalNode{op: t.text, l: left, r: right}
		} else {
			left = &binaryNode{op: t.text, l: left, r: right}
		}
	}
}

func (p *parser) parseUnary() (node, error) {
	t := p.peek()
	if t.is("!") || t.is("-") {
		p.next()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryNode{op: t.text, x: x}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (node, error) {
	n, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		switch {
		case t.is("."):
			p.next()
			name := p.next()
			if name.kind != tokIdent {
				return nil, p.errorf(name, "expected property name after '.'")
			}
			n = &memberNode{obj: n, name: name.text}
		case t.is("["):
			p.next()
			idx, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			n = &indexNode{obj: n, idx: idx}
		default:
			return n, nil
		}
	}
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return &literalNode{v: t.num}, nil
	case tokString:
		return &literalNode{v: t.text}, nil
	case tokIdent:
		switch t.text {
		case "true":
			return &literalNode{v: true}, nil
		case "false":
			return &literalNode{v: false}, nil
		case "null", "nil":
			return &literalNode{v: nil}, nil
		case "undefined":
			return &literalNode{v: Undefined}, nil
		}
		if p.peek().is("(") {
			return p.parseCall(t)
		}
		return &identNode{name: t.text}, nil
	case tokOp:
		if t.is("(") {
			n, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return n, nil
		}
		return nil, p.errorf(t, "unexpected operator %q", t.text)
	}
	return nil, p.errorf(t, "unexpected end of expression")
}

func (p *parser) parseCall(name token) (node, error) {
	fn, ok := builtins[name.text]
	if !ok {
		return nil, p.errorf(name, "unknown function %q", name.text)
	}
	p.next() // (
	var args []node
	if !p.peek().is(")") {
		for {
			arg, err := p.parseTernary()
			if err != nil {
				return nil, err
			}
			args = append(args, arg)
			if !p.peek().is(",") {
				break
			}
			p.next()
		}
	}
	if err := p.expect(")"); err != nil {
		return nil, err
	}
	if len(args) != fn.arity {
		return nil, p.errorf(name, "%s expects %d argument(s), got %d", name.text, fn.arity, len(args))
	}
	return &callNode{name: name.text, fn: fn.call, args: args}, nil
}
