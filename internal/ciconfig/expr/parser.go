package expr

import (
	"regexp"
)

// Grammar, lowest precedence first:
//
//	or     = and { "||" and }
//	and    = cmp { "&&" cmp }
//	cmp    = unary [ ("==" | "!=" | "=~" | "!~") unary ]
//	unary  = "!" unary | primary
//	primary = variable | string | regex | "null" | "(" or ")"
type parser struct {
	src    string
	tokens []token
	pos    int
}

func (p *parser) peek() token { return p.tokens[p.pos] }
func (p *parser) advance() token {
	tok := p.tokens[p.pos]
	if tok.kind != tokenEOF {
		p.pos++
	}
	return tok
}

func (p *parser) errorf(tok token, msg string) error {
	return &SyntaxError{Expr: p.src, Pos: tok.pos, Msg: msg}
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &orNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokenAnd {
		p.advance()
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = &andNode{left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseCmp() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokenEq, tokenNotEq:
		op := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &equalityNode{left: left, right: right, negated: op.kind == tokenNotEq}, nil
	case tokenMatch, tokenNotMatch:
		op := p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &matchNode{left: left, right: right, negated: op.kind == tokenNotMatch}, nil
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.peek().kind == tokenNot {
		p.advance()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	tok := p.advance()
	switch tok.kind {
	case tokenVariable:
		return &variableNode{name: tok.text}, nil
	case tokenString:
		return &literalNode{value: stringValue(tok.text)}, nil
	case tokenNull:
		return &literalNode{value: nullValue()}, nil
	case tokenRegex:
		re, err := regexp.Compile(tok.text)
		if err != nil {
			return nil, p.errorf(tok, "invalid regexp: "+err.Error())
		}
		return &literalNode{value: regexValue(re)}, nil
	case tokenLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if closing := p.advance(); closing.kind != tokenRParen {
			return nil, p.errorf(closing, "expected ')'")
		}
		return inner, nil
	case tokenEOF:
		return nil, p.errorf(tok, "unexpected end of expression")
	default:
		return nil, p.errorf(tok, "unexpected token")
	}
}

// Expr is a parsed expression ready for repeated evaluation.
type Expr struct {
	src  string
	root node
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// Parse compiles an expression. The empty string is rejected.
func Parse(src string) (*Expr, error) {
	tokens, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if trailing := p.peek(); trailing.kind != tokenEOF {
		return nil, p.errorf(trailing, "unexpected trailing token")
	}
	return &Expr{src: src, root: root}, nil
}

// Evaluate runs the expression against a variable lookup and reports
// truthiness: null and the empty string are false, everything else true.
func (e *Expr) Evaluate(vars Lookup) (bool, error) {
	v, err := e.root.eval(vars)
	if err != nil {
		return false, err
	}
	return v.truthy(), nil
}
