// Package expr implements the boolean expression language used by rule
// `if:` clauses. Expressions are parsed once at compile time into a typed
// tree and evaluated against a variable lookup.
package expr

import (
	"fmt"
	"strings"
	"unicode"
)

type tokenKind int

const (
	tokenEOF tokenKind = iota
	tokenVariable
	tokenString
	tokenRegex
	tokenNull
	tokenEq
	tokenNotEq
	tokenMatch
	tokenNotMatch
	tokenAnd
	tokenOr
	tokenNot
	tokenLParen
	tokenRParen
)

type token struct {
	kind tokenKind
	text string // variable name, string value or regex source
	pos  int
}

// SyntaxError reports a malformed expression with its offending position.
type SyntaxError struct {
	Expr string
	Pos  int
	Msg  string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("invalid expression %q at position %d: %s", e.Expr, e.Pos, e.Msg)
}

type lexer struct {
	src string
	pos int
}

func (l *lexer) errorf(pos int, format string, args ...interface{}) error {
	return &SyntaxError{Expr: l.src, Pos: pos, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) next() (token, error) {
	for l.pos < len(l.src) && (l.src[l.pos] == ' ' || l.src[l.pos] == '\t') {
		l.pos++
	}
	if l.pos >= len(l.src) {
		return token{kind: tokenEOF, pos: l.pos}, nil
	}

	start := l.pos
	c := l.src[l.pos]

	switch {
	case c == '(':
		l.pos++
		return token{kind: tokenLParen, pos: start}, nil
	case c == ')':
		l.pos++
		return token{kind: tokenRParen, pos: start}, nil
	case c == '$':
		l.pos++
		name := l.scanIdent()
		if name == "" {
			return token{}, l.errorf(start, "missing variable name after '$'")
		}
		return token{kind: tokenVariable, text: name, pos: start}, nil
	case c == '"' || c == '\'':
		return l.scanString(c)
	case c == '/':
		return l.scanRegex()
	case strings.HasPrefix(l.src[l.pos:], "=="):
		l.pos += 2
		return token{kind: tokenEq, pos: start}, nil
	case strings.HasPrefix(l.src[l.pos:], "!="):
		l.pos += 2
		return token{kind: tokenNotEq, pos: start}, nil
	case strings.HasPrefix(l.src[l.pos:], "=~"):
		l.pos += 2
		return token{kind: tokenMatch, pos: start}, nil
	case strings.HasPrefix(l.src[l.pos:], "!~"):
		l.pos += 2
		return token{kind: tokenNotMatch, pos: start}, nil
	case strings.HasPrefix(l.src[l.pos:], "&&"):
		l.pos += 2
		return token{kind: tokenAnd, pos: start}, nil
	case strings.HasPrefix(l.src[l.pos:], "||"):
		l.pos += 2
		return token{kind: tokenOr, pos: start}, nil
	case c == '!':
		l.pos++
		return token{kind: tokenNot, pos: start}, nil
	default:
		word := l.scanIdent()
		if word == "null" {
			return token{kind: tokenNull, pos: start}, nil
		}
		return token{}, l.errorf(start, "unexpected character %q", c)
	}
}

func (l *lexer) scanIdent() string {
	start := l.pos
	for l.pos < len(l.src) {
		r := rune(l.src[l.pos])
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' {
			break
		}
		l.pos++
	}
	return l.src[start:l.pos]
}

func (l *lexer) scanString(quote byte) (token, error) {
	start := l.pos
	l.pos++ // opening quote
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		}
		if c == quote {
			l.pos++
			return token{kind: tokenString, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, l.errorf(start, "unterminated string literal")
}

// scanRegex reads a /pattern/flags literal. Supported flags are i, m and s,
// translated to the corresponding Go regexp group flags by the parser.
func (l *lexer) scanRegex() (token, error) {
	start := l.pos
	l.pos++ // opening slash
	var sb strings.Builder
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		if c == '\\' && l.pos+1 < len(l.src) {
			sb.WriteByte(c)
			sb.WriteByte(l.src[l.pos+1])
			l.pos += 2
			continue
		}
		if c == '/' {
			l.pos++
			flags := l.scanIdent()
			if flags != "" {
				for _, f := range flags {
					if f != 'i' && f != 'm' && f != 's' {
						return token{}, l.errorf(start, "unsupported regexp flag %q", string(f))
					}
				}
				return token{kind: tokenRegex, text: "(?" + flags + ")" + sb.String(), pos: start}, nil
			}
			return token{kind: tokenRegex, text: sb.String(), pos: start}, nil
		}
		sb.WriteByte(c)
		l.pos++
	}
	return token{}, l.errorf(start, "unterminated regexp literal")
}

func tokenize(src string) ([]token, error) {
	l := &lexer{src: src}
	var tokens []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, tok)
		if tok.kind == tokenEOF {
			return tokens, nil
		}
	}
}
