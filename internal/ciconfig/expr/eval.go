package expr

import (
	"fmt"
	"regexp"
)

// Lookup resolves a variable by name. The boolean reports whether the
// variable is defined at all; an undefined variable evaluates to null.
type Lookup func(name string) (string, bool)

type valueKind int

const (
	kindNull valueKind = iota
	kindString
	kindBool
	kindRegex
)

type value struct {
	kind valueKind
	str  string
	b    bool
	re   *regexp.Regexp
}

func nullValue() value                   { return value{kind: kindNull} }
func stringValue(s string) value         { return value{kind: kindString, str: s} }
func boolValue(b bool) value             { return value{kind: kindBool, b: b} }
func regexValue(re *regexp.Regexp) value { return value{kind: kindRegex, re: re} }

// truthy follows the rule language semantics: null, false and the empty
// string are false; any other value is true.
func (v value) truthy() bool {
	switch v.kind {
	case kindNull:
		return false
	case kindBool:
		return v.b
	case kindString:
		return v.str != ""
	default:
		return true
	}
}

type node interface {
	eval(vars Lookup) (value, error)
}

type literalNode struct {
	value value
}

func (n *literalNode) eval(Lookup) (value, error) { return n.value, nil }

type variableNode struct {
	name string
}

func (n *variableNode) eval(vars Lookup) (value, error) {
	if vars == nil {
		return nullValue(), nil
	}
	if s, ok := vars(n.name); ok {
		return stringValue(s), nil
	}
	return nullValue(), nil
}

type notNode struct {
	operand node
}

func (n *notNode) eval(vars Lookup) (value, error) {
	v, err := n.operand.eval(vars)
	if err != nil {
		return value{}, err
	}
	return boolValue(!v.truthy()), nil
}

type andNode struct {
	left, right node
}

func (n *andNode) eval(vars Lookup) (value, error) {
	left, err := n.left.eval(vars)
	if err != nil {
		return value{}, err
	}
	if !left.truthy() {
		return left, nil
	}
	return n.right.eval(vars)
}

type orNode struct {
	left, right node
}

func (n *orNode) eval(vars Lookup) (value, error) {
	left, err := n.left.eval(vars)
	if err != nil {
		return value{}, err
	}
	if left.truthy() {
		return left, nil
	}
	return n.right.eval(vars)
}

type equalityNode struct {
	left, right node
	negated     bool
}

func (n *equalityNode) eval(vars Lookup) (value, error) {
	left, err := n.left.eval(vars)
	if err != nil {
		return value{}, err
	}
	right, err := n.right.eval(vars)
	if err != nil {
		return value{}, err
	}
	equal := equalValues(left, right)
	if n.negated {
		equal = !equal
	}
	return boolValue(equal), nil
}

func equalValues(a, b value) bool {
	if a.kind == kindNull || b.kind == kindNull {
		return a.kind == b.kind
	}
	if a.kind == kindString && b.kind == kindString {
		return a.str == b.str
	}
	if a.kind == kindBool && b.kind == kindBool {
		return a.b == b.b
	}
	return false
}

type matchNode struct {
	left, right node
	negated     bool
}

func (n *matchNode) eval(vars Lookup) (value, error) {
	left, err := n.left.eval(vars)
	if err != nil {
		return value{}, err
	}
	right, err := n.right.eval(vars)
	if err != nil {
		return value{}, err
	}

	re := right.re
	if re == nil {
		// The pattern side may be a variable or string holding a regexp;
		// compile it at evaluation time.
		if right.kind != kindString {
			return value{}, fmt.Errorf("right side of =~ must be a regexp, got %s", right.describe())
		}
		re, err = regexp.Compile(trimRegexDelimiters(right.str))
		if err != nil {
			return value{}, fmt.Errorf("invalid regexp in pattern: %w", err)
		}
	}

	matched := left.kind == kindString && re.MatchString(left.str)
	if n.negated {
		matched = !matched
	}
	return boolValue(matched), nil
}

// trimRegexDelimiters strips the /.../ wrapper from a pattern stored in a
// variable, so `$PATTERN` with value `/^rel-/` behaves like a literal.
func trimRegexDelimiters(s string) string {
	if len(s) >= 2 && s[0] == '/' && s[len(s)-1] == '/' {
		return s[1 : len(s)-1]
	}
	return s
}

func (v value) describe() string {
	switch v.kind {
	case kindNull:
		return "null"
	case kindString:
		return "string"
	case kindBool:
		return "bool"
	case kindRegex:
		return "regexp"
	default:
		return "unknown"
	}
}
