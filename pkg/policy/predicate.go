package policy

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Predicate is one condition of a policy line.
type Predicate interface {
	Match(t *Target) bool
	Variable() *Variable
	String() string
}

type operator string

const (
	opEq        operator = "=="
	opNe        operator = "!="
	opLt        operator = "<"
	opGt        operator = ">"
	opMatch     operator = "=~"
	opNotMatch  operator = "!~"
	opOlderThan operator = "older_than"
	opNewerThan operator = "newer_than"
	opIn        operator = "in"
	opNotIn     operator = "notin"
)

var operatorsByType = map[ValueType][]operator{
	TypeNumber:  {opEq, opNe, opLt, opGt, opIn, opNotIn},
	TypeEnum:    {opEq, opNe, opIn, opNotIn},
	TypeText:    {opEq, opNe, opMatch, opNotMatch, opIn, opNotIn},
	TypeTime:    {opEq, opLt, opGt, opOlderThan, opNewerThan},
	TypeVersion: {opEq, opNe, opLt, opGt},
}

func supports(typ ValueType, op operator) bool {
	for _, o := range operatorsByType[typ] {
		if o == op {
			return true
		}
	}
	return false
}

// unaryPredicate asserts or negates a boolean variable.
type unaryPredicate struct {
	variable *Variable
	negate   bool
}

func (p *unaryPredicate) Variable() *Variable { return p.variable }

func (p *unaryPredicate) Match(t *Target) bool {
	for _, v := range p.variable.Values(t) {
		if b, _ := v.(bool); b != p.negate {
			return true
		}
	}
	return false
}

func (p *unaryPredicate) String() string {
	if p.negate {
		return "not " + p.variable.Name
	}
	return p.variable.Name
}

type binaryPredicate struct {
	variable *Variable
	op       operator
	literal  interface{}
	text     string
}

func (p *binaryPredicate) Variable() *Variable { return p.variable }

func (p *binaryPredicate) Match(t *Target) bool {
	for _, v := range p.variable.Values(t) {
		if p.test(v) {
			return true
		}
	}
	return false
}

func (p *binaryPredicate) test(v interface{}) bool {
	switch p.op {
	case opEq:
		return equal(v, p.literal)
	case opNe:
		return !equal(v, p.literal)
	case opLt:
		return compare(v, p.literal) < 0
	case opGt:
		return compare(v, p.literal) > 0
	case opMatch, opNotMatch:
		s, _ := v.(string)
		return p.literal.(*regexp.Regexp).MatchString(s) == (p.op == opMatch)
	case opOlderThan:
		return v.(time.Time).Before(p.literal.(time.Time))
	case opNewerThan:
		return v.(time.Time).After(p.literal.(time.Time))
	}
	return false
}

func (p *binaryPredicate) String() string {
	return fmt.Sprintf("%s %s %s", p.variable.Name, p.op, p.text)
}

// setPredicate tests membership in a bracketed literal list.
type setPredicate struct {
	variable *Variable
	negate   bool
	values   []interface{}
	text     string
}

func (p *setPredicate) Variable() *Variable { return p.variable }

func (p *setPredicate) Match(t *Target) bool {
	for _, v := range p.variable.Values(t) {
		if p.contains(v) != p.negate {
			return true
		}
	}
	return false
}

func (p *setPredicate) contains(v interface{}) bool {
	for _, lit := range p.values {
		if equal(v, lit) {
			return true
		}
	}
	return false
}

func (p *setPredicate) String() string {
	op := opIn
	if p.negate {
		op = opNotIn
	}
	return fmt.Sprintf("%s %s %s", p.variable.Name, op, p.text)
}

// convertLiteral turns a literal into the value type of v.
func convertLiteral(v *Variable, lit string, now time.Time) (interface{}, error) {
	if v.literal != nil {
		return v.literal(lit, now)
	}
	switch v.Type {
	case TypeNumber:
		return parseNumber(lit, now)
	case TypeText:
		return parseText(lit, now)
	case TypeTime:
		return parseTime(lit, now)
	case TypeVersion:
		return parseVersion(lit, now)
	}
	return nil, fmt.Errorf("%s does not take a literal", v.Name)
}

// parsePredicate builds a predicate from the tokens between two "and"s.
func parsePredicate(tokens []string, now time.Time) (Predicate, error) {
	lookup := func(name string) (*Variable, error) {
		v, ok := LookupVariable(name)
		if !ok {
			return nil, fmt.Errorf("unknown variable %q", name)
		}
		return v, nil
	}

	switch {
	case len(tokens) == 0:
		return nil, fmt.Errorf("empty condition")
	case len(tokens) == 1 || (len(tokens) == 2 && tokens[0] == "not"):
		negate := len(tokens) == 2
		v, err := lookup(tokens[len(tokens)-1])
		if err != nil {
			return nil, err
		}
		if v.Type != TypeBool {
			return nil, fmt.Errorf("%s is not a boolean and needs an operator", v.Name)
		}
		return &unaryPredicate{variable: v, negate: negate}, nil
	case len(tokens) < 3:
		return nil, fmt.Errorf("incomplete condition %q", strings.Join(tokens, " "))
	}

	v, err := lookup(tokens[0])
	if err != nil {
		return nil, err
	}
	op := operator(tokens[1])
	if !supports(v.Type, op) {
		return nil, fmt.Errorf("operator %q is not defined for %s (%s)", op, v.Name, v.Type)
	}
	text := strings.Join(tokens[2:], " ")

	switch op {
	case opIn, opNotIn:
		items, err := parseList(text)
		if err != nil {
			return nil, err
		}
		p := &setPredicate{variable: v, negate: op == opNotIn, text: text}
		for _, item := range items {
			lit, err := convertLiteral(v, item, now)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", v.Name, err)
			}
			p.values = append(p.values, lit)
		}
		return p, nil
	case opMatch, opNotMatch:
		re, err := regexp.Compile(text)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", text, err)
		}
		return &binaryPredicate{variable: v, op: op, literal: re, text: text}, nil
	}

	lit, err := convertLiteral(v, text, now)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", v.Name, err)
	}
	return &binaryPredicate{variable: v, op: op, literal: lit, text: text}, nil
}

func parseList(text string) ([]string, error) {
	if !strings.HasPrefix(text, "[") || !strings.HasSuffix(text, "]") {
		return nil, fmt.Errorf("expected a bracketed list, got %q", text)
	}
	var items []string
	for _, item := range strings.FieldsFunc(text[1:len(text)-1], func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	}) {
		items = append(items, strings.Trim(item, `"'`))
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("empty list")
	}
	return items, nil
}
