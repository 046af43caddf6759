package policy

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

type parser struct {
	now func() time.Time
}

// Option configures Parse.
type Option func(*parser)

// WithClock sets the time relative literals ("3 days ago") are resolved
// against.
func WithClock(now func() time.Time) Option {
	return func(p *parser) { p.now = now }
}

// ParseFile reads and parses a policy file.
func ParseFile(path string, opts ...Option) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}
	return Parse(string(data), opts...)
}

// Parse reads the line oriented policy format:
//
//	Partition <name>
//	On <site condition>              (one or more, ORed)
//	When <site condition>
//	Until <site condition>           (optional)
//	Order <inc|dec> <variable> ...   (optional)
//	Protect|Delete|Dismiss[Block] <condition>
//	Protect|Delete|Dismiss           (the default, exactly once)
//
// Conditions are predicates joined by "and". Lines starting with # are
// comments.
func Parse(text string, opts ...Option) (*Policy, error) {
	p := &parser{now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	now := p.now()

	pol := &Policy{Text: text}
	seenWhen := false
	scanner := bufio.NewScanner(strings.NewReader(text))
	number := 0
	for scanner.Scan() {
		number++
		raw := strings.TrimSpace(scanner.Text())
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		keyword, rest, _ := strings.Cut(raw, " ")
		rest = strings.TrimSpace(rest)

		switch keyword {
		case "Partition":
			if pol.Partition != "" {
				return nil, configErrorf(number, "partition already set to %s", pol.Partition)
			}
			if rest == "" || strings.ContainsAny(rest, " \t") {
				return nil, configErrorf(number, "expected a single partition name")
			}
			pol.Partition = rest

		case "On", "When", "Until":
			cond, err := parseCondition(rest, now, true)
			if err != nil {
				return nil, configErrorf(number, "%s: %v", keyword, err)
			}
			switch keyword {
			case "On":
				pol.On = append(pol.On, cond)
			case "When":
				if seenWhen {
					return nil, configErrorf(number, "duplicate When")
				}
				seenWhen = true
				pol.When = cond
			case "Until":
				if pol.Until != nil {
					return nil, configErrorf(number, "duplicate Until")
				}
				pol.Until = &cond
			}

		case "Order":
			if pol.Order != nil {
				return nil, configErrorf(number, "duplicate Order")
			}
			order, err := parseOrder(rest)
			if err != nil {
				return nil, configErrorf(number, "%v", err)
			}
			pol.Order = order

		default:
			decision, ok := parseDecision(keyword)
			if !ok {
				return nil, configErrorf(number, "unknown directive %q", keyword)
			}
			line := &Line{Number: number, Text: raw, Decision: decision}
			if rest == "" {
				if decision.Block {
					return nil, configErrorf(number, "the default decision cannot be block level")
				}
				if pol.Default != nil {
					return nil, configErrorf(number, "second default decision (first on line %d)", pol.Default.Number)
				}
				pol.Default = line
				continue
			}
			cond, err := parseCondition(rest, now, false)
			if err != nil {
				return nil, configErrorf(number, "%v", err)
			}
			line.Condition = cond
			pol.Lines = append(pol.Lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read policy: %w", err)
	}

	switch {
	case pol.Partition == "":
		return nil, configErrorf(0, "missing Partition")
	case len(pol.On) == 0:
		return nil, configErrorf(0, "missing On")
	case !seenWhen:
		return nil, configErrorf(0, "missing When")
	case pol.Default == nil:
		return nil, configErrorf(0, "missing default decision")
	}
	return pol, nil
}

func parseDecision(keyword string) (Decision, bool) {
	name, block := strings.CutSuffix(keyword, "Block")
	action, ok := parseAction(name)
	return Decision{Action: action, Block: block}, ok
}

func parseCondition(text string, now time.Time, siteOnly bool) (Condition, error) {
	tokens, err := tokenize(text)
	if err != nil {
		return Condition{}, err
	}
	var cond Condition
	start := 0
	for i := 0; i <= len(tokens); i++ {
		if i < len(tokens) && !strings.EqualFold(tokens[i], "and") {
			continue
		}
		pred, err := parsePredicate(tokens[start:i], now)
		if err != nil {
			return Condition{}, err
		}
		if siteOnly && pred.Variable().Level != LevelSite {
			return Condition{}, fmt.Errorf("%s is not a site variable", pred.Variable().Name)
		}
		cond.Predicates = append(cond.Predicates, pred)
		start = i + 1
	}
	return cond, nil
}

func parseOrder(text string) ([]OrderKey, error) {
	var keys []OrderKey
	descending := false
	directed := false
	for _, tok := range strings.Fields(text) {
		switch tok {
		case "inc", "increasing":
			descending, directed = false, true
			continue
		case "dec", "decreasing":
			descending, directed = true, true
			continue
		}
		if !directed {
			return nil, fmt.Errorf("order needs inc or dec before %s", tok)
		}
		v, ok := LookupVariable(tok)
		if !ok {
			return nil, fmt.Errorf("unknown variable %q", tok)
		}
		if v.Level == LevelBlock || v.Multi {
			return nil, fmt.Errorf("%s has no single value per replica and cannot be a sort key", v.Name)
		}
		keys = append(keys, OrderKey{Variable: v, Descending: descending})
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("order needs at least one variable")
	}
	return keys, nil
}

// tokenize splits on blanks, keeping bracketed lists and quoted literals
// together.
func tokenize(s string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(s); {
		switch c := s[i]; c {
		case ' ', '\t':
			i++
		case '[':
			j := strings.IndexByte(s[i:], ']')
			if j < 0 {
				return nil, fmt.Errorf("unterminated list")
			}
			tokens = append(tokens, s[i:i+j+1])
			i += j + 1
		case '"', '\'':
			j := strings.IndexByte(s[i+1:], c)
			if j < 0 {
				return nil, fmt.Errorf("unterminated quote")
			}
			tokens = append(tokens, s[i+1:i+1+j])
			i += j + 2
		default:
			j := i
			for j < len(s) && s[j] != ' ' && s[j] != '\t' {
				j++
			}
			tokens = append(tokens, s[i:j])
			i = j
		}
	}
	return tokens, nil
}
