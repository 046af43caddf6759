package policy

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dynamo/pkg/inventory"
	"dynamo/pkg/utils"
)

// ValueType is the type of the value a variable extracts.
type ValueType int

const (
	TypeBool ValueType = iota
	TypeNumber
	TypeText
	TypeTime
	TypeVersion
	TypeEnum
)

func (t ValueType) String() string {
	switch t {
	case TypeBool:
		return "bool"
	case TypeNumber:
		return "number"
	case TypeText:
		return "text"
	case TypeTime:
		return "time"
	case TypeVersion:
		return "version"
	case TypeEnum:
		return "enum"
	}
	return "unknown"
}

// pattern is a text literal. Literals containing * or ? are wildcards.
type pattern struct {
	text string
	re   *regexp.Regexp
}

func newPattern(lit string) *pattern {
	if !strings.ContainsAny(lit, "*?") {
		return &pattern{text: lit}
	}
	expr := regexp.QuoteMeta(lit)
	expr = strings.ReplaceAll(expr, `\*`, ".*")
	expr = strings.ReplaceAll(expr, `\?`, ".")
	return &pattern{text: lit, re: regexp.MustCompile("^" + expr + "$")}
}

func (p *pattern) match(s string) bool {
	if p.re != nil {
		return p.re.MatchString(s)
	}
	return p.text == s
}

func (p *pattern) String() string { return p.text }

// compare orders two extracted values of the same type.
func compare(a, b interface{}) int {
	switch av := a.(type) {
	case float64:
		bv := b.(float64)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		return strings.Compare(av, b.(string))
	case time.Time:
		bv := b.(time.Time)
		switch {
		case av.Before(bv):
			return -1
		case av.After(bv):
			return 1
		}
		return 0
	case inventory.SoftwareVersion:
		bv := b.(inventory.SoftwareVersion)
		switch {
		case av.Less(bv):
			return -1
		case bv.Less(av):
			return 1
		}
		return 0
	case bool:
		bv := b.(bool)
		switch {
		case av == bv:
			return 0
		case !av:
			return -1
		}
		return 1
	}
	return 0
}

// equal compares an extracted value against a converted literal.
func equal(v, lit interface{}) bool {
	if p, ok := lit.(*pattern); ok {
		s, _ := v.(string)
		return p.match(s)
	}
	return compare(v, lit) == 0
}

func parseNumber(lit string, _ time.Time) (interface{}, error) {
	f, err := strconv.ParseFloat(lit, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %q", lit)
	}
	return f, nil
}

// parseSize accepts plain byte counts and human-friendly sizes.
func parseSize(lit string, _ time.Time) (interface{}, error) {
	n, err := utils.ParseDataSize(lit)
	if err != nil {
		return nil, err
	}
	return float64(n), nil
}

func parseText(lit string, _ time.Time) (interface{}, error) {
	return newPattern(lit), nil
}

func parseVersion(lit string, _ time.Time) (interface{}, error) {
	return inventory.ParseSoftwareVersion(lit)
}

var timeLayouts = []string{
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02",
}

var timeUnits = map[string]time.Duration{
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// parseTime accepts dates, RFC3339 timestamps, unix seconds, "now" and
// relative times such as "3 days ago".
func parseTime(lit string, now time.Time) (interface{}, error) {
	lit = strings.TrimSpace(lit)
	if lit == "now" {
		return now, nil
	}
	if fields := strings.Fields(lit); len(fields) == 3 && fields[2] == "ago" {
		n, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return nil, fmt.Errorf("invalid relative time %q", lit)
		}
		unit, ok := timeUnits[strings.TrimSuffix(fields[1], "s")]
		if !ok {
			return nil, fmt.Errorf("unknown time unit in %q", lit)
		}
		return now.Add(-time.Duration(n * float64(unit))), nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, lit); err == nil {
			return t, nil
		}
	}
	if secs, err := strconv.ParseInt(lit, 10, 64); err == nil {
		return time.Unix(secs, 0).UTC(), nil
	}
	return nil, fmt.Errorf("invalid time %q", lit)
}

// enumLiteral adapts an enum lookup into a literal converter.
func enumLiteral[E ~int](parse func(string) (E, error)) func(string, time.Time) (interface{}, error) {
	return func(lit string, _ time.Time) (interface{}, error) {
		v, err := parse(lit)
		if err != nil {
			return nil, err
		}
		return float64(v), nil
	}
}
