package policy

import (
	"strings"
	"sync/atomic"
)

type Action int

const (
	// Protect keeps the replica out of the deletion process.
	Protect Action = iota
	// Delete removes the replica unconditionally.
	Delete
	// Dismiss leaves the replica as a deletion candidate.
	Dismiss
)

func (a Action) String() string {
	switch a {
	case Protect:
		return "Protect"
	case Delete:
		return "Delete"
	case Dismiss:
		return "Dismiss"
	}
	return "Unknown"
}

func parseAction(s string) (Action, bool) {
	switch s {
	case "Protect":
		return Protect, true
	case "Delete":
		return Delete, true
	case "Dismiss":
		return Dismiss, true
	}
	return 0, false
}

// Decision is an action at dataset replica or block replica granularity.
type Decision struct {
	Action Action
	Block  bool
}

func (d Decision) String() string {
	if d.Block {
		return d.Action.String() + "Block"
	}
	return d.Action.String()
}

// Condition is a conjunction of predicates. The empty condition always
// holds.
type Condition struct {
	Predicates []Predicate
}

func (c Condition) Match(t *Target) bool {
	for _, p := range c.Predicates {
		if !p.Match(t) {
			return false
		}
	}
	return true
}

func (c Condition) String() string {
	parts := make([]string, 0, len(c.Predicates))
	for _, p := range c.Predicates {
		parts = append(parts, p.String())
	}
	return strings.Join(parts, " and ")
}

// Line is a decision line of a policy.
type Line struct {
	Number   int
	Text     string
	Decision Decision
	Condition

	matches atomic.Int64
}

// Matches counts how often the line decided something since the last reset.
func (l *Line) Matches() int64 { return l.matches.Load() }

func (l *Line) String() string { return l.Text }
