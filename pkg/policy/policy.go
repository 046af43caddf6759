package policy

import (
	"dynamo/pkg/inventory"
)

// OrderKey is one component of the candidate sort key.
type OrderKey struct {
	Variable   *Variable
	Descending bool
}

// Policy is a parsed detox policy for one partition.
type Policy struct {
	Partition string
	// On selects the target sites; a site is targeted when any of the
	// conditions holds.
	On []Condition
	// When triggers deletion at a site; Until stops it. A missing Until
	// stops as soon as When no longer holds.
	When  Condition
	Until *Condition
	Order []OrderKey
	Lines []*Line
	// Default applies to blocks no line decided on.
	Default *Line
	Text    string
}

// Result is one classification of a part of a dataset replica. A decision
// with Block unset covers the whole replica as evaluated.
type Result struct {
	Line     *Line
	Decision Decision
	Blocks   []*inventory.BlockReplica
}

// TargetsSite reports whether the site is one of the policy targets.
func (p *Policy) TargetsSite(s *SiteState) bool {
	t := &Target{Site: s}
	for _, c := range p.On {
		if c.Match(t) {
			return true
		}
	}
	return false
}

// Triggered reports whether deletion should start at the site.
func (p *Policy) Triggered(s *SiteState) bool {
	return p.When.Match(&Target{Site: s})
}

// Satisfied reports whether deletion at the site can stop.
func (p *Policy) Satisfied(s *SiteState) bool {
	t := &Target{Site: s}
	if p.Until == nil {
		return !p.When.Match(t)
	}
	return p.Until.Match(t)
}

// Evaluate classifies the blocks of the target. Lines are tried top to
// bottom. A dataset level line that matches decides all remaining blocks
// and ends the evaluation. A block level line takes the blocks it matches
// out of the view of the following lines; its site and replica level
// predicates read the whole remaining view; when it matches every block of
// the target it is promoted to a dataset level decision. Blocks no line
// decided on get the default decision.
func (p *Policy) Evaluate(t *Target) []Result {
	if len(t.Blocks) == 0 {
		return nil
	}
	active := append([]*inventory.BlockReplica(nil), t.Blocks...)
	view := *t
	var results []Result

	for _, line := range p.Lines {
		if len(active) == 0 {
			return results
		}
		view.Blocks = active

		if !line.Decision.Block {
			if !line.Match(&view) {
				continue
			}
			line.matches.Add(1)
			return append(results, Result{
				Line:     line,
				Decision: Decision{Action: line.Decision.Action, Block: len(results) > 0},
				Blocks:   active,
			})
		}

		matched, rest := line.splitBlocks(&view)
		if len(matched) == 0 {
			continue
		}
		line.matches.Add(1)
		promoted := len(results) == 0 && len(rest) == 0
		results = append(results, Result{
			Line:     line,
			Decision: Decision{Action: line.Decision.Action, Block: !promoted},
			Blocks:   matched,
		})
		active = rest
	}

	if len(active) == 0 {
		return results
	}
	p.Default.matches.Add(1)
	return append(results, Result{
		Line:     p.Default,
		Decision: Decision{Action: p.Default.Decision.Action, Block: len(results) > 0},
		Blocks:   active,
	})
}

// splitBlocks partitions the target blocks of a block level line. Site and
// replica level predicates see the whole target; block level predicates are
// tested on one block replica at a time.
func (l *Line) splitBlocks(t *Target) (matched, rest []*inventory.BlockReplica) {
	for _, p := range l.Predicates {
		if p.Variable().Level != LevelBlock && !p.Match(t) {
			return nil, t.Blocks
		}
	}
	single := *t
	for _, br := range t.Blocks {
		single.Blocks = []*inventory.BlockReplica{br}
		ok := true
		for _, p := range l.Predicates {
			if p.Variable().Level == LevelBlock && !p.Match(&single) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, br)
		} else {
			rest = append(rest, br)
		}
	}
	return matched, rest
}

// Less orders two candidates by the Order keys.
func (p *Policy) Less(a, b *Target) bool {
	for _, key := range p.Order {
		av, bv := key.Variable.Values(a), key.Variable.Values(b)
		if len(av) == 0 || len(bv) == 0 {
			continue
		}
		c := compare(av[0], bv[0])
		if c == 0 {
			continue
		}
		if key.Descending {
			return c > 0
		}
		return c < 0
	}
	return false
}

// UnmatchedLines returns the decision lines that never matched since the
// last ResetCounters.
func (p *Policy) UnmatchedLines() []*Line {
	var out []*Line
	for _, line := range p.Lines {
		if line.Matches() == 0 {
			out = append(out, line)
		}
	}
	return out
}

func (p *Policy) ResetCounters() {
	for _, line := range p.Lines {
		line.matches.Store(0)
	}
	p.Default.matches.Store(0)
}
