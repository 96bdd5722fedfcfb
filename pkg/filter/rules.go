package filter

import (
	"fmt"

	"github.com/opd-ai/gatekeeper/pkg/socks"
)

// Action is the verdict a rule entry contributes
type Action uint8

const (
	// ActionDeny rejects the request
	ActionDeny Action = iota
	// ActionAllow permits the request
	ActionAllow
)

// String returns the action name
func (a Action) String() string {
	switch a {
	case ActionAllow:
		return "allow"
	case ActionDeny:
		return "deny"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// Entry is a single allow or deny rule
type Entry struct {
	Action  Action
	Matcher Matcher
}

// RuleSet is an ordered, immutable rule list. The first entry carries the
// default verdict and must match everything; later entries override
// earlier ones.
type RuleSet struct {
	entries []Entry
}

// NewRuleSet validates and builds a rule set. The list must be non-empty
// and its first entry must be a default (match-anything) entry.
func NewRuleSet(entries []Entry) (*RuleSet, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("filter: rule set must not be empty")
	}
	if !entries[0].Matcher.IsAny() {
		return nil, fmt.Errorf("filter: first rule must be a default entry matching any address, port and protocol")
	}
	rs := &RuleSet{entries: make([]Entry, len(entries))}
	copy(rs.entries, entries)
	return rs, nil
}

// DefaultRuleSet returns the rule set used when no rules are configured:
// a single allow-everything entry.
func DefaultRuleSet() *RuleSet {
	return &RuleSet{entries: []Entry{{Action: ActionAllow}}}
}

// Verdict evaluates the request against the rule list. The walk runs
// head to tail carrying the verdict forward, so the last matching entry
// decides. The first entry always matches, so there is always a verdict.
func (rs *RuleSet) Verdict(req *socks.Request) Action {
	verdict := rs.entries[0].Action
	for _, e := range rs.entries[1:] {
		if e.Matcher.Matches(req) {
			verdict = e.Action
		}
	}
	return verdict
}

// Entries returns a copy of the rule list
func (rs *RuleSet) Entries() []Entry {
	out := make([]Entry, len(rs.entries))
	copy(out, rs.entries)
	return out
}

// Len returns the number of entries
func (rs *RuleSet) Len() int {
	return len(rs.entries)
}
