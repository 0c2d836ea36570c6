// Package capture decides which forwarded frames are recorded in the
// backlog ledger.
//
// A Predicate sees the raw frame bytes. Frames it rejects are still
// broadcast; they are only exempt from capture. The built-in predicates
// cover the conventions used by monitored processes: a trailing "]"
// marks a terminal or array-closing frame, and a fixed prefix marks
// frames addressed to the test harness.
package capture

import (
	"bytes"
	"strings"
)

// Predicate reports whether a frame is eligible for capture.
type Predicate func(frame []byte) bool

// Rule is a Predicate with a name for logs and diagnostics.
type Rule struct {
	Name  string
	Match Predicate
}

// String returns the rule name.
func (r Rule) String() string {
	if r.Name == "" {
		return "custom"
	}
	return r.Name
}

// Accepts evaluates the rule. A zero Rule accepts everything.
func (r Rule) Accepts(frame []byte) bool {
	if r.Match == nil {
		return true
	}
	return r.Match(frame)
}

// TerminalMarker is the trailing marker of frames that are broadcast but
// never captured.
const TerminalMarker = "]"

// Default excludes frames ending in TerminalMarker.
func Default() Rule {
	return Rule{Name: "exclude-suffix(" + TerminalMarker + ")", Match: ExcludeSuffix(TerminalMarker)}
}

// Named wraps p in a Rule.
func Named(name string, p Predicate) Rule {
	return Rule{Name: name, Match: p}
}

// All accepts every frame.
func All(_ []byte) bool { return true }

// NonEmpty rejects zero-length frames.
func NonEmpty(frame []byte) bool { return len(frame) > 0 }

// ExcludeSuffix rejects frames ending in suffix. An empty suffix rejects
// nothing.
func ExcludeSuffix(suffix string) Predicate {
	s := []byte(suffix)
	return func(frame []byte) bool {
		return len(s) == 0 || !bytes.HasSuffix(frame, s)
	}
}

// RequirePrefix accepts only frames starting with prefix.
func RequirePrefix(prefix string) Predicate {
	p := []byte(prefix)
	return func(frame []byte) bool {
		return bytes.HasPrefix(frame, p)
	}
}

// Equal accepts frames byte-equal to want.
func Equal(want []byte) Predicate {
	w := bytes.Clone(want)
	return func(frame []byte) bool {
		return bytes.Equal(frame, w)
	}
}

// And accepts a frame only if every predicate does. And() accepts all.
func And(ps ...Predicate) Predicate {
	return func(frame []byte) bool {
		for _, p := range ps {
			if !p(frame) {
				return false
			}
		}
		return true
	}
}

// Not inverts p.
func Not(p Predicate) Predicate {
	return func(frame []byte) bool { return !p(frame) }
}

// Combine joins rules with And, naming the result after its parts.
func Combine(rules ...Rule) Rule {
	switch len(rules) {
	case 0:
		return Named("all", All)
	case 1:
		return rules[0]
	}
	names := make([]string, len(rules))
	ps := make([]Predicate, len(rules))
	for i, r := range rules {
		names[i] = r.String()
		ps[i] = r.Accepts
	}
	return Named(strings.Join(names, " && "), And(ps...))
}
