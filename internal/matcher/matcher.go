// Package matcher associates payments with membership rules and sessions
// with the coaches who taught them. Matching is pure: the same inputs always
// give the same result.
package matcher

import (
	"errors"
	"strings"

	"mfcpay/internal/core"
	"mfcpay/internal/rules"

	"github.com/shopspring/decimal"
)

// Unmatched reasons.
const (
	ReasonNoRule    = "no rule for label"
	ReasonInactive  = "rule found but flagged inactive"
	ReasonAmbiguous = "label matches more than one rule"
)

type MatchStatus int

const (
	Unmatched MatchStatus = iota
	Matched
)

// MatchResult is either Matched with a rule or Unmatched with a reason.
type MatchResult struct {
	Status MatchStatus
	Rule   core.MembershipRule
	Label  string
	Reason string
}

func (r MatchResult) IsMatched() bool { return r.Status == Matched }

// RuleLookup resolves labels; *rules.Snapshot and *rules.Catalog satisfy it.
type RuleLookup interface {
	Lookup(label string) (core.MembershipRule, error)
}

// CoachAssignment is the credit split of one session.
type CoachAssignment struct {
	Credits []CoachCredit
}

// Total sums the shares; it is one for any taught session.
func (a CoachAssignment) Total() decimal.Decimal {
	total := decimal.Zero
	for _, c := range a.Credits {
		total = total.Add(c.Share)
	}
	return total
}

// Weights returns the shares in order, for money allocation.
func (a CoachAssignment) Weights() []decimal.Decimal {
	out := make([]decimal.Decimal, len(a.Credits))
	for i, c := range a.Credits {
		out[i] = c.Share
	}
	return out
}

type Matcher struct {
	rules  RuleLookup
	policy CreditPolicy
}

// New creates a matcher. A nil policy means EqualSplit.
func New(lookup RuleLookup, policy CreditPolicy) *Matcher {
	if policy == nil {
		policy = EqualSplit{}
	}
	return &Matcher{rules: lookup, policy: policy}
}

// Match resolves a payment's membership label to a rule.
func (m *Matcher) Match(p core.PaymentRecord) MatchResult {
	return m.matchLabel(p.MembershipLabel())
}

// MatchSession resolves the membership used for an attended session.
func (m *Matcher) MatchSession(a core.AttendanceRecord) MatchResult {
	return m.matchLabel(a.MembershipType)
}

func (m *Matcher) matchLabel(label string) MatchResult {
	res := MatchResult{Label: label}
	r, err := m.rules.Lookup(label)
	switch {
	case errors.Is(err, rules.ErrAmbiguousLabel):
		res.Reason = ReasonAmbiguous
		return res
	case err != nil:
		res.Reason = ReasonNoRule
		return res
	case r.Inactive:
		res.Rule = r
		res.Reason = ReasonInactive
		return res
	}
	res.Status = Matched
	res.Rule = r
	return res
}

// MatchAttendance splits a session's credit between its instructors
// according to the configured policy.
func (m *Matcher) MatchAttendance(a core.AttendanceRecord) CoachAssignment {
	instructors := Instructors(a)
	if len(instructors) == 0 {
		return CoachAssignment{}
	}
	return CoachAssignment{Credits: m.policy.Credits(instructors, a)}
}

// LinkSessions returns the sessions a payment funded: the customer's
// attendance whose membership resolves to the same rule. Cancelled sessions
// are left out. The result keeps the order of attendance.
func (m *Matcher) LinkSessions(p core.PaymentRecord, rule core.MembershipRule, attendance []core.AttendanceRecord) []core.AttendanceRecord {
	customer := core.Fold(p.Customer)
	var out []core.AttendanceRecord
	for _, a := range attendance {
		if a.Cancelled() || core.Fold(a.Customer) != customer {
			continue
		}
		if res := m.MatchSession(a); res.IsMatched() && res.Rule.Name == rule.Name {
			out = append(out, a)
		}
	}
	return out
}

// Instructors returns the trimmed instructor names of a record with
// case-insensitive duplicates removed, preserving order.
func Instructors(a core.AttendanceRecord) []string {
	seen := make(map[string]struct{}, len(a.Instructors))
	out := make([]string, 0, len(a.Instructors))
	for _, name := range a.Instructors {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		key := core.Fold(name)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}

// SplitInstructors parses an instructor cell such as "Alice, Bob & Carol".
func SplitInstructors(cell string) []string {
	f := func(r rune) bool { return r == ',' || r == ';' || r == '&' || r == '/' || r == '|' }
	var out []string
	for _, part := range strings.FieldsFunc(cell, f) {
		part = strings.TrimSpace(part)
		if len(part) > 4 && strings.EqualFold(part[:4], "and ") {
			part = strings.TrimSpace(part[4:])
		}
		if strings.EqualFold(part, "and") || part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
