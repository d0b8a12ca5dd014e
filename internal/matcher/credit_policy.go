// This file implements the co-teaching credit policies. Each policy decides
// how one session's attendance credit is shared between its instructors.

package matcher

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"mfcpay/internal/core"

	"github.com/shopspring/decimal"
)

const creditPrecision = 6

// CoachCredit is one coach's fraction of a session.
type CoachCredit struct {
	Coach string          `json:"coach"`
	Share decimal.Decimal `json:"share"`
}

// CreditPolicy is the strategy interface for splitting session credit.
// Implementations receive the de-duplicated instructor list in record order
// and must return shares that sum to exactly one.
type CreditPolicy interface {
	Credits(instructors []string, record core.AttendanceRecord) []CoachCredit
}

// EqualSplit gives every instructor the same share. The last instructor
// absorbs the rounding remainder.
type EqualSplit struct{}

func (EqualSplit) Credits(instructors []string, _ core.AttendanceRecord) []CoachCredit {
	n := len(instructors)
	if n == 0 {
		return nil
	}
	share := decimal.NewFromInt(1).DivRound(decimal.NewFromInt(int64(n)), creditPrecision)
	out := make([]CoachCredit, n)
	assigned := decimal.Zero
	for i, coach := range instructors {
		if i == n-1 {
			out[i] = CoachCredit{Coach: coach, Share: decimal.NewFromInt(1).Sub(assigned)}
			break
		}
		out[i] = CoachCredit{Coach: coach, Share: share}
		assigned = assigned.Add(share)
	}
	return out
}

// PrimaryInstructor gives full credit to the record's primary instructor when
// one is flagged and teaches the session; otherwise it splits equally.
type PrimaryInstructor struct{}

func (PrimaryInstructor) Credits(instructors []string, record core.AttendanceRecord) []CoachCredit {
	primary := core.Fold(record.PrimaryInstructor)
	if primary != "" {
		for _, coach := range instructors {
			if core.Fold(coach) == primary {
				return []CoachCredit{{Coach: coach, Share: decimal.NewFromInt(1)}}
			}
		}
	}
	return EqualSplit{}.Credits(instructors, record)
}

const (
	PolicyEqual   = "equal"
	PolicyPrimary = "primary"
)

var (
	policiesMu sync.RWMutex
	policies   = map[string]CreditPolicy{
		PolicyEqual:   EqualSplit{},
		PolicyPrimary: PrimaryInstructor{},
	}
)

// PolicyByName returns the registered credit policy for a name.
func PolicyByName(name string) (CreditPolicy, error) {
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	p, ok := policies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("unknown credit policy: %s", name)
	}
	return p, nil
}

// RegisterCreditPolicy adds or replaces a named credit policy.
func RegisterCreditPolicy(name string, p CreditPolicy) {
	policiesMu.Lock()
	defer policiesMu.Unlock()
	policies[strings.ToLower(strings.TrimSpace(name))] = p
}

// PolicyNames lists the registered policy names.
func PolicyNames() []string {
	policiesMu.RLock()
	defer policiesMu.RUnlock()
	names := make([]string, 0, len(policies))
	for n := range policies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
