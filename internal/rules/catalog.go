// Package rules holds the membership split rules and resolves payment labels
// against them.
package rules

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"mfcpay/internal/core"

	"github.com/shopspring/decimal"
)

var (
	ErrSplitMismatch  = errors.New("split percentages do not sum to 100")
	ErrDuplicateName  = errors.New("rule name collides with an existing rule")
	ErrNegativeShare  = errors.New("split percentage is negative")
	ErrInvalidRule    = errors.New("invalid rule")
	ErrRuleNotFound   = errors.New("no rule for label")
	ErrAmbiguousLabel = errors.New("label matches more than one rule")
)

// DefaultTolerance is the accepted deviation of the split total from 100.
var DefaultTolerance = decimal.RequireFromString("0.01")

var oneHundred = decimal.NewFromInt(100)

// Catalog is the editable set of membership rules. Reads are served from an
// immutable Snapshot that is swapped on every successful edit, so a
// calculation holding a snapshot never sees a concurrent change.
type Catalog struct {
	mu        sync.RWMutex
	current   *Snapshot
	tolerance decimal.Decimal
}

// NewCatalog creates an empty catalog. A non-positive tolerance falls back
// to DefaultTolerance.
func NewCatalog(tolerance decimal.Decimal) *Catalog {
	if !tolerance.IsPositive() {
		tolerance = DefaultTolerance
	}
	return &Catalog{current: NewSnapshot(), tolerance: tolerance}
}

// Check validates a rule without storing it.
func (c *Catalog) Check(r core.MembershipRule) error {
	if err := r.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	for _, p := range []core.Percent{r.CoachPct, r.BGMPct, r.MgmtPct, r.RetainedPct} {
		if p.IsNegative() {
			return fmt.Errorf("%w: %s", ErrNegativeShare, p)
		}
	}
	total := r.PercentTotal().Decimal()
	if total.Sub(oneHundred).Abs().GreaterThan(c.tolerance) {
		return fmt.Errorf("%w: rule %q totals %s", ErrSplitMismatch, r.Name, total)
	}
	return nil
}

// Upsert inserts a rule or replaces the rule with the same exact name.
// A name that differs from an existing one only by case is rejected.
func (c *Catalog) Upsert(r core.MembershipRule) error {
	r.Name = strings.TrimSpace(r.Name)
	if err := c.Check(r); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, name := range c.current.folded[core.Fold(r.Name)] {
		if name != r.Name {
			return fmt.Errorf("%w: %q vs existing %q", ErrDuplicateName, r.Name, name)
		}
	}
	c.current = c.current.with(r)
	return nil
}

// Delete removes the rule with the exact name.
func (c *Catalog) Delete(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.current.byName[name]; !ok {
		return fmt.Errorf("%w: %q", ErrRuleNotFound, name)
	}
	c.current = c.current.without(name)
	return nil
}

// Replace swaps the whole rule set after validating every rule. On error the
// catalog is left unchanged.
func (c *Catalog) Replace(list []core.MembershipRule) error {
	next := NewSnapshot()
	for _, r := range list {
		r.Name = strings.TrimSpace(r.Name)
		if err := c.Check(r); err != nil {
			return err
		}
		for _, name := range next.folded[core.Fold(r.Name)] {
			if name != r.Name {
				return fmt.Errorf("%w: %q vs %q", ErrDuplicateName, r.Name, name)
			}
		}
		next = next.with(r)
	}
	c.mu.Lock()
	c.current = next
	c.mu.Unlock()
	return nil
}

// Snapshot returns the current immutable rule set.
func (c *Catalog) Snapshot() *Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

func (c *Catalog) Resolve(label string) (core.MembershipRule, bool) {
	return c.Snapshot().Resolve(label)
}

func (c *Catalog) Lookup(label string) (core.MembershipRule, error) {
	return c.Snapshot().Lookup(label)
}

func (c *Catalog) List() []core.MembershipRule {
	return c.Snapshot().List()
}

func (c *Catalog) Len() int {
	return c.Snapshot().Len()
}

// Snapshot is a read-only rule set. It is safe for concurrent use.
type Snapshot struct {
	byName map[string]core.MembershipRule
	folded map[string][]string
}

// NewSnapshot builds a snapshot from rules as given. It does not validate
// them; use a Catalog for checked edits.
func NewSnapshot(list ...core.MembershipRule) *Snapshot {
	s := &Snapshot{
		byName: make(map[string]core.MembershipRule, len(list)),
		folded: make(map[string][]string, len(list)),
	}
	for _, r := range list {
		s.put(r)
	}
	return s
}

func (s *Snapshot) put(r core.MembershipRule) {
	if _, exists := s.byName[r.Name]; !exists {
		key := core.Fold(r.Name)
		s.folded[key] = append(s.folded[key], r.Name)
		sort.Strings(s.folded[key])
	}
	s.byName[r.Name] = r
}

func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		byName: make(map[string]core.MembershipRule, len(s.byName)+1),
		folded: make(map[string][]string, len(s.folded)+1),
	}
	for k, v := range s.byName {
		next.byName[k] = v
	}
	for k, v := range s.folded {
		next.folded[k] = append([]string(nil), v...)
	}
	return next
}

func (s *Snapshot) with(r core.MembershipRule) *Snapshot {
	next := s.clone()
	next.put(r)
	return next
}

func (s *Snapshot) without(name string) *Snapshot {
	next := s.clone()
	delete(next.byName, name)
	key := core.Fold(name)
	names := next.folded[key][:0]
	for _, n := range next.folded[key] {
		if n != name {
			names = append(names, n)
		}
	}
	if len(names) == 0 {
		delete(next.folded, key)
	} else {
		next.folded[key] = names
	}
	return next
}

// Lookup resolves a membership label: exact name first, then a
// case-insensitive match. It never guesses between several candidates.
func (s *Snapshot) Lookup(label string) (core.MembershipRule, error) {
	label = strings.TrimSpace(label)
	if label == "" {
		return core.MembershipRule{}, ErrRuleNotFound
	}
	if r, ok := s.byName[label]; ok {
		return r, nil
	}
	names := s.folded[core.Fold(label)]
	switch len(names) {
	case 0:
		return core.MembershipRule{}, fmt.Errorf("%w: %q", ErrRuleNotFound, label)
	case 1:
		return s.byName[names[0]], nil
	default:
		return core.MembershipRule{}, fmt.Errorf("%w: %q matches %s", ErrAmbiguousLabel, label, strings.Join(names, ", "))
	}
}

// Resolve is Lookup without the reason.
func (s *Snapshot) Resolve(label string) (core.MembershipRule, bool) {
	r, err := s.Lookup(label)
	return r, err == nil
}

// List returns the rules sorted by name.
func (s *Snapshot) List() []core.MembershipRule {
	out := make([]core.MembershipRule, 0, len(s.byName))
	for _, r := range s.byName {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Snapshot) Len() int { return len(s.byName) }

// DefaultRules returns the two fallback rules the gym starts with.
func DefaultRules() []core.MembershipRule {
	return []core.MembershipRule{
		{
			Name:          "Group Classes Default",
			Category:      core.CategoryGroup,
			Sessions:      1,
			CoachPct:      core.MustPercent("43.5"),
			BGMPct:        core.MustPercent("30"),
			MgmtPct:       core.MustPercent("8.5"),
			RetainedPct:   core.MustPercent("18"),
			AllowDiscount: true,
			Notes:         "Default split for group classes",
		},
		{
			Name:          "Private Sessions Default",
			Category:      core.CategoryPrivate,
			Sessions:      1,
			CoachPct:      core.MustPercent("80"),
			BGMPct:        core.MustPercent("15"),
			MgmtPct:       core.MustPercent("0"),
			RetainedPct:   core.MustPercent("5"),
			IsPrivate:     true,
			AllowDiscount: true,
			Notes:         "Default split for private sessions",
		},
	}
}
