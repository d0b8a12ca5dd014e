package rules

import (
	"errors"
	"sync"
	"testing"

	"mfcpay/internal/core"

	"github.com/shopspring/decimal"
)

func rule(name string, coach, bgm, mgmt, retained string) core.MembershipRule {
	return core.MembershipRule{
		Name:        name,
		Category:    core.CategoryGroup,
		Price:       core.MustMoney("112.20"),
		Sessions:    10,
		CoachPct:    core.MustPercent(coach),
		BGMPct:      core.MustPercent(bgm),
		MgmtPct:     core.MustPercent(mgmt),
		RetainedPct: core.MustPercent(retained),
	}
}

func TestUpsertValidation(t *testing.T) {
	cases := []struct {
		name string
		r    core.MembershipRule
		err  error
	}{
		{"valid", rule("Adult 10 Pack", "43.5", "30", "8.5", "18"), nil},
		{"within tolerance", rule("Near", "33.33", "33.33", "33.33", "0.005"), nil},
		{"sum 99", rule("Short", "43.5", "30", "8.5", "17"), ErrSplitMismatch},
		{"sum 100.02", rule("Long", "43.5", "30", "8.5", "18.02"), ErrSplitMismatch},
		{"negative share", rule("Neg", "60", "50", "10", "-20"), ErrNegativeShare},
		{"empty name", rule(" ", "43.5", "30", "8.5", "18"), ErrInvalidRule},
		{"no sessions", func() core.MembershipRule {
			r := rule("Zero", "43.5", "30", "8.5", "18")
			r.Sessions = 0
			return r
		}(), ErrInvalidRule},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := NewCatalog(decimal.Zero)
			err := c.Upsert(tc.r)
			if tc.err == nil && err != nil {
				t.Fatalf("expected ok, got %v", err)
			}
			if tc.err != nil && !errors.Is(err, tc.err) {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
			if tc.err != nil && c.Len() != 0 {
				t.Fatalf("rejected rule must not be stored")
			}
		})
	}
}

func TestUpsertDuplicateName(t *testing.T) {
	c := NewCatalog(DefaultTolerance)
	if err := c.Upsert(rule("Adult 10 Pack", "43.5", "30", "8.5", "18")); err != nil {
		t.Fatal(err)
	}
	if err := c.Upsert(rule("ADULT 10 PACK", "43.5", "30", "8.5", "18")); !errors.Is(err, ErrDuplicateName) {
		t.Fatalf("expected ErrDuplicateName, got %v", err)
	}
	// Same exact name replaces the rule.
	if err := c.Upsert(rule("Adult 10 Pack", "50", "30", "10", "10")); err != nil {
		t.Fatalf("expected replace, got %v", err)
	}
	got, ok := c.Resolve("Adult 10 Pack")
	if !ok || got.CoachPct.String() != "50" {
		t.Fatalf("expected replaced rule, got %+v", got)
	}
	if c.Len() != 1 {
		t.Fatalf("expected one rule, got %d", c.Len())
	}
}

func TestResolve(t *testing.T) {
	c := NewCatalog(DefaultTolerance)
	for _, r := range []core.MembershipRule{
		rule("Adult 10 Pack Pay As You Go", "43.5", "30", "8.5", "18"),
		rule("Drop-in", "43.5", "30", "8.5", "18"),
	} {
		if err := c.Upsert(r); err != nil {
			t.Fatal(err)
		}
	}
	cases := []struct {
		label string
		want  string
		ok    bool
	}{
		{"Drop-in", "Drop-in", true},
		{"drop-in", "Drop-in", true},
		{"  DROP-IN ", "Drop-in", true},
		{"Adult 10-Pack", "", false},
		{"Adult 10 Pack", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, ok := c.Resolve(tc.label)
		if ok != tc.ok || got.Name != tc.want {
			t.Errorf("Resolve(%q) = %q,%v want %q,%v", tc.label, got.Name, ok, tc.want, tc.ok)
		}
	}
	if _, err := c.Lookup("Adult 10-Pack"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestSnapshotAmbiguity(t *testing.T) {
	s := NewSnapshot(
		rule("Drop-In", "43.5", "30", "8.5", "18"),
		rule("DROP-IN", "43.5", "30", "8.5", "18"),
	)
	if _, err := s.Lookup("drop-in"); !errors.Is(err, ErrAmbiguousLabel) {
		t.Fatalf("expected ErrAmbiguousLabel, got %v", err)
	}
	if r, err := s.Lookup("DROP-IN"); err != nil || r.Name != "DROP-IN" {
		t.Fatalf("exact match must win, got %v %v", r.Name, err)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	c := NewCatalog(DefaultTolerance)
	if err := c.Upsert(rule("A", "43.5", "30", "8.5", "18")); err != nil {
		t.Fatal(err)
	}
	snap := c.Snapshot()
	if err := c.Upsert(rule("B", "43.5", "30", "8.5", "18")); err != nil {
		t.Fatal(err)
	}
	if err := c.Delete("A"); err != nil {
		t.Fatal(err)
	}
	if snap.Len() != 1 {
		t.Fatalf("snapshot changed after edits: %d rules", snap.Len())
	}
	if _, ok := snap.Resolve("a"); !ok {
		t.Fatalf("snapshot lost rule A")
	}
	if _, ok := c.Resolve("a"); ok {
		t.Fatalf("deleted rule still resolves")
	}
	if err := c.Delete("A"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestReplaceIsAtomic(t *testing.T) {
	c := NewCatalog(DefaultTolerance)
	if err := c.Replace(DefaultRules()); err != nil {
		t.Fatalf("default rules must be valid: %v", err)
	}
	bad := append(DefaultRules(), rule("Broken", "10", "10", "10", "10"))
	if err := c.Replace(bad); !errors.Is(err, ErrSplitMismatch) {
		t.Fatalf("expected ErrSplitMismatch, got %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("failed replace modified catalog: %d rules", c.Len())
	}
	names := []string{}
	for _, r := range c.List() {
		names = append(names, r.Name)
	}
	if names[0] != "Group Classes Default" || names[1] != "Private Sessions Default" {
		t.Fatalf("List not sorted: %v", names)
	}
}

func TestConcurrentUpsertAndResolve(t *testing.T) {
	c := NewCatalog(DefaultTolerance)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Upsert(rule("Shared", "43.5", "30", "8.5", "18"))
		}()
		go func() {
			defer wg.Done()
			c.Resolve("shared")
		}()
	}
	wg.Wait()
	if c.Len() != 1 {
		t.Fatalf("expected one rule, got %d", c.Len())
	}
}
