package core

import (
	"errors"
	"testing"
	"time"
)

func TestPeriod(t *testing.T) {
	p, err := ParsePeriod("2025-01")
	if err != nil {
		t.Fatalf("ParsePeriod: %v", err)
	}
	if p != NewPeriod(2025, 1) || p.String() != "2025-01" {
		t.Fatalf("unexpected period %v", p)
	}
	if !p.Contains(time.Date(2025, 1, 31, 23, 59, 0, 0, time.UTC)) {
		t.Errorf("expected Jan 31 inside period")
	}
	if p.Contains(time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("expected Feb 1 outside period")
	}
	if p.Next() != NewPeriod(2025, 2) || NewPeriod(2024, 12).Next() != NewPeriod(2025, 1) {
		t.Errorf("Next rolled over incorrectly")
	}
	for _, bad := range []string{"", "2025-13", "01-2025", "2025/01"} {
		if _, err := ParsePeriod(bad); !errors.Is(err, ErrInvalidPeriod) {
			t.Errorf("ParsePeriod(%q) expected ErrInvalidPeriod, got %v", bad, err)
		}
	}
}

func TestClassifySessionType(t *testing.T) {
	cases := map[string]Category{
		"Private Session 60min": CategoryPrivate,
		"1 to 1 Boxing":         CategoryPrivate,
		"1-to-1":                CategoryPrivate,
		"Adult BJJ":             CategoryGroup,
		"":                      CategoryGroup,
	}
	for in, want := range cases {
		if got := ClassifySessionType(in); got != want {
			t.Errorf("ClassifySessionType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestAttendanceKey(t *testing.T) {
	a := AttendanceRecord{
		Customer:  "Jane Doe",
		StartsAt:  time.Date(2025, 1, 6, 18, 30, 0, 0, time.UTC),
		ClassType: "Adult BJJ",
	}
	b := a
	b.Customer = "JANE DOE "
	b.ClassType = "adult bjj"
	if a.Key() != b.Key() {
		t.Fatalf("keys differ: %q vs %q", a.Key(), b.Key())
	}
	c := a
	c.StartsAt = c.StartsAt.Add(time.Hour)
	if a.Key() == c.Key() {
		t.Fatalf("different times must give different keys")
	}
}

func TestPaymentMembershipLabel(t *testing.T) {
	p := PaymentRecord{Memo: "  Adult 10-Pack  "}
	if p.MembershipLabel() != "Adult 10-Pack" {
		t.Errorf("expected memo fallback, got %q", p.MembershipLabel())
	}
	p.MembershipType = "Drop-in"
	if p.MembershipLabel() != "Drop-in" {
		t.Errorf("expected explicit type, got %q", p.MembershipLabel())
	}
}

func TestRuleValidate(t *testing.T) {
	good := MembershipRule{Name: "Drop-in", Category: CategoryGroup, Price: MustMoney("15"), Sessions: 1}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if got := (MembershipRule{Price: MustMoney("100"), Sessions: 8}).UnitPrice(); got.String() != "12.50" {
		t.Errorf("UnitPrice = %s, want 12.50", got)
	}

	bads := []MembershipRule{
		{Name: "", Category: CategoryGroup, Sessions: 1},
		{Name: "x", Category: "other", Sessions: 1},
		{Name: "x", Category: CategoryGroup, Sessions: 0},
		{Name: "x", Category: CategoryGroup, Sessions: 1, Price: MustMoney("-1")},
	}
	for i, r := range bads {
		if err := r.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestOverrideValidate(t *testing.T) {
	good := Override{
		Target:    TargetPayment,
		RecordRef: "INV-1",
		Period:    NewPeriod(2025, 1),
		IssueType: IssueRefund,
		Original:  MustMoney("15"),
		Amount:    Zero,
	}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	bads := []func(o *Override){
		func(o *Override) { o.Target = "invoice" },
		func(o *Override) { o.RecordRef = " " },
		func(o *Override) { o.Period = Period{} },
		func(o *Override) { o.IssueType = "gift" },
		func(o *Override) { o.Amount = MustMoney("-1") },
	}
	for i, mutate := range bads {
		o := good
		mutate(&o)
		if err := o.Validate(); err == nil {
			t.Fatalf("case %d expected error", i)
		}
	}
}

func TestRuleFaultUnwrap(t *testing.T) {
	b := PaymentBreakdown{Faults: []RuleFault{{Rule: "Broken", Invoices: []string{"1"}, Reason: "shares exceed amount"}}}
	if err := b.Err(); !errors.Is(err, ErrSplitOverrun) {
		t.Fatalf("expected ErrSplitOverrun, got %v", err)
	}
	if (PaymentBreakdown{}).Err() != nil {
		t.Fatalf("expected nil error without faults")
	}
}
