package verification

import (
	"context"
	"errors"
	"testing"
	"time"

	"mfcpay/internal/core"
	"mfcpay/internal/rules"
)

var jan = core.NewPeriod(2025, 1)

func fourPack() core.MembershipRule {
	return core.MembershipRule{
		Name:        "Adult 4 Pack",
		Category:    core.CategoryGroup,
		Sessions:    4,
		Price:       core.MustMoney("60"),
		CoachPct:    core.MustPercent("43.5"),
		BGMPct:      core.MustPercent("30"),
		MgmtPct:     core.MustPercent("8.5"),
		RetainedPct: core.MustPercent("18"),
	}
}

func pay(invoice, customer, label, amount string, day int) core.PaymentRecord {
	return core.PaymentRecord{
		Date:      time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC),
		Customer:  customer,
		Memo:      label,
		Amount:    core.MustMoney(amount),
		InvoiceID: invoice,
	}
}

func visit(customer, label string, day int) core.AttendanceRecord {
	return core.AttendanceRecord{
		Customer:       customer,
		StartsAt:       time.Date(2025, 1, day, 18, 0, 0, 0, time.UTC),
		ClassType:      "Adult BJJ",
		Instructors:    []string{"Alice"},
		MembershipType: label,
		Status:         "Attended",
	}
}

func byKey(t *testing.T, r Report) map[string]Session {
	t.Helper()
	out := make(map[string]Session, len(r.Sessions))
	for _, s := range r.Sessions {
		out[s.Key] = s
	}
	return out
}

func TestRunConsumesInvoicesOldestFirst(t *testing.T) {
	cancelled := visit("Jane", "Adult 4 Pack", 7)
	cancelled.Status = "Cancelled"
	attendance := []core.AttendanceRecord{
		visit("Jane", "Adult 4 Pack", 13),
		visit("Jane", "Adult 4 Pack", 3),
		visit("Jane", "Adult 4 Pack", 4),
		visit("Jane", "adult 4 pack", 5),
		visit("Jane", "Adult 4 Pack", 6),
		cancelled,
		visit("Jane", "Adult 4 Pack", 11),
		visit("Jane", "Adult 4 Pack", 12),
		visit("John", "Mystery Pack", 4),
		visit("Ann", "Adult 4 Pack", 5),
	}
	report, err := Run(context.Background(), Input{
		Period:     jan,
		Rules:      rules.NewSnapshot(fourPack()),
		Attendance: attendance,
		Payments: []core.PaymentRecord{
			pay("INV-2", "Jane", "Adult 4 Pack", "30", 10),
			pay("INV-1", "Jane", "Adult 4 Pack", "60", 2),
			pay("INV-3", "John", "Mystery Pack", "25", 2),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.Verified != 7 || report.NotVerified != 2 || report.PackageNotFound != 1 {
		t.Fatalf("counts verified=%d not=%d missing=%d", report.Verified, report.NotVerified, report.PackageNotFound)
	}

	sessions := byKey(t, report)
	tests := []struct {
		name      string
		record    core.AttendanceRecord
		status    Status
		invoice   string
		remaining string
		reason    string
	}{
		{"first session", attendance[1], StatusVerified, "INV-1", "45.00", ""},
		{"case-folded label", attendance[3], StatusVerified, "INV-1", "15.00", ""},
		{"oldest invoice used up", attendance[4], StatusVerified, "INV-1", "0.00", ""},
		{"next invoice", attendance[6], StatusVerified, "INV-2", "15.00", ""},
		{"last of the balance", attendance[7], StatusVerified, "INV-2", "0.00", ""},
		{"balances exhausted", attendance[0], StatusVerified, "INV-1", "0.00", ReasonExhausted},
		{"cancelled", cancelled, StatusNotVerified, "", "0.00", ReasonCancelled},
		{"unknown package", attendance[8], StatusPackageNotFound, "INV-3", "25.00", ReasonRuleNotFound},
		{"no payment", attendance[9], StatusNotVerified, "", "0.00", ReasonNoPayment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ok := sessions[tt.record.Key()]
			if !ok {
				t.Fatalf("session %s missing", tt.record.Key())
			}
			if s.Status != tt.status || s.InvoiceID != tt.invoice || s.Remaining.String() != tt.remaining || s.Reason != tt.reason {
				t.Errorf("got %s %q remaining %s reason %q", s.Status, s.InvoiceID, s.Remaining, s.Reason)
			}
		})
	}
	if s := sessions[attendance[1].Key()]; s.SessionPrice.String() != "15.00" || s.Rule != "Adult 4 Pack" {
		t.Errorf("session price %s rule %q", s.SessionPrice, s.Rule)
	}

	if len(report.Invoices) != 3 {
		t.Fatalf("invoices %+v", report.Invoices)
	}
	first, second, third := report.Invoices[0], report.Invoices[1], report.Invoices[2]
	if first.InvoiceID != "INV-1" || first.State != InvoiceFullyUsed || first.SessionsUsed != 4 || first.Used.String() != "60.00" || first.Sessions != 4 {
		t.Errorf("INV-1 %+v", first)
	}
	if second.InvoiceID != "INV-3" || second.State != InvoiceAvailable || second.Rule != "" {
		t.Errorf("INV-3 %+v", second)
	}
	if third.InvoiceID != "INV-2" || third.State != InvoiceFullyUsed || third.SessionsUsed != 2 {
		t.Errorf("INV-2 %+v", third)
	}
}

func TestRunAppliesApprovedOverrides(t *testing.T) {
	first := visit("Jane", "Adult 4 Pack", 3)
	second := visit("Jane", "Adult 4 Pack", 4)
	third := visit("Jane", "Adult 4 Pack", 5)
	report, err := Run(context.Background(), Input{
		Period:     jan,
		Rules:      rules.NewSnapshot(fourPack()),
		Attendance: []core.AttendanceRecord{first, second, third},
		Payments:   []core.PaymentRecord{pay("INV-1", "Jane", "Adult 4 Pack", "60", 2)},
		Overrides: []core.Override{
			{ID: "a", Target: core.TargetPayment, RecordRef: "INV-1", Period: jan, IssueType: core.IssueDiscount, Amount: core.MustMoney("20"), Status: core.StatusApproved},
			{ID: "b", Target: core.TargetAttendance, RecordRef: first.Key(), Period: jan, IssueType: core.IssueFreeSession, Status: core.StatusApproved},
			{ID: "c", Target: core.TargetAttendance, RecordRef: second.Key(), Period: jan, IssueType: core.IssueFreeSession, Status: core.StatusPending},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	sessions := byKey(t, report)
	if s := sessions[first.Key()]; s.Status != StatusVerified || s.Reason != ReasonFreeSession || s.InvoiceID != "" {
		t.Errorf("free session %+v", s)
	}
	if s := sessions[second.Key()]; s.InvoiceID != "INV-1" || s.Remaining.String() != "5.00" {
		t.Errorf("pending override must not apply: %+v", s)
	}
	if s := sessions[third.Key()]; s.Reason != ReasonExhausted {
		t.Errorf("discounted invoice covers one session: %+v", s)
	}
	if inv := report.Invoices[0]; inv.Total.String() != "20.00" || inv.State != InvoicePartiallyUsed {
		t.Errorf("invoice %+v", inv)
	}
}

func TestRunNeedsCatalog(t *testing.T) {
	if _, err := Run(context.Background(), Input{Period: jan}); !errors.Is(err, ErrNoCatalog) {
		t.Fatalf("expected ErrNoCatalog, got %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Run(ctx, Input{Period: jan, Rules: rules.NewSnapshot(), Attendance: []core.AttendanceRecord{visit("Jane", "x", 3)}})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
