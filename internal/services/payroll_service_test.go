package services

import (
	"context"
	"errors"
	"sync"
	"testing"

	"mfcpay/internal/amqp"
	"mfcpay/internal/core"
	"mfcpay/internal/discounts"
	"mfcpay/internal/ledger"
	"mfcpay/internal/records"
	"mfcpay/internal/verification"
)

var jan = core.NewPeriod(2025, 1)

type fakeRepo struct {
	mu         sync.Mutex
	rules      map[string]core.MembershipRule
	attendance []core.AttendanceRecord
	payments   []core.PaymentRecord
	overrides  map[string]core.Override
	discounts  map[string]discounts.Discount
	coaches    map[string]core.Coach
	failSave   error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rules:     map[string]core.MembershipRule{},
		overrides: map[string]core.Override{},
		discounts: map[string]discounts.Discount{},
		coaches:   map[string]core.Coach{},
	}
}

func (f *fakeRepo) SaveRule(_ context.Context, r core.MembershipRule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave != nil {
		return f.failSave
	}
	f.rules[r.Name] = r
	return nil
}

func (f *fakeRepo) DeleteRule(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rules, name)
	return nil
}

func (f *fakeRepo) ListRules(context.Context) ([]core.MembershipRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.MembershipRule
	for _, r := range f.rules {
		out = append(out, r)
	}
	return out, nil
}

func (f *fakeRepo) SaveAttendance(_ context.Context, list []core.AttendanceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attendance = append(f.attendance, list...)
	return nil
}

func (f *fakeRepo) SavePayments(_ context.Context, list []core.PaymentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, list...)
	return nil
}

func (f *fakeRepo) ListAttendance(context.Context) ([]core.AttendanceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.AttendanceRecord(nil), f.attendance...), nil
}

func (f *fakeRepo) ListPayments(context.Context) ([]core.PaymentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]core.PaymentRecord(nil), f.payments...), nil
}

func (f *fakeRepo) SaveOverride(_ context.Context, o core.Override) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.overrides[o.ID] = o
	return nil
}

func (f *fakeRepo) UpdateOverrideStatus(_ context.Context, o core.Override) error {
	return f.SaveOverride(context.Background(), o)
}

func (f *fakeRepo) ListOverrides(context.Context) ([]core.Override, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Override
	for _, o := range f.overrides {
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeRepo) SaveDiscount(_ context.Context, d discounts.Discount) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.discounts[d.Code] = d
	return nil
}

func (f *fakeRepo) ListDiscounts(context.Context) ([]discounts.Discount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []discounts.Discount
	for _, d := range f.discounts {
		out = append(out, d)
	}
	return out, nil
}

func (f *fakeRepo) SaveCoach(_ context.Context, c core.Coach) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.coaches[c.Name] = c
	return nil
}

func (f *fakeRepo) ListCoaches(context.Context) ([]core.Coach, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []core.Coach
	for _, c := range f.coaches {
		out = append(out, c)
	}
	return out, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []amqp.Event
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, e amqp.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return f.err
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type fakeWriter struct {
	written []core.PaymentBreakdown
}

func (f *fakeWriter) WriteBreakdown(_ context.Context, b core.PaymentBreakdown) error {
	f.written = append(f.written, b)
	return nil
}

func testPack() core.MembershipRule {
	return core.MembershipRule{
		Name:        "Test Pack",
		Category:    core.CategoryGroup,
		Sessions:    10,
		Price:       core.MustMoney("112.20"),
		CoachPct:    core.MustPercent("43.5"),
		BGMPct:      core.MustPercent("30"),
		MgmtPct:     core.MustPercent("8.5"),
		RetainedPct: core.MustPercent("18"),
	}
}

func sampleRows() ([]records.AttendanceRow, []records.PaymentRow) {
	attendance := []records.AttendanceRow{
		{Customer: "Jane Doe", Date: "2025-01-06", Time: "18:00", ClassType: "Adult BJJ", Instructors: "Alice", MembershipType: "Test Pack", Status: "Attended"},
	}
	payments := []records.PaymentRow{
		{Date: "2025-01-03", Customer: "Jane Doe", Memo: "Test Pack", Amount: "112.20", InvoiceID: "INV-1"},
		{Date: "2025-01-04", Customer: "Sam Roe", Memo: "", Amount: "15", InvoiceID: ""},
	}
	return attendance, payments
}

func newTestService(t *testing.T, cfg Config) *PayrollService {
	t.Helper()
	s := NewPayrollService(cfg)
	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if err := s.UpsertRule(context.Background(), testPack()); err != nil {
		t.Fatalf("UpsertRule: %v", err)
	}
	return s
}

func TestHydrateSeedsDefaultRules(t *testing.T) {
	repo := newFakeRepo()
	s := NewPayrollService(Config{Repository: repo})
	if err := s.Hydrate(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := len(s.Rules()); got != 2 {
		t.Fatalf("expected the 2 default rules, got %d", got)
	}
	if len(repo.rules) != 2 {
		t.Fatalf("default rules must be persisted, repo has %d", len(repo.rules))
	}
}

func TestImportAndCalculate(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	s := newTestService(t, Config{Repository: repo, Publisher: pub})

	att, pays := sampleRows()
	report, err := s.Import(context.Background(), att, pays)
	if err != nil {
		t.Fatal(err)
	}
	if report.AttendanceAccepted != 1 || report.PaymentsAccepted != 1 || len(report.Errors) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(repo.payments) != 1 || len(repo.attendance) != 1 {
		t.Fatalf("accepted records must be persisted: %d payments, %d attendance", len(repo.payments), len(repo.attendance))
	}

	b, err := s.Calculate(context.Background(), jan)
	if err != nil {
		t.Fatal(err)
	}
	alice, ok := b.Coach("Alice")
	if !ok || alice.Amount.String() != "48.81" {
		t.Fatalf("unexpected coach totals %+v", b.Coaches)
	}
	if b.Retained.Total.String() != "20.19" {
		t.Fatalf("retained = %s", b.Retained.Total)
	}

	types := pub.types()
	want := []string{amqp.EventRulesChanged, amqp.EventRecordsImported, amqp.EventBreakdownCalculated}
	if len(types) != len(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}
}

func TestCalculateCachedPerVersion(t *testing.T) {
	s := newTestService(t, Config{})
	att, pays := sampleRows()
	if _, err := s.Import(context.Background(), att, pays); err != nil {
		t.Fatal(err)
	}

	first, err := s.Calculate(context.Background(), jan)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Calculate(context.Background(), jan); err != nil {
		t.Fatal(err)
	}
	if st := s.Cache().Stats(); st.Hits != 1 || st.Misses != 1 {
		t.Fatalf("expected one hit and one miss, got %+v", st)
	}

	before := s.Version()
	o, err := s.RecordOverride(context.Background(), core.Override{
		Target: core.TargetPayment, RecordRef: "INV-1", Period: jan,
		IssueType: core.IssueRefund, Original: core.MustMoney("112.20"), Amount: core.MustMoney("100"),
		Reason: "partial refund",
	})
	if err != nil {
		t.Fatal(err)
	}
	if s.Version() == before {
		t.Fatal("recording an override must change the version")
	}
	if _, err := s.Approve(context.Background(), o.ID); err != nil {
		t.Fatal(err)
	}

	second, err := s.Calculate(context.Background(), jan)
	if err != nil {
		t.Fatal(err)
	}
	if second.Gross.Equal(first.Gross) {
		t.Fatalf("approved override must change gross, still %s", second.Gross)
	}
	if second.Gross.String() != "100.00" {
		t.Fatalf("gross = %s, want 100.00", second.Gross)
	}
}

func TestOverrideLifecycle(t *testing.T) {
	repo := newFakeRepo()
	pub := &fakePublisher{}
	s := newTestService(t, Config{Repository: repo, Publisher: pub})
	ctx := context.Background()

	o, err := s.RecordOverride(ctx, core.Override{
		Target: core.TargetPayment, RecordRef: "INV-9", Period: jan,
		IssueType: core.IssueDiscount, Original: core.MustMoney("50"), Amount: core.MustMoney("40"),
		Reason: "loyalty",
	})
	if err != nil {
		t.Fatal(err)
	}
	if o.Status != core.StatusPending || repo.overrides[o.ID].Status != core.StatusPending {
		t.Fatalf("new override must be pending and persisted: %+v", o)
	}

	rejected, err := s.Reject(ctx, o.ID)
	if err != nil {
		t.Fatal(err)
	}
	if repo.overrides[o.ID].Status != core.StatusRejected || rejected.Status != core.StatusRejected {
		t.Fatalf("rejection must be persisted: %+v", repo.overrides[o.ID])
	}
	if _, err := s.Approve(ctx, o.ID); !errors.Is(err, ledger.ErrInvalidTransition) {
		t.Fatalf("approving a rejected override: got %v", err)
	}
	if _, err := s.Approve(ctx, "missing"); !errors.Is(err, ledger.ErrOverrideNotFound) {
		t.Fatalf("approving an unknown override: got %v", err)
	}
	if got := s.Overrides(jan); len(got) != 1 {
		t.Fatalf("Overrides(jan) = %d entries", len(got))
	}
	if got := s.Overrides(core.Period{}); len(got) != 1 {
		t.Fatalf("Overrides(all) = %d entries", len(got))
	}
}

func TestProposeDiscounts(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()
	if err := s.SetDiscounts(ctx, []discounts.Discount{{
		Code: "family", Name: "Family", Percentage: core.MustPercent("20"),
		CoachPaymentType: discounts.CoachPayPartial, MatchType: discounts.MatchContains, Active: true,
	}}); err != nil {
		t.Fatal(err)
	}
	_, err := s.Import(ctx, nil, []records.PaymentRow{
		{Date: "2025-01-03", Customer: "Jane Doe", Memo: "Test Pack Family", Amount: "112.20", InvoiceID: "INV-1"},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ProposeDiscounts(ctx, jan)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Amount.String() != "89.76" || got[0].Status != core.StatusPending {
		t.Fatalf("unexpected proposals %+v", got)
	}
	again, err := s.ProposeDiscounts(ctx, jan)
	if err != nil || len(again) != 0 {
		t.Fatalf("second proposal run must skip open overrides: %+v, %v", again, err)
	}
}

func TestImportDiscountLineProposesOverride(t *testing.T) {
	repo := newFakeRepo()
	s := newTestService(t, Config{Repository: repo})
	ctx := context.Background()

	report, err := s.Import(ctx, nil, []records.PaymentRow{
		{Date: "2025-01-03", Customer: "Jane Doe", Memo: "Discount - returning member", Amount: "-22.20", InvoiceID: "INV-1"},
		{Date: "2025-01-03", Customer: "Jane Doe", Memo: "Test Pack", Amount: "112.20", InvoiceID: "INV-1"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if report.PaymentsAccepted != 1 || len(report.DiscountLines) != 1 || len(report.Errors) != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if len(repo.payments) != 1 {
		t.Fatalf("discount line must not be stored as a payment, repo has %d", len(repo.payments))
	}

	pending := s.Overrides(jan)
	if len(pending) != 1 {
		t.Fatalf("expected one proposed override, got %+v", pending)
	}
	o := pending[0]
	if o.RecordRef != "INV-1" || o.IssueType != core.IssueDiscount || o.Status != core.StatusPending || o.Amount.String() != "90.00" {
		t.Fatalf("unexpected override %+v", o)
	}
	if _, ok := repo.overrides[o.ID]; !ok {
		t.Fatal("proposed override must be persisted")
	}

	b, err := s.Calculate(ctx, jan)
	if err != nil {
		t.Fatal(err)
	}
	if b.Gross.String() != "112.20" || len(b.ExceptionsOf(core.ExceptionOpenOverride)) != 1 {
		t.Fatalf("pending discount must keep the amount and stay open: %s", b)
	}
	if _, err := s.Approve(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	if b, _ = s.Calculate(ctx, jan); b.Gross.String() != "90.00" {
		t.Fatalf("gross after approval = %s, want 90.00", b.Gross)
	}
}

func TestPayslip(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()
	att, pays := sampleRows()
	if _, err := s.Import(ctx, att, pays); err != nil {
		t.Fatal(err)
	}

	slip, err := s.Payslip(ctx, jan, "ALICE")
	if err != nil {
		t.Fatal(err)
	}
	if slip.Coach != "Alice" || len(slip.Group) != 1 || slip.Total.String() != "48.81" {
		t.Fatalf("unexpected payslip %+v", slip)
	}
	if _, err := s.Payslip(ctx, jan, "Zed"); !errors.Is(err, ErrCoachNotFound) {
		t.Fatalf("expected ErrCoachNotFound, got %v", err)
	}
	if _, err := s.Payslip(ctx, core.Period{}, "Alice"); !errors.Is(err, core.ErrInvalidPeriod) {
		t.Fatalf("expected ErrInvalidPeriod, got %v", err)
	}
}

func TestVerifyUsesApprovedOverrides(t *testing.T) {
	s := newTestService(t, Config{})
	ctx := context.Background()
	att, pays := sampleRows()
	if _, err := s.Import(ctx, att, pays); err != nil {
		t.Fatal(err)
	}

	report, err := s.Verify(ctx, jan)
	if err != nil {
		t.Fatal(err)
	}
	if report.Verified != 1 || report.Sessions[0].Remaining.String() != "100.98" {
		t.Fatalf("unexpected report %+v", report)
	}

	o, err := s.RecordOverride(ctx, core.Override{
		Target: core.TargetAttendance, RecordRef: report.Sessions[0].Key, Period: jan,
		IssueType: core.IssueFreeSession, Amount: core.MustMoney("0"), Reason: "trial",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Approve(ctx, o.ID); err != nil {
		t.Fatal(err)
	}
	report, err = s.Verify(ctx, jan)
	if err != nil {
		t.Fatal(err)
	}
	if got := report.Sessions[0]; got.Status != verification.StatusVerified || got.Reason != verification.ReasonFreeSession {
		t.Fatalf("free session %+v", got)
	}
	if inv := report.Invoices[0]; inv.State != verification.InvoiceAvailable || !inv.Remaining.Equal(inv.Total) {
		t.Fatalf("free session must not draw on the invoice: %+v", inv)
	}
}

func TestHydrateFromRepository(t *testing.T) {
	repo := newFakeRepo()
	first := newTestService(t, Config{Repository: repo})
	ctx := context.Background()
	att, pays := sampleRows()
	if _, err := first.Import(ctx, att, pays); err != nil {
		t.Fatal(err)
	}
	o, err := first.RecordOverride(ctx, core.Override{
		Target: core.TargetPayment, RecordRef: "INV-1", Period: jan,
		IssueType: core.IssueRefund, Original: core.MustMoney("112.20"), Amount: core.MustMoney("0"),
		Reason: "refunded",
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := first.Approve(ctx, o.ID); err != nil {
		t.Fatal(err)
	}

	second := NewPayrollService(Config{Repository: repo})
	if err := second.Hydrate(ctx); err != nil {
		t.Fatal(err)
	}
	restored := second.Overrides(jan)
	if len(restored) != 1 || restored[0].ID != o.ID || restored[0].Status != core.StatusApproved {
		t.Fatalf("override not restored: %+v", restored)
	}
	if _, err := second.ResolveRule("test pack"); err != nil {
		t.Fatalf("rule not restored: %v", err)
	}
	b, err := second.Calculate(ctx, jan)
	if err != nil {
		t.Fatal(err)
	}
	if !b.Gross.IsZero() {
		t.Fatalf("refunded payment must not count, gross %s", b.Gross)
	}
}

func TestPublish(t *testing.T) {
	s := newTestService(t, Config{})
	if _, err := s.Publish(context.Background(), jan); !errors.Is(err, ErrNoWriter) {
		t.Fatalf("expected ErrNoWriter, got %v", err)
	}

	w := &fakeWriter{}
	s = newTestService(t, Config{Writer: w})
	if _, err := s.Publish(context.Background(), jan); err != nil {
		t.Fatal(err)
	}
	if len(w.written) != 1 || w.written[0].Period != jan {
		t.Fatalf("unexpected writes %+v", w.written)
	}
}

func TestPublisherFailureDoesNotFailMutation(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker down")}
	s := NewPayrollService(Config{Publisher: pub})
	if err := s.UpsertRule(context.Background(), testPack()); err != nil {
		t.Fatalf("UpsertRule must succeed when publishing fails: %v", err)
	}
	if len(pub.events) != 1 {
		t.Fatalf("expected one publish attempt, got %d", len(pub.events))
	}
}

func TestRepositoryFailureIsReturned(t *testing.T) {
	repo := newFakeRepo()
	s := newTestService(t, Config{Repository: repo})
	repo.failSave = errors.New("disk full")
	r := testPack()
	r.Name = "Other Pack"
	if err := s.UpsertRule(context.Background(), r); err == nil {
		t.Fatal("expected the repository error")
	}
}
