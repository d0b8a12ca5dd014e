// Package records holds the normalized attendance and payment records that
// feed a calculation run.
package records

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"mfcpay/internal/core"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Row kinds reported in a ValidationReport.
const (
	KindAttendance = "attendance"
	KindPayment    = "payment"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// RowError is a problem with one imported row. Row is the 1-based position
// within its batch.
type RowError struct {
	Kind    string `json:"kind"`
	Row     int    `json:"row"`
	Key     string `json:"key,omitempty"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e RowError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s row %d: %s: %s", e.Kind, e.Row, e.Field, e.Message)
	}
	return fmt.Sprintf("%s row %d: %s", e.Kind, e.Row, e.Message)
}

// ValidationReport summarizes a load. Rejected rows are listed; accepted
// rows were stored and are returned normalized.
type ValidationReport struct {
	AttendanceAccepted int        `json:"attendance_accepted"`
	PaymentsAccepted   int        `json:"payments_accepted"`
	Errors             []RowError `json:"errors"`

	// DiscountLines are accepted negative discount lines. They reduce the
	// invoice they reference and are not stored as payments.
	DiscountLines []DiscountLine `json:"discount_lines,omitempty"`

	Attendance []core.AttendanceRecord `json:"-"`
	Payments   []core.PaymentRecord    `json:"-"`
}

// Periods lists the distinct periods touched by the accepted records, in
// order.
func (r ValidationReport) Periods() []core.Period {
	seen := make(map[core.Period]struct{})
	for _, a := range r.Attendance {
		seen[core.PeriodOf(a.StartsAt)] = struct{}{}
	}
	for _, p := range r.Payments {
		seen[core.PeriodOf(p.Date)] = struct{}{}
	}
	return sortedPeriods(seen)
}

func (r ValidationReport) OK() bool { return len(r.Errors) == 0 }

// Err joins the row errors, or returns nil when every row was accepted.
func (r ValidationReport) Err() error {
	if len(r.Errors) == 0 {
		return nil
	}
	errs := make([]error, len(r.Errors))
	for i, e := range r.Errors {
		errs[i] = e
	}
	return errors.Join(errs...)
}

// Store keeps imported records. Records are immutable once stored.
type Store struct {
	mu         sync.RWMutex
	attendance []core.AttendanceRecord
	payments   []core.PaymentRecord
	keys       map[string]struct{}
	invoices   map[string]struct{}
}

func NewStore() *Store {
	return &Store{
		keys:     make(map[string]struct{}),
		invoices: make(map[string]struct{}),
	}
}

// Load validates and appends a batch. Invalid rows are reported and skipped;
// the rest of the batch is kept. Discount lines are checked after the batch's
// payments so they may reference an invoice imported in the same batch.
func (s *Store) Load(attendance []AttendanceRow, payments []PaymentRow) ValidationReport {
	var report ValidationReport

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, row := range attendance {
		rec, rowErr := s.checkAttendance(i+1, row)
		if rowErr != nil {
			report.Errors = append(report.Errors, *rowErr)
			continue
		}
		s.keys[rec.Key()] = struct{}{}
		s.attendance = append(s.attendance, rec)
		report.Attendance = append(report.Attendance, rec)
		report.AttendanceAccepted++
	}

	var lines []int
	for i, row := range payments {
		if row.isDiscountLine() {
			lines = append(lines, i)
			continue
		}
		rec, rowErr := s.checkPayment(i+1, row)
		if rowErr != nil {
			report.Errors = append(report.Errors, *rowErr)
			continue
		}
		s.invoices[rec.InvoiceID] = struct{}{}
		s.payments = append(s.payments, rec)
		report.Payments = append(report.Payments, rec)
		report.PaymentsAccepted++
	}

	discounted := make(map[string]core.Money)
	for _, i := range lines {
		line, rowErr := s.checkDiscountLine(i+1, payments[i], discounted)
		if rowErr != nil {
			report.Errors = append(report.Errors, *rowErr)
			continue
		}
		discounted[line.InvoiceID] = discounted[line.InvoiceID].Add(line.Amount)
		report.DiscountLines = append(report.DiscountLines, line)
	}

	return report
}

func (s *Store) checkDiscountLine(n int, row PaymentRow, discounted map[string]core.Money) (DiscountLine, *RowError) {
	if e := structError(KindPayment, n, row.InvoiceID, row); e != nil {
		return DiscountLine{}, e
	}
	invoice := strings.TrimSpace(row.InvoiceID)
	fail := func(field, msg string) (DiscountLine, *RowError) {
		return DiscountLine{}, &RowError{Kind: KindPayment, Row: n, Key: invoice, Field: field, Message: msg}
	}
	date, err := ParseDate(row.Date)
	if err != nil {
		return fail("date", err.Error())
	}
	amount, _ := core.ParseMoney(row.Amount)
	amount = amount.Round().MulDecimal(decimal.NewFromInt(-1))

	base, ok := s.paymentLocked(invoice)
	if !ok {
		return fail("invoice_id", "discount line references unknown invoice")
	}
	if core.Fold(base.Customer) != core.Fold(row.Customer) {
		return fail("customer", "discount line customer differs from invoice")
	}
	if discounted[invoice].Add(amount).GreaterThan(base.Amount) {
		return fail("amount", fmt.Sprintf("discounts exceed invoice amount %s", base.Amount))
	}
	return DiscountLine{
		Row:           n,
		InvoiceID:     invoice,
		Customer:      base.Customer,
		Date:          date,
		Memo:          strings.TrimSpace(row.Memo),
		Amount:        amount,
		InvoiceAmount: base.Amount,
		Period:        core.PeriodOf(base.Date),
	}, nil
}

func (s *Store) paymentLocked(invoiceID string) (core.PaymentRecord, bool) {
	for _, p := range s.payments {
		if p.InvoiceID == invoiceID {
			return p, true
		}
	}
	return core.PaymentRecord{}, false
}

func (s *Store) checkAttendance(n int, row AttendanceRow) (core.AttendanceRecord, *RowError) {
	if e := structError(KindAttendance, n, row.Customer, row); e != nil {
		return core.AttendanceRecord{}, e
	}
	rec, field, err := row.toRecord()
	if err != nil {
		return rec, &RowError{Kind: KindAttendance, Row: n, Key: row.Customer, Field: field, Message: err.Error()}
	}
	if err := rec.Validate(); err != nil {
		return rec, &RowError{Kind: KindAttendance, Row: n, Key: row.Customer, Message: err.Error()}
	}
	key := rec.Key()
	if _, dup := s.keys[key]; dup {
		return rec, &RowError{Kind: KindAttendance, Row: n, Key: key, Message: "duplicate attendance record"}
	}
	return rec, nil
}

func (s *Store) checkPayment(n int, row PaymentRow) (core.PaymentRecord, *RowError) {
	if e := structError(KindPayment, n, row.InvoiceID, row); e != nil {
		return core.PaymentRecord{}, e
	}
	rec, field, err := row.toRecord()
	if err != nil {
		return rec, &RowError{Kind: KindPayment, Row: n, Key: row.InvoiceID, Field: field, Message: err.Error()}
	}
	if err := rec.Validate(); err != nil {
		return rec, &RowError{Kind: KindPayment, Row: n, Key: row.InvoiceID, Message: err.Error()}
	}
	if _, dup := s.invoices[rec.InvoiceID]; dup {
		return rec, &RowError{Kind: KindPayment, Row: n, Key: rec.InvoiceID, Field: "invoice_id", Message: "duplicate invoice id"}
	}
	return rec, nil
}

func structError(kind string, n int, key string, row any) *RowError {
	err := validate.Struct(row)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		msg := fmt.Sprintf("failed %q check", fe.Tag())
		if fe.Tag() == "required" {
			msg = "is required"
		}
		return &RowError{Kind: kind, Row: n, Key: strings.TrimSpace(key), Field: fe.Field(), Message: msg}
	}
	return &RowError{Kind: kind, Row: n, Key: strings.TrimSpace(key), Message: err.Error()}
}

// Add stores already-normalized records, for example when hydrating from a
// database. Duplicates are skipped and reported the same way Load does.
func (s *Store) Add(attendance []core.AttendanceRecord, payments []core.PaymentRecord) ValidationReport {
	var report ValidationReport

	s.mu.Lock()
	defer s.mu.Unlock()

	for i, rec := range attendance {
		if err := rec.Validate(); err != nil {
			report.Errors = append(report.Errors, RowError{Kind: KindAttendance, Row: i + 1, Key: rec.Customer, Message: err.Error()})
			continue
		}
		key := rec.Key()
		if _, dup := s.keys[key]; dup {
			report.Errors = append(report.Errors, RowError{Kind: KindAttendance, Row: i + 1, Key: key, Message: "duplicate attendance record"})
			continue
		}
		s.keys[key] = struct{}{}
		s.attendance = append(s.attendance, rec)
		report.Attendance = append(report.Attendance, rec)
		report.AttendanceAccepted++
	}
	for i, rec := range payments {
		if err := rec.Validate(); err != nil {
			report.Errors = append(report.Errors, RowError{Kind: KindPayment, Row: i + 1, Key: rec.InvoiceID, Message: err.Error()})
			continue
		}
		if _, dup := s.invoices[rec.InvoiceID]; dup {
			report.Errors = append(report.Errors, RowError{Kind: KindPayment, Row: i + 1, Key: rec.InvoiceID, Field: "invoice_id", Message: "duplicate invoice id"})
			continue
		}
		s.invoices[rec.InvoiceID] = struct{}{}
		s.payments = append(s.payments, rec)
		report.Payments = append(report.Payments, rec)
		report.PaymentsAccepted++
	}
	return report
}

// RecordsForPeriod returns copies of the period's records ordered by date,
// then customer id.
func (s *Store) RecordsForPeriod(p core.Period) ([]core.AttendanceRecord, []core.PaymentRecord) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var attendance []core.AttendanceRecord
	for _, a := range s.attendance {
		if p.Contains(a.StartsAt) {
			a.Instructors = append([]string(nil), a.Instructors...)
			attendance = append(attendance, a)
		}
	}
	var payments []core.PaymentRecord
	for _, pay := range s.payments {
		if p.Contains(pay.Date) {
			payments = append(payments, pay)
		}
	}
	SortAttendance(attendance)
	SortPayments(payments)
	return attendance, payments
}

// SortAttendance orders by day, customer, start time and class type.
func SortAttendance(list []core.AttendanceRecord) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if !a.Date().Equal(b.Date()) {
			return a.Date().Before(b.Date())
		}
		if ca, cb := core.Fold(a.Customer), core.Fold(b.Customer); ca != cb {
			return ca < cb
		}
		if !a.StartsAt.Equal(b.StartsAt) {
			return a.StartsAt.Before(b.StartsAt)
		}
		return core.Fold(a.ClassType) < core.Fold(b.ClassType)
	})
}

// SortPayments orders by day, customer and invoice id.
func SortPayments(list []core.PaymentRecord) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		da, db := dayOf(a.Date), dayOf(b.Date)
		if !da.Equal(db) {
			return da.Before(db)
		}
		if ca, cb := core.Fold(a.Customer), core.Fold(b.Customer); ca != cb {
			return ca < cb
		}
		return a.InvoiceID < b.InvoiceID
	})
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Payment returns the payment with the invoice id.
func (s *Store) Payment(invoiceID string) (core.PaymentRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paymentLocked(invoiceID)
}

// Attendance returns the attendance record with the key.
func (s *Store) Attendance(key string) (core.AttendanceRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.attendance {
		if a.Key() == key {
			return a, true
		}
	}
	return core.AttendanceRecord{}, false
}

// Counts returns the number of stored records.
func (s *Store) Counts() (attendance, payments int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.attendance), len(s.payments)
}

// Periods lists every period that has at least one record, oldest first.
func (s *Store) Periods() []core.Period {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := map[core.Period]struct{}{}
	for _, a := range s.attendance {
		seen[core.PeriodOf(a.StartsAt)] = struct{}{}
	}
	for _, p := range s.payments {
		seen[core.PeriodOf(p.Date)] = struct{}{}
	}
	return sortedPeriods(seen)
}

func sortedPeriods(seen map[core.Period]struct{}) []core.Period {
	out := make([]core.Period, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start().Before(out[j].Start()) })
	return out
}

// Reset drops every record.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attendance = nil
	s.payments = nil
	s.keys = make(map[string]struct{})
	s.invoices = make(map[string]struct{})
}
