// Package verification checks every attended session of a period against the
// customer's invoices. Verified sessions consume invoice balance oldest
// invoice first, so the report also shows what each invoice has left.
package verification

import (
	"context"
	"errors"
	"sort"
	"time"

	"mfcpay/internal/core"
	"mfcpay/internal/matcher"
	"mfcpay/internal/records"
	"mfcpay/internal/rules"
)

// Session statuses, named as staff see them in the verification sheet.
const (
	StatusVerified        Status = "Verified"
	StatusNotVerified     Status = "Not Verified"
	StatusPackageNotFound Status = "Package Cannot be found"
)

// Invoice balance states.
const (
	InvoiceAvailable     InvoiceState = "Available"
	InvoicePartiallyUsed InvoiceState = "Partially Used"
	InvoiceFullyUsed     InvoiceState = "Fully Used"
)

// Reasons attached to sessions that are not plainly verified.
const (
	ReasonNoPayment    = "no payment for membership"
	ReasonExhausted    = "invoice balances exhausted"
	ReasonCancelled    = "session cancelled"
	ReasonFreeSession  = "free session override"
	ReasonRuleNotFound = "membership has no rule"
)

var ErrNoCatalog = errors.New("no rule catalog")

type (
	Status       string
	InvoiceState string

	// Session is one attended session and the invoice that pays for it.
	Session struct {
		Key          string     `json:"key"`
		Customer     string     `json:"customer"`
		StartsAt     time.Time  `json:"starts_at"`
		ClassType    string     `json:"class_type"`
		Membership   string     `json:"membership"`
		Instructors  []string   `json:"instructors"`
		Status       Status     `json:"verification_status"`
		Rule         string     `json:"rule,omitempty"`
		InvoiceID    string     `json:"invoice_id,omitempty"`
		SessionPrice core.Money `json:"session_price"`
		Remaining    core.Money `json:"invoice_remaining"`
		Reason       string     `json:"reason,omitempty"`
	}

	// Invoice is a payment seen as a balance that sessions draw down.
	Invoice struct {
		InvoiceID    string       `json:"invoice_id"`
		Customer     string       `json:"customer"`
		Date         time.Time    `json:"date"`
		Rule         string       `json:"rule,omitempty"`
		Total        core.Money   `json:"total"`
		Used         core.Money   `json:"used"`
		Remaining    core.Money   `json:"remaining"`
		SessionsUsed int          `json:"sessions_used"`
		Sessions     int          `json:"sessions"`
		State        InvoiceState `json:"state"`
	}

	Report struct {
		Period          core.Period `json:"period"`
		Sessions        []Session   `json:"sessions"`
		Invoices        []Invoice   `json:"invoices"`
		Verified        int         `json:"verified"`
		NotVerified     int         `json:"not_verified"`
		PackageNotFound int         `json:"package_not_found"`
	}

	Input struct {
		Period     core.Period
		Attendance []core.AttendanceRecord
		Payments   []core.PaymentRecord
		Rules      *rules.Snapshot
		Overrides  []core.Override
	}
)

// Run builds the verification report for in.Period. Only approved overrides
// of the period count: a payment override replaces the invoice total and a
// free-session override lets the session through without drawing on an
// invoice.
func Run(ctx context.Context, in Input) (Report, error) {
	if in.Rules == nil {
		return Report{}, ErrNoCatalog
	}
	if err := in.Period.Validate(); err != nil {
		return Report{}, err
	}
	m := matcher.New(in.Rules, nil)

	amounts := make(map[string]core.Money)
	free := make(map[string]bool)
	for _, o := range in.Overrides {
		if o.Period != in.Period || o.Status != core.StatusApproved {
			continue
		}
		switch o.Target {
		case core.TargetPayment:
			amounts[o.RecordRef] = o.Amount
		case core.TargetAttendance:
			free[o.RecordRef] = o.IssueType == core.IssueFreeSession
		}
	}

	var payments []core.PaymentRecord
	for _, p := range in.Payments {
		if in.Period.Contains(p.Date) {
			payments = append(payments, p)
		}
	}
	records.SortPayments(payments)

	ledger := newBalances()
	for _, p := range payments {
		inv := &Invoice{
			InvoiceID: p.InvoiceID,
			Customer:  p.Customer,
			Date:      p.Date,
			Total:     p.Amount,
			State:     InvoiceAvailable,
		}
		if amount, ok := amounts[p.InvoiceID]; ok {
			inv.Total = amount
		}
		inv.Remaining = inv.Total
		if res := m.Match(p); res.IsMatched() {
			inv.Rule = res.Rule.Name
			inv.Sessions = res.Rule.Sessions
		}
		ledger.add(inv, core.Fold(p.MembershipLabel()))
	}

	var attendance []core.AttendanceRecord
	for _, a := range in.Attendance {
		if in.Period.Contains(a.StartsAt) {
			attendance = append(attendance, a)
		}
	}
	records.SortAttendance(attendance)

	report := Report{Period: in.Period, Sessions: make([]Session, 0, len(attendance))}
	for i, a := range attendance {
		if i%64 == 0 {
			if err := ctx.Err(); err != nil {
				return Report{}, err
			}
		}
		s := Session{
			Key:         a.Key(),
			Customer:    a.Customer,
			StartsAt:    a.StartsAt,
			ClassType:   a.ClassType,
			Membership:  a.MembershipType,
			Instructors: matcher.Instructors(a),
		}
		ledger.verify(&s, a, m.MatchSession(a), free[s.Key])
		switch s.Status {
		case StatusVerified:
			report.Verified++
		case StatusPackageNotFound:
			report.PackageNotFound++
		default:
			report.NotVerified++
		}
		report.Sessions = append(report.Sessions, s)
	}
	report.Invoices = ledger.list()
	return report, nil
}

type customerInvoices struct {
	byRule  map[string][]*Invoice
	byLabel map[string][]*Invoice
}

// balances holds each customer's invoices in payment order.
type balances struct {
	order     []*Invoice
	customers map[string]*customerInvoices
}

func newBalances() *balances {
	return &balances{customers: make(map[string]*customerInvoices)}
}

func (b *balances) add(inv *Invoice, label string) {
	key := core.Fold(inv.Customer)
	c, ok := b.customers[key]
	if !ok {
		c = &customerInvoices{byRule: make(map[string][]*Invoice), byLabel: make(map[string][]*Invoice)}
		b.customers[key] = c
	}
	if inv.Rule != "" {
		c.byRule[inv.Rule] = append(c.byRule[inv.Rule], inv)
	}
	c.byLabel[label] = append(c.byLabel[label], inv)
	b.order = append(b.order, inv)
}

// verify settles one session. A session whose membership resolves to a rule
// draws the rule's session price from the oldest invoice of that rule with
// enough balance left. When no invoice has enough, the session stays
// verified against the oldest invoice and is flagged.
func (b *balances) verify(s *Session, a core.AttendanceRecord, res matcher.MatchResult, free bool) {
	if a.Cancelled() {
		s.Status = StatusNotVerified
		s.Reason = ReasonCancelled
		return
	}
	c := b.customers[core.Fold(a.Customer)]
	if !res.IsMatched() {
		s.Status = StatusNotVerified
		s.Reason = ReasonNoPayment
		if c == nil {
			return
		}
		if invs := c.byLabel[core.Fold(a.MembershipType)]; len(invs) > 0 {
			s.Status = StatusPackageNotFound
			s.Reason = ReasonRuleNotFound
			s.InvoiceID = invs[0].InvoiceID
			s.Remaining = invs[0].Remaining
		}
		return
	}

	s.Rule = res.Rule.Name
	if c == nil || len(c.byRule[res.Rule.Name]) == 0 {
		s.Status = StatusNotVerified
		s.Reason = ReasonNoPayment
		return
	}
	invs := c.byRule[res.Rule.Name]
	s.Status = StatusVerified
	if free {
		s.Reason = ReasonFreeSession
		return
	}

	price := res.Rule.UnitPrice().Round()
	if price.IsZero() {
		// An unpriced rule spreads the invoice over the pack.
		price = invs[0].Total.Split(max(res.Rule.Sessions, 1))[0]
	}
	s.SessionPrice = price

	for _, inv := range invs {
		if inv.State == InvoiceFullyUsed || inv.Remaining.Cmp(price) < 0 {
			continue
		}
		inv.consume(price)
		s.InvoiceID = inv.InvoiceID
		s.Remaining = inv.Remaining
		return
	}
	s.InvoiceID = invs[0].InvoiceID
	s.Remaining = invs[0].Remaining
	s.Reason = ReasonExhausted
}

func (inv *Invoice) consume(price core.Money) {
	inv.Used = inv.Used.Add(price)
	inv.Remaining = inv.Remaining.Sub(price)
	inv.SessionsUsed++
	switch {
	case !inv.Remaining.GreaterThan(core.Zero):
		inv.State = InvoiceFullyUsed
	case inv.Used.GreaterThan(core.Zero):
		inv.State = InvoicePartiallyUsed
	}
}

func (b *balances) list() []Invoice {
	out := make([]Invoice, 0, len(b.order))
	for _, inv := range b.order {
		out = append(out, *inv)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].InvoiceID < out[j].InvoiceID
	})
	return out
}
