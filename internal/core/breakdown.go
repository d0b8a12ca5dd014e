package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exception kinds listed in a breakdown.
const (
	ExceptionUnmatched         ExceptionKind = "unmatched"
	ExceptionOpenOverride      ExceptionKind = "open-override"
	ExceptionOverrideNoRecord  ExceptionKind = "override-without-record"
	ExceptionUnattributedShare ExceptionKind = "unattributed-coach-share"
	ExceptionUnknownCoach      ExceptionKind = "unknown-coach"
	ExceptionInactiveCoach     ExceptionKind = "inactive-coach"
)

type (
	ExceptionKind string

	// SourceLine is the amount a party receives from one revenue source.
	SourceLine struct {
		Source RevenueSource `json:"source"`
		Amount Money         `json:"amount"`
	}

	// PartyTotal is a party's total with its per-revenue-source lines.
	// Total always equals the sum of Lines.
	PartyTotal struct {
		Total Money        `json:"total"`
		Lines []SourceLine `json:"lines"`
	}

	CoachTotal struct {
		Coach   string          `json:"coach"`
		CoachID string          `json:"coach_id,omitempty"`
		Credit  decimal.Decimal `json:"attendance_credit"` // sessions, fractional when co-taught
		Amount  Money           `json:"amount"`
		Lines   []SourceLine    `json:"lines"`
		// Sessions itemizes Amount per attended session; the pays sum to Amount.
		Sessions []SessionPay `json:"sessions"`
	}

	// SessionPay is a coach's pay for one attended session, funded by one
	// payment.
	SessionPay struct {
		Date      time.Time     `json:"date"`
		Customer  string        `json:"customer"`
		ClassType string        `json:"class_type"`
		Rule      string        `json:"membership"`
		Source    RevenueSource `json:"source"`
		InvoiceID string        `json:"invoice_id"`
		// SessionValue is the part of the payment the session consumed.
		SessionValue Money `json:"session_value"`
		Pay          Money `json:"pay"`
	}

	// Payslip is one coach's pay for a period, split into private and group
	// sessions.
	Payslip struct {
		Period       Period          `json:"period"`
		Coach        string          `json:"coach"`
		CoachID      string          `json:"coach_id,omitempty"`
		Credit       decimal.Decimal `json:"attendance_credit"`
		Private      []SessionPay    `json:"private_sessions"`
		Group        []SessionPay    `json:"group_sessions"`
		PrivateTotal Money           `json:"private_total"`
		GroupTotal   Money           `json:"group_total"`
		Total        Money           `json:"total"`
	}

	// Exception is a non-fatal issue traceable to a single record.
	Exception struct {
		Kind       ExceptionKind `json:"kind"`
		Ref        string        `json:"ref"`
		Label      string        `json:"label,omitempty"`
		Reason     string        `json:"reason"`
		Amount     Money         `json:"amount"`
		OverrideID string        `json:"override_id,omitempty"`
	}

	// RuleFault reports a rule whose records were withheld from a run.
	RuleFault struct {
		Rule     string   `json:"rule"`
		Invoices []string `json:"invoices"`
		Reason   string   `json:"reason"`
	}

	// PaymentBreakdown is the result of calculating one period. It is
	// derived data: regenerated from inputs, never edited.
	PaymentBreakdown struct {
		Period       Period       `json:"period"`
		Gross        Money        `json:"gross"`
		Coaches      []CoachTotal `json:"coaches"`
		Unattributed PartyTotal   `json:"unattributed_coach_share"`
		BGM          PartyTotal   `json:"bgm"`
		Management   PartyTotal   `json:"management"`
		Retained     PartyTotal   `json:"retained"`
		Exceptions   []Exception  `json:"exceptions"`
		Faults       []RuleFault  `json:"faults"`
	}
)

func (f RuleFault) Error() string {
	return fmt.Sprintf("rule %q: %s (%d records withheld)", f.Rule, f.Reason, len(f.Invoices))
}

func (f RuleFault) Unwrap() error { return ErrSplitOverrun }

// Err joins the rule faults of the run, or returns nil when there are none.
func (b PaymentBreakdown) Err() error {
	if len(b.Faults) == 0 {
		return nil
	}
	errs := make([]error, len(b.Faults))
	for i, f := range b.Faults {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// CoachShareTotal is the coach share of the period, attributed or not.
func (b PaymentBreakdown) CoachShareTotal() Money {
	total := b.Unattributed.Total
	for _, c := range b.Coaches {
		total = total.Add(c.Amount)
	}
	return total
}

// Distributed is the sum of every party's total. It equals Gross for a
// consistent breakdown.
func (b PaymentBreakdown) Distributed() Money {
	return SumMoney(b.CoachShareTotal(), b.BGM.Total, b.Management.Total, b.Retained.Total)
}

// Coach returns the total for a coach by name, case-insensitively.
func (b PaymentBreakdown) Coach(name string) (CoachTotal, bool) {
	key := Fold(name)
	for _, c := range b.Coaches {
		if Fold(c.Coach) == key {
			return c, true
		}
	}
	return CoachTotal{}, false
}

// Payslip itemizes a coach's total by session. Total equals the coach's
// Amount in the breakdown.
func (b PaymentBreakdown) Payslip(coach string) (Payslip, bool) {
	c, ok := b.Coach(coach)
	if !ok {
		return Payslip{}, false
	}
	slip := Payslip{
		Period:  b.Period,
		Coach:   c.Coach,
		CoachID: c.CoachID,
		Credit:  c.Credit,
		Private: []SessionPay{},
		Group:   []SessionPay{},
	}
	for _, s := range c.Sessions {
		if s.Source == RevenueSource(CategoryPrivate) {
			slip.Private = append(slip.Private, s)
			slip.PrivateTotal = slip.PrivateTotal.Add(s.Pay)
		} else {
			slip.Group = append(slip.Group, s)
			slip.GroupTotal = slip.GroupTotal.Add(s.Pay)
		}
	}
	slip.Total = slip.PrivateTotal.Add(slip.GroupTotal)
	return slip, true
}

// ExceptionsOf filters exceptions by kind.
func (b PaymentBreakdown) ExceptionsOf(kind ExceptionKind) []Exception {
	var out []Exception
	for _, e := range b.Exceptions {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Line returns the amount for a source, zero when absent.
func (p PartyTotal) Line(source RevenueSource) Money {
	for _, l := range p.Lines {
		if l.Source == source {
			return l.Amount
		}
	}
	return Zero
}

// String summarizes the breakdown in one line for logs.
func (b PaymentBreakdown) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s gross=%s coaches=%d bgm=%s mgmt=%s retained=%s exceptions=%d faults=%d",
		b.Period, b.Gross, len(b.Coaches), b.BGM.Total, b.Management.Total, b.Retained.Total,
		len(b.Exceptions), len(b.Faults))
	return sb.String()
}
