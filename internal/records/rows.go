package records

import (
	"fmt"
	"strings"
	"time"

	"mfcpay/internal/core"
	"mfcpay/internal/matcher"
)

// AttendanceRow is one row of an attendance export, still as text.
type AttendanceRow struct {
	Customer          string `json:"customer" validate:"required"`
	Email             string `json:"email" validate:"omitempty,email"`
	Date              string `json:"date" validate:"required"`
	Time              string `json:"time"`
	ClassType         string `json:"class_type" validate:"required"`
	Venue             string `json:"venue"`
	Instructors       string `json:"instructors"`
	PrimaryInstructor string `json:"primary_instructor"`
	MembershipType    string `json:"membership_type"`
	BookingSource     string `json:"booking_source"`
	Status            string `json:"status"`
}

// PaymentRow is one row of a payments export, still as text.
type PaymentRow struct {
	Date           string `json:"date" validate:"required"`
	Customer       string `json:"customer" validate:"required"`
	Memo           string `json:"memo"`
	Amount         string `json:"amount" validate:"required"`
	InvoiceID      string `json:"invoice_id" validate:"required"`
	MembershipType string `json:"membership_type"`
}

var dateTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
}

var dateLayouts = []string{
	"2006-01-02",
	"02/01/2006",
	"2/1/2006",
	"02-01-2006",
	"Jan 2, 2006",
	"2 Jan 2006",
}

// ParseDate parses the date formats seen in gym exports. Slash dates are
// day-first. The wall-clock time is kept as written, in UTC.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			y, m, d := t.Date()
			return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), 0, time.UTC), nil
		}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("malformed date %q", s)
}

func parseClock(s string) (hour, minute int, err error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{"15:04", "15:04:05", "3:04PM", "3:04 PM", "3PM"} {
		if t, perr := time.Parse(layout, strings.ToUpper(s)); perr == nil {
			return t.Hour(), t.Minute(), nil
		}
	}
	return 0, 0, fmt.Errorf("malformed time %q", s)
}

func (r AttendanceRow) toRecord() (core.AttendanceRecord, string, error) {
	startsAt, err := ParseDate(r.Date)
	if err != nil {
		return core.AttendanceRecord{}, "date", err
	}
	if strings.TrimSpace(r.Time) != "" {
		h, m, err := parseClock(r.Time)
		if err != nil {
			return core.AttendanceRecord{}, "time", err
		}
		y, mo, d := startsAt.Date()
		startsAt = time.Date(y, mo, d, h, m, 0, 0, time.UTC)
	}
	return core.AttendanceRecord{
		Customer:          strings.TrimSpace(r.Customer),
		Email:             strings.TrimSpace(r.Email),
		StartsAt:          startsAt,
		ClassType:         strings.TrimSpace(r.ClassType),
		Venue:             strings.TrimSpace(r.Venue),
		Instructors:       matcher.SplitInstructors(r.Instructors),
		PrimaryInstructor: strings.TrimSpace(r.PrimaryInstructor),
		MembershipType:    strings.TrimSpace(r.MembershipType),
		BookingSource:     strings.TrimSpace(r.BookingSource),
		Status:            strings.TrimSpace(r.Status),
	}, "", nil
}

// DiscountLine is a negative invoice line whose memo names a discount. It
// reduces an accepted payment and is never revenue on its own.
type DiscountLine struct {
	Row           int        `json:"row"`
	InvoiceID     string     `json:"invoice_id"`
	Customer      string     `json:"customer"`
	Date          time.Time  `json:"date"`
	Memo          string     `json:"memo"`
	Amount        core.Money `json:"amount"` // positive
	InvoiceAmount core.Money `json:"invoice_amount"`

	// Period is the period of the invoice, where the discount applies.
	Period core.Period `json:"period"`
}

// isDiscountLine reports a negative amount on a row whose memo mentions a
// discount. Any other negative row is rejected.
func (r PaymentRow) isDiscountLine() bool {
	amount, err := core.ParseMoney(r.Amount)
	return err == nil && amount.IsNegative() && strings.Contains(core.Fold(r.Memo), "discount")
}

func (r PaymentRow) toRecord() (core.PaymentRecord, string, error) {
	date, err := ParseDate(r.Date)
	if err != nil {
		return core.PaymentRecord{}, "date", err
	}
	amount, err := core.ParseMoney(r.Amount)
	if err != nil {
		return core.PaymentRecord{}, "amount", fmt.Errorf("malformed amount %q", r.Amount)
	}
	if amount.IsNegative() {
		return core.PaymentRecord{}, "amount", fmt.Errorf("negative amount %s", amount)
	}
	return core.PaymentRecord{
		Date:           date,
		Customer:       strings.TrimSpace(r.Customer),
		Memo:           strings.TrimSpace(r.Memo),
		Amount:         amount.Round(),
		InvoiceID:      strings.TrimSpace(r.InvoiceID),
		MembershipType: strings.TrimSpace(r.MembershipType),
	}, "", nil
}
