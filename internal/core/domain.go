package core

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/text/cases"
)

const (
	CategoryGroup   Category = "group"
	CategoryPrivate Category = "private"
)

const (
	TargetPayment    TargetKind = "payment"
	TargetAttendance TargetKind = "attendance"
)

const (
	IssueFreeSession IssueType = "free-session"
	IssueRefund      IssueType = "refund"
	IssueDiscount    IssueType = "discount"
)

const (
	StatusPending  OverrideStatus = "pending"
	StatusApproved OverrideStatus = "approved"
	StatusRejected OverrideStatus = "rejected"
)

type (
	// Category is the rule category; it also names the revenue source.
	Category string

	// RevenueSource partitions matched revenue for the BGM and management views.
	RevenueSource string

	TargetKind     string
	IssueType      string
	OverrideStatus string

	AttendanceRecord struct {
		Customer          string    `json:"customer"`
		Email             string    `json:"email,omitempty"`
		StartsAt          time.Time `json:"starts_at"`
		ClassType         string    `json:"class_type"`
		Venue             string    `json:"venue,omitempty"`
		Instructors       []string  `json:"instructors"`
		PrimaryInstructor string    `json:"primary_instructor,omitempty"`
		MembershipType    string    `json:"membership_type"`
		BookingSource     string    `json:"booking_source,omitempty"`
		Status            string    `json:"status,omitempty"`
	}

	PaymentRecord struct {
		Date           time.Time `json:"date"`
		Customer       string    `json:"customer"`
		Memo           string    `json:"memo"`
		Amount         Money     `json:"amount"`
		InvoiceID      string    `json:"invoice_id"`
		MembershipType string    `json:"membership_type,omitempty"` // optional; Memo is used when empty
	}

	MembershipRule struct {
		Name          string   `json:"name"`
		Category      Category `json:"category"`
		Price         Money    `json:"price"`
		Sessions      int      `json:"sessions"`
		CoachPct      Percent  `json:"coach_pct"`
		BGMPct        Percent  `json:"bgm_pct"`
		MgmtPct       Percent  `json:"mgmt_pct"`
		RetainedPct   Percent  `json:"retained_pct"`
		IsPrivate     bool     `json:"is_private"`
		AllowDiscount bool     `json:"allow_discount"`
		TaxExempt     bool     `json:"tax_exempt"`
		Inactive      bool     `json:"inactive"`
		Notes         string   `json:"notes,omitempty"`
	}

	Coach struct {
		ID         string `json:"id"`
		Name       string `json:"name"`
		HourlyRate Money  `json:"hourly_rate"`
		Active     bool   `json:"active"`
	}

	// Override is a staff adjustment to one record's effective amount.
	Override struct {
		ID         string         `json:"id"`
		Target     TargetKind     `json:"target"`
		RecordRef  string         `json:"record_ref"` // invoice id or attendance key
		Period     Period         `json:"period"`
		IssueType  IssueType      `json:"issue_type"`
		Original   Money          `json:"original_amount"`
		Amount     Money          `json:"override_amount"`
		Reason     string         `json:"reason"`
		Status     OverrideStatus `json:"status"`
		RecordedAt time.Time      `json:"recorded_at"`
		DecidedAt  time.Time      `json:"decided_at,omitempty"`
	}
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidPercent  = errors.New("invalid percentage")
	ErrInvalidPeriod   = errors.New("invalid period")
	ErrInvalidCategory = errors.New("invalid category")
	ErrEmptyName       = errors.New("empty name")
	ErrEmptyReference  = errors.New("empty record reference")
	ErrInvalidTarget   = errors.New("invalid override target")
	ErrInvalidIssue    = errors.New("invalid issue type")

	// ErrNoRuleForRecord marks a payment that could not be matched to a rule.
	ErrNoRuleForRecord = errors.New("no rule for record")
	// ErrSplitOverrun marks a rule whose shares exceed the amount they split.
	ErrSplitOverrun = errors.New("split overrun")
)

// Fold returns the case-insensitive comparison key of a label.
func Fold(s string) string {
	return cases.Fold().String(strings.TrimSpace(s))
}

func (c Category) IsValid() bool {
	return c == CategoryGroup || c == CategoryPrivate
}

// ParseCategory accepts the category names used in rule sheets.
func ParseCategory(s string) (Category, error) {
	switch Fold(s) {
	case "group", "group classes", "":
		return CategoryGroup, nil
	case "private", "private sessions", "1 to 1", "1-to-1":
		return CategoryPrivate, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCategory, s)
}

// ClassifySessionType infers the category from a class or membership name.
func ClassifySessionType(text string) Category {
	t := Fold(text)
	for _, marker := range []string{"private", "1 to 1", "1-to-1", "one to one"} {
		if strings.Contains(t, marker) {
			return CategoryPrivate
		}
	}
	return CategoryGroup
}

func (r MembershipRule) RevenueSource() RevenueSource {
	return RevenueSource(r.Category)
}

// PercentTotal sums the four split percentages.
func (r MembershipRule) PercentTotal() Percent {
	return r.CoachPct.Add(r.BGMPct).Add(r.MgmtPct).Add(r.RetainedPct)
}

// UnitPrice is the price of a single session of the membership.
func (r MembershipRule) UnitPrice() Money {
	if r.Sessions <= 1 {
		return r.Price
	}
	return MoneyFromDecimal(r.Price.Decimal().DivRound(decimal.NewFromInt(int64(r.Sessions)), 2))
}

// Validate checks the fields of a rule except the percentage split, which
// the rule catalog checks against its tolerance.
func (r MembershipRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return ErrEmptyName
	}
	if !r.Category.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidCategory, r.Category)
	}
	if r.Price.IsNegative() {
		return fmt.Errorf("price: %w", ErrInvalidAmount)
	}
	if r.Sessions < 1 {
		return errors.New("sessions must be at least 1")
	}
	return nil
}

// Key identifies an attendance record for de-duplication.
func (a AttendanceRecord) Key() string {
	return strings.Join([]string{
		Fold(a.Customer),
		a.StartsAt.Format("2006-01-02"),
		a.StartsAt.Format("15:04"),
		Fold(a.ClassType),
	}, "|")
}

// Date returns the calendar day of the session.
func (a AttendanceRecord) Date() time.Time {
	y, m, d := a.StartsAt.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Cancelled reports whether the booking status marks a session that did not run.
func (a AttendanceRecord) Cancelled() bool {
	return strings.Contains(Fold(a.Status), "cancel")
}

func (a AttendanceRecord) Validate() error {
	if strings.TrimSpace(a.Customer) == "" {
		return errors.New("empty customer")
	}
	if a.StartsAt.IsZero() {
		return errors.New("date cannot be zero")
	}
	if strings.TrimSpace(a.ClassType) == "" {
		return errors.New("empty class type")
	}
	return nil
}

// MembershipLabel is the label used for rule resolution: the explicit
// membership type when present, otherwise the memo text.
func (p PaymentRecord) MembershipLabel() string {
	if l := strings.TrimSpace(p.MembershipType); l != "" {
		return l
	}
	return strings.TrimSpace(p.Memo)
}

func (p PaymentRecord) Validate() error {
	if strings.TrimSpace(p.InvoiceID) == "" {
		return errors.New("empty invoice id")
	}
	if strings.TrimSpace(p.Customer) == "" {
		return errors.New("empty customer")
	}
	if p.Date.IsZero() {
		return errors.New("date cannot be zero")
	}
	if p.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}

func (k TargetKind) IsValid() bool {
	return k == TargetPayment || k == TargetAttendance
}

func (t IssueType) IsValid() bool {
	switch t {
	case IssueFreeSession, IssueRefund, IssueDiscount:
		return true
	}
	return false
}

// IsOpen reports whether the status still blocks a new override for the same record.
func (s OverrideStatus) IsOpen() bool {
	return s == StatusPending || s == StatusApproved
}

func (o Override) Validate() error {
	if !o.Target.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, o.Target)
	}
	if strings.TrimSpace(o.RecordRef) == "" {
		return ErrEmptyReference
	}
	if err := o.Period.Validate(); err != nil {
		return err
	}
	if !o.IssueType.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidIssue, o.IssueType)
	}
	if o.Original.IsNegative() || o.Amount.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}

func (c Coach) Validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return ErrEmptyName
	}
	if c.HourlyRate.IsNegative() {
		return ErrInvalidAmount
	}
	return nil
}
