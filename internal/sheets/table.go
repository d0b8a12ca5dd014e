// Package sheets maps spreadsheet-shaped data (Google Sheets tabs or CSV
// exports) to the gym's records, rules, discounts and coaches, and back.
package sheets

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"mfcpay/internal/core"
	"mfcpay/internal/discounts"
	"mfcpay/internal/records"

	"github.com/shopspring/decimal"
)

// Table is a header row plus data rows. Columns are found by header name,
// case-insensitively, so column order in the source does not matter.
type Table struct {
	Header []string
	Rows   [][]string
}

// NewTable uses the first non-blank row as the header.
func NewTable(values [][]string) Table {
	for i, row := range values {
		if !blank(row) {
			return Table{Header: trimAll(row), Rows: values[i+1:]}
		}
	}
	return Table{}
}

func trimAll(row []string) []string {
	out := make([]string, len(row))
	for i, v := range row {
		out[i] = strings.TrimSpace(v)
	}
	return out
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// Column returns the index of the first header matching one of the aliases,
// or -1.
func (t Table) Column(aliases ...string) int {
	for _, alias := range aliases {
		if i := indexOf(t.Header, alias); i >= 0 {
			return i
		}
	}
	return -1
}

func indexOf(arr []string, target string) int {
	target = normalizeHeader(target)
	for i, v := range arr {
		if normalizeHeader(v) == target {
			return i
		}
	}
	return -1
}

// normalizeHeader folds case and treats spaces, dashes and underscores alike.
func normalizeHeader(s string) string {
	s = core.Fold(s)
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

func safeGet(arr []string, idx int) string {
	if idx < 0 || idx >= len(arr) {
		return ""
	}
	return strings.TrimSpace(arr[idx])
}

// Header aliases seen in gym exports and the rule sheets.
var (
	colCustomer       = []string{"Customer Name", "Customer", "Client"}
	colEmail          = []string{"Customer Email", "Email"}
	colStartsAt       = []string{"Event Starts At", "EventStartAt", "Event Start", "Date"}
	colTime           = []string{"Time", "Start Time"}
	colClassType      = []string{"Offering Type Name", "Class Type", "ClassType", "Class"}
	colVenue          = []string{"Venue Name", "Venue", "Location"}
	colInstructors    = []string{"Instructors", "Instructor", "Coach"}
	colPrimary        = []string{"Primary Instructor", "Lead Instructor"}
	colMembership     = []string{"Membership Name", "Membership", "MembershipName", "Membership Type"}
	colBookingSource  = []string{"Booking Source", "Booking Method"}
	colStatus         = []string{"Status"}
	colPaymentDate    = []string{"Date", "Payment Date"}
	colMemo           = []string{"Memo", "Description"}
	colAmount         = []string{"Amount", "Total"}
	colInvoice        = []string{"Invoice", "Invoice ID", "Invoice Number"}
	colRuleName       = []string{"package_name", "membership_name", "name", "rule_name", "rule"}
	colCategory       = []string{"category", "session_type"}
	colPrice          = []string{"price"}
	colSessions       = []string{"sessions", "sessions_per_pack"}
	colCoachPct       = []string{"coach_percentage", "coachPct"}
	colBGMPct         = []string{"bgm_percentage", "bgmPct"}
	colMgmtPct        = []string{"management_percentage", "mgmtPct"}
	colRetainedPct    = []string{"mfc_percentage", "retained_percentage", "mfcPct"}
	colPrivate        = []string{"is_private", "privateSession", "private"}
	colAllowDiscounts = []string{"allow_discounts", "allowDiscounts"}
	colTaxExempt      = []string{"tax_exempt", "taxExempt"}
	colActive         = []string{"active", "is_active"}
	colNotes          = []string{"notes"}
	colCode           = []string{"discount_code", "code"}
	colDiscountName   = []string{"name", "discount_name"}
	colDiscountPct    = []string{"applicable_percentage", "percentage", "discount_percentage"}
	colCoachPayType   = []string{"coach_payment_type"}
	colMatchType      = []string{"match_type"}
	colCoachID        = []string{"id", "coach_id"}
	colCoachName      = []string{"name", "coach", "coach_name"}
	colHourlyRate     = []string{"hourly_rate", "rate"}
)

// AttendanceRows maps an attendance export. Text is kept as-is; the record
// store validates it.
func AttendanceRows(t Table) []records.AttendanceRow {
	cust, email, starts := t.Column(colCustomer...), t.Column(colEmail...), t.Column(colStartsAt...)
	clock, class, venue := t.Column(colTime...), t.Column(colClassType...), t.Column(colVenue...)
	instr, primary, member := t.Column(colInstructors...), t.Column(colPrimary...), t.Column(colMembership...)
	booking, status := t.Column(colBookingSource...), t.Column(colStatus...)

	out := make([]records.AttendanceRow, 0, len(t.Rows))
	for _, row := range t.Rows {
		if blank(row) {
			continue
		}
		out = append(out, records.AttendanceRow{
			Customer:          safeGet(row, cust),
			Email:             safeGet(row, email),
			Date:              safeGet(row, starts),
			Time:              safeGet(row, clock),
			ClassType:         safeGet(row, class),
			Venue:             safeGet(row, venue),
			Instructors:       safeGet(row, instr),
			PrimaryInstructor: safeGet(row, primary),
			MembershipType:    safeGet(row, member),
			BookingSource:     safeGet(row, booking),
			Status:            safeGet(row, status),
		})
	}
	return out
}

// PaymentRows maps a payments export.
func PaymentRows(t Table) []records.PaymentRow {
	date, cust, memo := t.Column(colPaymentDate...), t.Column(colCustomer...), t.Column(colMemo...)
	amount, invoice, member := t.Column(colAmount...), t.Column(colInvoice...), t.Column(colMembership...)

	out := make([]records.PaymentRow, 0, len(t.Rows))
	for _, row := range t.Rows {
		if blank(row) {
			continue
		}
		out = append(out, records.PaymentRow{
			Date:           safeGet(row, date),
			Customer:       safeGet(row, cust),
			Memo:           safeGet(row, memo),
			Amount:         safeGet(row, amount),
			InvoiceID:      safeGet(row, invoice),
			MembershipType: safeGet(row, member),
		})
	}
	return out
}

// RowError reports a sheet row that could not be mapped. Row is the 1-based
// data row number.
type RowError struct {
	Sheet string
	Row   int
	Err   error
}

func (e RowError) Error() string { return fmt.Sprintf("%s row %d: %v", e.Sheet, e.Row, e.Err) }
func (e RowError) Unwrap() error { return e.Err }

// Rules maps a rule sheet. A missing retained percentage is filled with what
// the other three leave of 100.
func Rules(t Table) ([]core.MembershipRule, error) {
	name, cat, price, sessions := t.Column(colRuleName...), t.Column(colCategory...), t.Column(colPrice...), t.Column(colSessions...)
	coach, bgm, mgmt, retained := t.Column(colCoachPct...), t.Column(colBGMPct...), t.Column(colMgmtPct...), t.Column(colRetainedPct...)
	private, allow, tax, active, notes := t.Column(colPrivate...), t.Column(colAllowDiscounts...), t.Column(colTaxExempt...), t.Column(colActive...), t.Column(colNotes...)

	var out []core.MembershipRule
	var errs []error
	for i, row := range t.Rows {
		if blank(row) {
			continue
		}
		r, err := func() (core.MembershipRule, error) {
			r := core.MembershipRule{
				Name:          safeGet(row, name),
				IsPrivate:     parseBool(safeGet(row, private), false),
				AllowDiscount: parseBool(safeGet(row, allow), true),
				TaxExempt:     parseBool(safeGet(row, tax), false),
				Inactive:      !parseBool(safeGet(row, active), true),
				Notes:         safeGet(row, notes),
			}
			var err error
			if r.Category, err = ruleCategory(safeGet(row, cat), r); err != nil {
				return r, err
			}
			if r.Category == core.CategoryPrivate {
				r.IsPrivate = true
			}
			if s := safeGet(row, price); s != "" {
				if r.Price, err = core.ParseMoney(s); err != nil {
					return r, fmt.Errorf("price: %w", err)
				}
			}
			r.Sessions = 1
			if s := safeGet(row, sessions); s != "" {
				if r.Sessions, err = strconv.Atoi(s); err != nil {
					return r, fmt.Errorf("sessions: %w", err)
				}
			}
			pcts := []*core.Percent{&r.CoachPct, &r.BGMPct, &r.MgmtPct}
			for j, col := range []int{coach, bgm, mgmt} {
				if *pcts[j], err = core.NewPercent(safeGet(row, col)); err != nil {
					return r, err
				}
			}
			if s := safeGet(row, retained); s != "" {
				if r.RetainedPct, err = core.NewPercent(s); err != nil {
					return r, err
				}
			} else {
				rest := decimal.NewFromInt(100).Sub(r.CoachPct.Add(r.BGMPct).Add(r.MgmtPct).Decimal())
				r.RetainedPct = core.PercentFromDecimal(rest)
			}
			return r, nil
		}()
		if err != nil {
			errs = append(errs, RowError{Sheet: "rules", Row: i + 1, Err: err})
			continue
		}
		out = append(out, r)
	}
	return out, errors.Join(errs...)
}

func ruleCategory(s string, r core.MembershipRule) (core.Category, error) {
	if s == "" {
		if r.IsPrivate {
			return core.CategoryPrivate, nil
		}
		return core.ClassifySessionType(r.Name), nil
	}
	lower := core.Fold(s)
	switch {
	case strings.HasPrefix(lower, "priv"):
		return core.CategoryPrivate, nil
	case strings.HasPrefix(lower, "group"):
		return core.CategoryGroup, nil
	}
	return core.ParseCategory(s)
}

// Discounts maps a discount sheet.
func Discounts(t Table) ([]discounts.Discount, error) {
	code, name, pct := t.Column(colCode...), t.Column(colDiscountName...), t.Column(colDiscountPct...)
	payType, matchType, active, notes := t.Column(colCoachPayType...), t.Column(colMatchType...), t.Column(colActive...), t.Column(colNotes...)

	var out []discounts.Discount
	var errs []error
	for i, row := range t.Rows {
		if blank(row) {
			continue
		}
		d := discounts.Discount{
			Code:   safeGet(row, code),
			Name:   safeGet(row, name),
			Active: parseBool(safeGet(row, active), true),
			Notes:  safeGet(row, notes),
		}
		var err error
		if d.Percentage, err = core.NewPercent(safeGet(row, pct)); err == nil {
			if d.CoachPaymentType, err = discounts.ParseCoachPaymentType(safeGet(row, payType)); err == nil {
				mt := safeGet(row, matchType)
				if mt == "" {
					mt = string(discounts.MatchContains)
				}
				if d.MatchType, err = discounts.ParseMatchType(mt); err == nil {
					err = d.Validate()
				}
			}
		}
		if err != nil {
			errs = append(errs, RowError{Sheet: "discounts", Row: i + 1, Err: err})
			continue
		}
		out = append(out, d)
	}
	return out, errors.Join(errs...)
}

// Coaches maps a coach roster sheet.
func Coaches(t Table) ([]core.Coach, error) {
	id, name, rate, active := t.Column(colCoachID...), t.Column(colCoachName...), t.Column(colHourlyRate...), t.Column(colActive...)

	var out []core.Coach
	var errs []error
	for i, row := range t.Rows {
		if blank(row) {
			continue
		}
		c := core.Coach{
			ID:     safeGet(row, id),
			Name:   safeGet(row, name),
			Active: parseBool(safeGet(row, active), true),
		}
		var err error
		if s := safeGet(row, rate); s != "" {
			c.HourlyRate, err = core.ParseMoney(s)
		}
		if err == nil {
			err = c.Validate()
		}
		if err != nil {
			errs = append(errs, RowError{Sheet: "coaches", Row: i + 1, Err: err})
			continue
		}
		out = append(out, c)
	}
	return out, errors.Join(errs...)
}

func parseBool(s string, def bool) bool {
	switch core.Fold(s) {
	case "true", "1", "yes", "y", "x":
		return true
	case "false", "0", "no", "n":
		return false
	}
	return def
}

// BreakdownHeader is the header row written by BreakdownRows.
var BreakdownHeader = []string{"Period", "Party", "Name", "Source", "Amount", "Credit", "Note"}

// BreakdownRows flattens a breakdown into sheet rows: one per coach, one per
// party line, then one per exception and rule fault.
func BreakdownRows(b core.PaymentBreakdown) [][]string {
	period := b.Period.String()
	rows := [][]string{BreakdownHeader}
	rows = append(rows, []string{period, "gross", "", "", b.Gross.String(), "", ""})
	for _, c := range b.Coaches {
		rows = append(rows, []string{period, "coach", c.Coach, "", c.Amount.String(), c.Credit.StringFixed(2), c.CoachID})
	}
	parties := []struct {
		name  string
		total core.PartyTotal
	}{
		{"unattributed", b.Unattributed},
		{"bgm", b.BGM},
		{"management", b.Management},
		{"retained", b.Retained},
	}
	for _, p := range parties {
		for _, l := range p.total.Lines {
			rows = append(rows, []string{period, p.name, "", string(l.Source), l.Amount.String(), "", ""})
		}
		rows = append(rows, []string{period, p.name, "", "total", p.total.Total.String(), "", ""})
	}
	for _, e := range b.Exceptions {
		rows = append(rows, []string{period, "exception", e.Ref, string(e.Kind), e.Amount.String(), "", e.Reason})
	}
	for _, f := range b.Faults {
		rows = append(rows, []string{period, "fault", f.Rule, "", "", "", f.Reason + ": " + strings.Join(f.Invoices, " ")})
	}
	return rows
}
