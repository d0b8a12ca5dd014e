package records

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"mfcpay/internal/core"
)

func attendanceRow(customer, date, class string) AttendanceRow {
	return AttendanceRow{
		Customer:       customer,
		Email:          strings.ToLower(strings.ReplaceAll(customer, " ", ".")) + "@example.com",
		Date:           date,
		Time:           "18:00",
		ClassType:      class,
		Venue:          "Main Hall",
		Instructors:    "Alice, Bob",
		MembershipType: "Drop-in",
		Status:         "Attended",
	}
}

func paymentRow(invoice, date, customer, amount string) PaymentRow {
	return PaymentRow{Date: date, Customer: customer, Memo: "Drop-in", Amount: amount, InvoiceID: invoice}
}

func TestLoadPartial(t *testing.T) {
	s := NewStore()
	report := s.Load(
		[]AttendanceRow{
			attendanceRow("Jane Doe", "2025-01-06", "Adult BJJ"),
			attendanceRow("John Roe", "not a date", "Adult BJJ"),
			attendanceRow("Jane Doe", "2025-01-06", "adult bjj"), // duplicate key
			{Customer: "Missing Class", Date: "2025-01-07"},
			func() AttendanceRow {
				r := attendanceRow("Bad Email", "2025-01-08", "Kids")
				r.Email = "nope"
				return r
			}(),
		},
		[]PaymentRow{
			paymentRow("INV-1", "2025-01-02", "Jane Doe", "15.00"),
			paymentRow("INV-1", "2025-01-03", "John Roe", "15.00"), // duplicate invoice
			paymentRow("INV-2", "31/02/2025", "John Roe", "15.00"), // impossible date
			paymentRow("INV-3", "2025-01-03", "John Roe", "-4"),
			paymentRow("INV-4", "2025-01-03", "John Roe", "abc"),
			paymentRow("", "2025-01-03", "John Roe", "10"),
			paymentRow("INV-5", "05/01/2025", "Ann Poe", "€112.20"),
		},
	)

	if report.AttendanceAccepted != 1 || report.PaymentsAccepted != 2 {
		t.Fatalf("accepted %d/%d, want 1/2: %+v", report.AttendanceAccepted, report.PaymentsAccepted, report.Errors)
	}
	if len(report.Errors) != 9 {
		t.Fatalf("expected 9 row errors, got %d: %v", len(report.Errors), report.Err())
	}
	if report.OK() || report.Err() == nil {
		t.Fatalf("report must carry errors")
	}

	wantFields := map[string]string{
		"attendance:2": "date",
		"attendance:4": "class_type",
		"attendance:5": "email",
		"payment:2":    "invoice_id",
		"payment:3":    "date",
		"payment:4":    "amount",
		"payment:5":    "amount",
		"payment:6":    "invoice_id",
	}
	for _, e := range report.Errors {
		key := e.Kind + ":" + strconv.Itoa(e.Row)
		if want, ok := wantFields[key]; ok && e.Field != want {
			t.Errorf("%s: field %q, want %q (%s)", key, e.Field, want, e.Message)
		}
	}

	a, p := s.Counts()
	if a != 1 || p != 2 {
		t.Fatalf("stored %d/%d", a, p)
	}
	pay, ok := s.Payment("INV-5")
	if !ok || pay.Amount.String() != "112.20" || pay.Date.Day() != 5 || pay.Date.Month() != time.January {
		t.Fatalf("day-first date or amount parsed wrong: %+v", pay)
	}
}

func TestLoadRejectsInvoiceAlreadyStored(t *testing.T) {
	s := NewStore()
	s.Load(nil, []PaymentRow{paymentRow("INV-1", "2025-01-02", "Jane", "15")})
	report := s.Load(nil, []PaymentRow{paymentRow("INV-1", "2025-02-02", "Jane", "15")})
	if report.PaymentsAccepted != 0 || len(report.Errors) != 1 {
		t.Fatalf("expected duplicate rejection, got %+v", report)
	}
	if report.Errors[0].Message != "duplicate invoice id" {
		t.Fatalf("unexpected message %q", report.Errors[0].Message)
	}
}

func TestLoadRejectsBlankText(t *testing.T) {
	s := NewStore()
	report := s.Load(
		[]AttendanceRow{
			{Customer: "   ", Date: "2025-01-06", ClassType: "Adult BJJ"},
			attendanceRow("Jane Doe", "2025-01-06", "  "),
		},
		[]PaymentRow{
			{Customer: "   ", InvoiceID: "   ", Amount: "15", Date: "2025-01-06"},
			paymentRow("INV-1", "2025-01-06", "\t", "15"),
		},
	)
	if report.AttendanceAccepted != 0 || report.PaymentsAccepted != 0 {
		t.Fatalf("blank rows accepted: %+v", report)
	}
	want := []string{"empty customer", "empty class type", "empty invoice id", "empty customer"}
	if len(report.Errors) != len(want) {
		t.Fatalf("expected %d row errors, got %v", len(want), report.Err())
	}
	for i, e := range report.Errors {
		if e.Message != want[i] {
			t.Errorf("error %d: %q, want %q", i, e.Message, want[i])
		}
	}
	if a, p := s.Counts(); a != 0 || p != 0 {
		t.Fatalf("stored %d/%d", a, p)
	}
}

func TestLoadDiscountLines(t *testing.T) {
	s := NewStore()
	s.Load(nil, []PaymentRow{paymentRow("INV-1", "2025-01-02", "Jane Doe", "112.20")})

	report := s.Load(nil, []PaymentRow{
		{Date: "2025-01-02", Customer: "jane doe", Memo: "Discount: family", Amount: "-12.20", InvoiceID: "INV-1"},
		{Date: "2025-01-05", Customer: "John Roe", Memo: "DISCOUNT", Amount: "-5", InvoiceID: "INV-2"},
		paymentRow("INV-2", "2025-01-05", "John Roe", "15"),
		{Date: "2025-01-05", Customer: "John Roe", Memo: "discount", Amount: "-11", InvoiceID: "INV-2"},
		{Date: "2025-01-05", Customer: "Ann Poe", Memo: "discount", Amount: "-1", InvoiceID: "INV-404"},
		{Date: "2025-01-05", Customer: "Ann Poe", Memo: "discount", Amount: "-1", InvoiceID: "INV-1"},
		{Date: "2025-01-05", Customer: "John Roe", Memo: "refund", Amount: "-5", InvoiceID: "INV-3"},
	})

	if report.PaymentsAccepted != 1 || len(report.DiscountLines) != 2 {
		t.Fatalf("accepted %d payments and %d discount lines: %v", report.PaymentsAccepted, len(report.DiscountLines), report.Err())
	}
	first, second := report.DiscountLines[0], report.DiscountLines[1]
	if first.InvoiceID != "INV-1" || first.Amount.String() != "12.20" || first.InvoiceAmount.String() != "112.20" || first.Customer != "Jane Doe" {
		t.Errorf("unexpected line %+v", first)
	}
	if second.InvoiceID != "INV-2" || second.Amount.String() != "5.00" || second.Row != 2 || second.Period != core.NewPeriod(2025, 1) {
		t.Errorf("line for an invoice of the same batch: %+v", second)
	}

	wantFields := map[int]string{
		4: "amount",
		5: "invoice_id",
		6: "customer",
		7: "amount",
	}
	if len(report.Errors) != len(wantFields) {
		t.Fatalf("expected %d row errors, got %v", len(wantFields), report.Err())
	}
	for _, e := range report.Errors {
		if want := wantFields[e.Row]; e.Field != want {
			t.Errorf("row %d: field %q, want %q (%s)", e.Row, e.Field, want, e.Message)
		}
	}
	if _, p := s.Counts(); p != 2 {
		t.Fatalf("discount lines must not be stored as payments, %d payments", p)
	}
}

func TestRecordsForPeriodOrdering(t *testing.T) {
	s := NewStore()
	s.Load(
		[]AttendanceRow{
			attendanceRow("zoe", "2025-01-10", "Adult BJJ"),
			attendanceRow("Adam", "2025-01-10", "Adult BJJ"),
			attendanceRow("Mia", "2025-01-03", "Adult BJJ"),
			attendanceRow("Mia", "2025-02-01", "Adult BJJ"),
		},
		[]PaymentRow{
			paymentRow("INV-3", "2025-01-10", "Zoe", "15"),
			paymentRow("INV-2", "2025-01-10", "adam", "15"),
			paymentRow("INV-1", "2025-01-11", "Adam", "15"),
			paymentRow("INV-9", "2024-12-31", "Adam", "15"),
		},
	)
	att, pays := s.RecordsForPeriod(core.NewPeriod(2025, 1))
	gotAtt := []string{}
	for _, a := range att {
		gotAtt = append(gotAtt, a.Customer)
	}
	if strings.Join(gotAtt, ",") != "Mia,Adam,zoe" {
		t.Errorf("attendance order %v", gotAtt)
	}
	gotPay := []string{}
	for _, p := range pays {
		gotPay = append(gotPay, p.InvoiceID)
	}
	if strings.Join(gotPay, ",") != "INV-2,INV-3,INV-1" {
		t.Errorf("payment order %v", gotPay)
	}

	periods := s.Periods()
	if len(periods) != 3 || periods[0] != core.NewPeriod(2024, 12) || periods[2] != core.NewPeriod(2025, 2) {
		t.Errorf("periods %v", periods)
	}
}

func TestRecordsAreCopies(t *testing.T) {
	s := NewStore()
	s.Load([]AttendanceRow{attendanceRow("Jane", "2025-01-06", "Adult BJJ")}, nil)
	att, _ := s.RecordsForPeriod(core.NewPeriod(2025, 1))
	att[0].Instructors[0] = "Mallory"
	again, _ := s.RecordsForPeriod(core.NewPeriod(2025, 1))
	if again[0].Instructors[0] != "Alice" {
		t.Fatalf("stored record was mutated through a query result")
	}
}

func TestParseDate(t *testing.T) {
	cases := []struct {
		in   string
		want time.Time
	}{
		{"2025-01-06", time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)},
		{"2025-01-06 18:30", time.Date(2025, 1, 6, 18, 30, 0, 0, time.UTC)},
		{"2025-01-06T18:30:00Z", time.Date(2025, 1, 6, 18, 30, 0, 0, time.UTC)},
		{"06/01/2025", time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)},
		{"6/1/2025", time.Date(2025, 1, 6, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, err := ParseDate(tc.in)
		if err != nil || !got.Equal(tc.want) {
			t.Errorf("ParseDate(%q) = %v, %v want %v", tc.in, got, err, tc.want)
		}
	}
	if _, err := ParseDate("2025-13-40"); err == nil {
		t.Errorf("expected error for invalid date")
	}
}

func TestAddSkipsDuplicates(t *testing.T) {
	s := NewStore()
	rec := core.PaymentRecord{Date: time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC), Customer: "Jane", Amount: core.MustMoney("15"), InvoiceID: "INV-1"}
	report := s.Add(nil, []core.PaymentRecord{rec, rec})
	if report.PaymentsAccepted != 1 || len(report.Errors) != 1 {
		t.Fatalf("unexpected report %+v", report)
	}
	s.Reset()
	if a, p := s.Counts(); a != 0 || p != 0 {
		t.Fatalf("reset left %d/%d records", a, p)
	}
}
