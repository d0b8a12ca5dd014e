// Package google reads gym data from, and publishes breakdowns to, a Google
// Sheets spreadsheet.
package google

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"mfcpay/internal/core"
	"mfcpay/internal/discounts"
	"mfcpay/internal/log"
	"mfcpay/internal/records"
	ports "mfcpay/internal/sheets"

	goption "google.golang.org/api/option"
	gsheet "google.golang.org/api/sheets/v4"
)

// Tabs names the spreadsheet tabs. Breakdown is a base name; each period is
// written to "<Breakdown> <YYYY-MM>".
type Tabs struct {
	Attendance string
	Payments   string
	Rules      string
	Discounts  string
	Coaches    string
	Breakdown  string
}

func DefaultTabs() Tabs {
	return Tabs{
		Attendance: "attendance",
		Payments:   "Payments",
		Rules:      "rules",
		Discounts:  "discounts",
		Coaches:    "coaches",
		Breakdown:  "Breakdown",
	}
}

type Client struct {
	svc           *gsheet.Service
	spreadsheetID string
	tabs          Tabs
	logger        *log.Logger
}

// Ensure interface conformance
var (
	_ ports.RecordSource    = (*Client)(nil)
	_ ports.RuleSource      = (*Client)(nil)
	_ ports.DiscountSource  = (*Client)(nil)
	_ ports.CoachSource     = (*Client)(nil)
	_ ports.BreakdownWriter = (*Client)(nil)
)

// New creates a client authenticated with service account credentials.
func New(ctx context.Context, spreadsheetID string, tabs Tabs, logger *log.Logger) (*Client, error) {
	if strings.TrimSpace(spreadsheetID) == "" {
		return nil, errors.New("missing GOOGLE_SPREADSHEET_ID")
	}
	svc, err := newSheetsService(ctx)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return NewWithService(svc, spreadsheetID, tabs, logger), nil
}

// NewWithService wraps an existing Sheets service.
func NewWithService(svc *gsheet.Service, spreadsheetID string, tabs Tabs, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.NewDiscard()
	}
	return &Client{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		tabs:          withDefaults(tabs),
		logger:        logger.WithComponent(log.ComponentSheets),
	}
}

func withDefaults(t Tabs) Tabs {
	d := DefaultTabs()
	pick := func(v, def string) string {
		if strings.TrimSpace(v) == "" {
			return def
		}
		return strings.TrimSpace(v)
	}
	return Tabs{
		Attendance: pick(t.Attendance, d.Attendance),
		Payments:   pick(t.Payments, d.Payments),
		Rules:      pick(t.Rules, d.Rules),
		Discounts:  pick(t.Discounts, d.Discounts),
		Coaches:    pick(t.Coaches, d.Coaches),
		Breakdown:  pick(t.Breakdown, d.Breakdown),
	}
}

// newSheetsService initializes a Sheets Service using Service Account credentials.
// Uses GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS.
func newSheetsService(ctx context.Context) (*gsheet.Service, error) {
	credentialsJSON, err := serviceAccountCredentials()
	if err != nil {
		return nil, err
	}
	service, err := gsheet.NewService(ctx,
		goption.WithCredentialsJSON(credentialsJSON),
		goption.WithScopes(gsheet.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return service, nil
}

func serviceAccountCredentials() ([]byte, error) {
	if inline := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_JSON")); inline != "" {
		return []byte(inline), nil
	}
	path := strings.TrimSpace(os.Getenv("GOOGLE_SERVICE_ACCOUNT_FILE"))
	if path == "" {
		path = strings.TrimSpace(os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"))
	}
	if path == "" {
		return nil, errors.New("missing service account credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE, or GOOGLE_APPLICATION_CREDENTIALS)")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service account file: %w", err)
	}
	return data, nil
}

func (c *Client) readTable(ctx context.Context, tab string) (ports.Table, error) {
	if c.svc == nil {
		return ports.Table{}, errors.New("sheets service not initialized")
	}
	rng := fmt.Sprintf("%s!A:Z", tab)
	resp, err := c.svc.Spreadsheets.Values.Get(c.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return ports.Table{}, fmt.Errorf("read %s: %w", rng, err)
	}
	values := make([][]string, len(resp.Values))
	for i, row := range resp.Values {
		values[i] = toStrings(row)
	}
	c.logger.DebugContext(ctx, "Read sheet", "tab", tab, "rows", len(values))
	return ports.NewTable(values), nil
}

func (c *Client) ReadAttendance(ctx context.Context) ([]records.AttendanceRow, error) {
	t, err := c.readTable(ctx, c.tabs.Attendance)
	if err != nil {
		return nil, err
	}
	return ports.AttendanceRows(t), nil
}

func (c *Client) ReadPayments(ctx context.Context) ([]records.PaymentRow, error) {
	t, err := c.readTable(ctx, c.tabs.Payments)
	if err != nil {
		return nil, err
	}
	return ports.PaymentRows(t), nil
}

func (c *Client) ReadRules(ctx context.Context) ([]core.MembershipRule, error) {
	t, err := c.readTable(ctx, c.tabs.Rules)
	if err != nil {
		return nil, err
	}
	return ports.Rules(t)
}

func (c *Client) ReadDiscounts(ctx context.Context) ([]discounts.Discount, error) {
	t, err := c.readTable(ctx, c.tabs.Discounts)
	if err != nil {
		return nil, err
	}
	return ports.Discounts(t)
}

func (c *Client) ReadCoaches(ctx context.Context) ([]core.Coach, error) {
	t, err := c.readTable(ctx, c.tabs.Coaches)
	if err != nil {
		return nil, err
	}
	return ports.Coaches(t)
}

// WriteBreakdown replaces the period's breakdown tab, creating it if needed.
func (c *Client) WriteBreakdown(ctx context.Context, b core.PaymentBreakdown) error {
	if c.svc == nil {
		return errors.New("sheets service not initialized")
	}
	tab := periodTabName(c.tabs.Breakdown, b.Period)
	if err := c.ensureTab(ctx, tab); err != nil {
		return err
	}

	if _, err := c.svc.Spreadsheets.Values.Clear(c.spreadsheetID, tab, &gsheet.ClearValuesRequest{}).
		Context(ctx).Do(); err != nil {
		return fmt.Errorf("clear %s: %w", tab, err)
	}

	rows := ports.BreakdownRows(b)
	values := make([][]any, len(rows))
	for i, row := range rows {
		values[i] = make([]any, len(row))
		for j, v := range row {
			values[i][j] = v
		}
	}
	rng := fmt.Sprintf("%s!A1", tab)
	if _, err := c.svc.Spreadsheets.Values.Update(c.spreadsheetID, rng, &gsheet.ValueRange{Values: values}).
		ValueInputOption("RAW").Context(ctx).Do(); err != nil {
		return fmt.Errorf("write %s: %w", tab, err)
	}
	c.logger.InfoContext(ctx, "Breakdown published", log.FieldPeriod, b.Period.String(), "tab", tab, "rows", len(rows))
	return nil
}

func (c *Client) ensureTab(ctx context.Context, title string) error {
	ss, err := c.svc.Spreadsheets.Get(c.spreadsheetID).Fields("sheets.properties.title").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("list tabs: %w", err)
	}
	for _, s := range ss.Sheets {
		if s.Properties != nil && s.Properties.Title == title {
			return nil
		}
	}
	req := &gsheet.BatchUpdateSpreadsheetRequest{Requests: []*gsheet.Request{{
		AddSheet: &gsheet.AddSheetRequest{Properties: &gsheet.SheetProperties{Title: title}},
	}}}
	if _, err := c.svc.Spreadsheets.BatchUpdate(c.spreadsheetID, req).Context(ctx).Do(); err != nil {
		return fmt.Errorf("add tab %s: %w", title, err)
	}
	return nil
}

// periodTabName returns "<base> <YYYY-MM>".
func periodTabName(base string, p core.Period) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return p.String()
	}
	return fmt.Sprintf("%s %s", base, p)
}

func toStrings(in []interface{}) []string {
	out := make([]string, len(in))
	for i, v := range in {
		out[i] = strings.TrimSpace(fmt.Sprint(v))
	}
	return out
}
