// Package memory serves records, rules, discounts and coaches from CSV files
// in a directory and keeps published breakdowns in memory.
package memory

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"mfcpay/internal/core"
	"mfcpay/internal/discounts"
	"mfcpay/internal/records"
	ports "mfcpay/internal/sheets"
)

// File names looked up in the data directory.
const (
	AttendanceFile = "attendance.csv"
	PaymentsFile   = "payments.csv"
	RulesFile      = "rules.csv"
	DiscountsFile  = "discounts.csv"
	CoachesFile    = "coaches.csv"
)

var (
	_ ports.RecordSource    = (*Store)(nil)
	_ ports.RuleSource      = (*Store)(nil)
	_ ports.DiscountSource  = (*Store)(nil)
	_ ports.CoachSource     = (*Store)(nil)
	_ ports.BreakdownWriter = (*Store)(nil)
)

// Store reads from dir on every call, so edits to the files are picked up
// by the next import. A missing file reads as empty.
type Store struct {
	dir string

	mu         sync.Mutex
	breakdowns map[core.Period]core.PaymentBreakdown
	rows       map[core.Period][][]string
}

func New(dir string) *Store {
	return &Store{
		dir:        dir,
		breakdowns: make(map[core.Period]core.PaymentBreakdown),
		rows:       make(map[core.Period][][]string),
	}
}

func (s *Store) ReadAttendance(ctx context.Context) ([]records.AttendanceRow, error) {
	t, err := s.table(ctx, AttendanceFile)
	if err != nil {
		return nil, err
	}
	return ports.AttendanceRows(t), nil
}

func (s *Store) ReadPayments(ctx context.Context) ([]records.PaymentRow, error) {
	t, err := s.table(ctx, PaymentsFile)
	if err != nil {
		return nil, err
	}
	return ports.PaymentRows(t), nil
}

func (s *Store) ReadRules(ctx context.Context) ([]core.MembershipRule, error) {
	t, err := s.table(ctx, RulesFile)
	if err != nil {
		return nil, err
	}
	return ports.Rules(t)
}

func (s *Store) ReadDiscounts(ctx context.Context) ([]discounts.Discount, error) {
	t, err := s.table(ctx, DiscountsFile)
	if err != nil {
		return nil, err
	}
	return ports.Discounts(t)
}

func (s *Store) ReadCoaches(ctx context.Context) ([]core.Coach, error) {
	t, err := s.table(ctx, CoachesFile)
	if err != nil {
		return nil, err
	}
	return ports.Coaches(t)
}

// WriteBreakdown keeps the latest breakdown per period.
func (s *Store) WriteBreakdown(_ context.Context, b core.PaymentBreakdown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.breakdowns[b.Period] = b
	s.rows[b.Period] = ports.BreakdownRows(b)
	return nil
}

// Breakdown returns the last breakdown written for p.
func (s *Store) Breakdown(p core.Period) (core.PaymentBreakdown, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakdowns[p]
	return b, ok
}

// Rows returns the sheet rows of the last breakdown written for p.
func (s *Store) Rows(p core.Period) [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[p]
}

func (s *Store) table(ctx context.Context, name string) (ports.Table, error) {
	if err := ctx.Err(); err != nil {
		return ports.Table{}, err
	}
	if s.dir == "" {
		return ports.Table{}, nil
	}
	f, err := os.Open(filepath.Join(s.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return ports.Table{}, nil
	}
	if err != nil {
		return ports.Table{}, fmt.Errorf("open %s: %w", name, err)
	}
	defer f.Close()

	values, err := ReadCSV(f)
	if err != nil {
		return ports.Table{}, fmt.Errorf("read %s: %w", name, err)
	}
	return ports.NewTable(values), nil
}

// ReadCSV reads a CSV export. Rows may have differing field counts, a UTF-8
// byte order mark is dropped and lines starting with # are skipped.
func ReadCSV(r io.Reader) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true
	cr.Comment = '#'

	var out [][]string
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if len(out) == 0 && len(rec) > 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
		}
		out = append(out, rec)
	}
	return out, nil
}
