// Package storage persists rules, records, overrides, discounts and the coach
// roster in SQLite.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"mfcpay/internal/core"
	"mfcpay/internal/discounts"
	"mfcpay/internal/log"

	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

type SQLiteRepository struct {
	db     *sql.DB
	logger *log.Logger
}

func NewSQLiteRepository(dbPath string, logger *log.Logger) (*SQLiteRepository, error) {
	if logger == nil {
		logger = log.NewDiscard()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// One writer; SQLite serializes writes anyway.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	version, err := RunMigrations(dbPath)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	repo := &SQLiteRepository{db: db, logger: logger.WithComponent(log.ComponentStorage)}
	repo.logger.Info("SQLite repository ready", "db_path", dbPath, "schema_version", version)
	return repo, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Ping checks the database connection.
func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

func (r *SQLiteRepository) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// SaveRule inserts or replaces a rule by name.
func (r *SQLiteRepository) SaveRule(ctx context.Context, rule core.MembershipRule) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO membership_rules (name, category, price, sessions, coach_pct, bgm_pct, mgmt_pct,
			retained_pct, is_private, allow_discount, tax_exempt, inactive, notes, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			category = excluded.category, price = excluded.price, sessions = excluded.sessions,
			coach_pct = excluded.coach_pct, bgm_pct = excluded.bgm_pct, mgmt_pct = excluded.mgmt_pct,
			retained_pct = excluded.retained_pct, is_private = excluded.is_private,
			allow_discount = excluded.allow_discount, tax_exempt = excluded.tax_exempt,
			inactive = excluded.inactive, notes = excluded.notes, updated_at = excluded.updated_at`,
		rule.Name, string(rule.Category), rule.Price.String(), rule.Sessions,
		rule.CoachPct.String(), rule.BGMPct.String(), rule.MgmtPct.String(), rule.RetainedPct.String(),
		boolInt(rule.IsPrivate), boolInt(rule.AllowDiscount), boolInt(rule.TaxExempt), boolInt(rule.Inactive),
		rule.Notes, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save rule %q: %w", rule.Name, err)
	}
	r.logger.DebugContext(ctx, "Rule saved", log.FieldRule, rule.Name)
	return nil
}

func (r *SQLiteRepository) DeleteRule(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM membership_rules WHERE name = ?`, name); err != nil {
		return fmt.Errorf("delete rule %q: %w", name, err)
	}
	return nil
}

func (r *SQLiteRepository) ListRules(ctx context.Context) ([]core.MembershipRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT name, category, price, sessions, coach_pct, bgm_pct, mgmt_pct, retained_pct,
			is_private, allow_discount, tax_exempt, inactive, notes
		FROM membership_rules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []core.MembershipRule
	for rows.Next() {
		var (
			rule                                  core.MembershipRule
			category, price                       string
			coach, bgm, mgmt, retained            string
			private, allowDiscount, tax, inactive int
		)
		if err := rows.Scan(&rule.Name, &category, &price, &rule.Sessions, &coach, &bgm, &mgmt, &retained,
			&private, &allowDiscount, &tax, &inactive, &rule.Notes); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.Category = core.Category(category)
		if rule.Price, err = core.ParseMoney(price); err != nil {
			return nil, fmt.Errorf("rule %q price: %w", rule.Name, err)
		}
		pcts := []struct {
			dst *core.Percent
			src string
		}{{&rule.CoachPct, coach}, {&rule.BGMPct, bgm}, {&rule.MgmtPct, mgmt}, {&rule.RetainedPct, retained}}
		for _, p := range pcts {
			if *p.dst, err = core.NewPercent(p.src); err != nil {
				return nil, fmt.Errorf("rule %q percentage: %w", rule.Name, err)
			}
		}
		rule.IsPrivate = private != 0
		rule.AllowDiscount = allowDiscount != 0
		rule.TaxExempt = tax != 0
		rule.Inactive = inactive != 0
		out = append(out, rule)
	}
	return out, rows.Err()
}

// SaveAttendance stores new attendance records. Records already stored
// under the same key are left unchanged.
func (r *SQLiteRepository) SaveAttendance(ctx context.Context, list []core.AttendanceRecord) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO attendance_records (record_key, customer, email, starts_at, class_type, venue,
				instructors, primary_instructor, membership_type, booking_source, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(record_key) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare attendance insert: %w", err)
		}
		defer stmt.Close()
		for _, a := range list {
			instructors, err := json.Marshal(a.Instructors)
			if err != nil {
				return fmt.Errorf("encode instructors: %w", err)
			}
			if _, err := stmt.ExecContext(ctx, a.Key(), a.Customer, a.Email, formatTime(a.StartsAt), a.ClassType,
				a.Venue, string(instructors), a.PrimaryInstructor, a.MembershipType, a.BookingSource, a.Status); err != nil {
				return fmt.Errorf("insert attendance %s: %w", a.Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "Attendance saved", "count", len(list))
	return nil
}

// SavePayments stores new payments. An invoice already stored is left
// unchanged.
func (r *SQLiteRepository) SavePayments(ctx context.Context, list []core.PaymentRecord) error {
	err := r.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO payment_records (invoice_id, paid_on, customer, memo, amount, membership_type)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(invoice_id) DO NOTHING`)
		if err != nil {
			return fmt.Errorf("prepare payment insert: %w", err)
		}
		defer stmt.Close()
		for _, p := range list {
			if _, err := stmt.ExecContext(ctx, p.InvoiceID, formatTime(p.Date), p.Customer, p.Memo,
				p.Amount.String(), p.MembershipType); err != nil {
				return fmt.Errorf("insert payment %s: %w", p.InvoiceID, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "Payments saved", "count", len(list))
	return nil
}

func (r *SQLiteRepository) ListAttendance(ctx context.Context) ([]core.AttendanceRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT customer, email, starts_at, class_type, venue, instructors, primary_instructor,
			membership_type, booking_source, status
		FROM attendance_records ORDER BY starts_at, record_key`)
	if err != nil {
		return nil, fmt.Errorf("list attendance: %w", err)
	}
	defer rows.Close()

	var out []core.AttendanceRecord
	for rows.Next() {
		var (
			a                   core.AttendanceRecord
			startsAt, instructs string
		)
		if err := rows.Scan(&a.Customer, &a.Email, &startsAt, &a.ClassType, &a.Venue, &instructs,
			&a.PrimaryInstructor, &a.MembershipType, &a.BookingSource, &a.Status); err != nil {
			return nil, fmt.Errorf("scan attendance: %w", err)
		}
		if a.StartsAt, err = parseTime(startsAt); err != nil {
			return nil, fmt.Errorf("attendance start time: %w", err)
		}
		if err := json.Unmarshal([]byte(instructs), &a.Instructors); err != nil {
			return nil, fmt.Errorf("decode instructors: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListPayments(ctx context.Context) ([]core.PaymentRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT invoice_id, paid_on, customer, memo, amount, membership_type
		FROM payment_records ORDER BY paid_on, invoice_id`)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	var out []core.PaymentRecord
	for rows.Next() {
		var (
			p              core.PaymentRecord
			paidOn, amount string
		)
		if err := rows.Scan(&p.InvoiceID, &paidOn, &p.Customer, &p.Memo, &amount, &p.MembershipType); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		if p.Date, err = parseTime(paidOn); err != nil {
			return nil, fmt.Errorf("payment %s date: %w", p.InvoiceID, err)
		}
		if p.Amount, err = core.ParseMoney(amount); err != nil {
			return nil, fmt.Errorf("payment %s amount: %w", p.InvoiceID, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) SaveOverride(ctx context.Context, o core.Override) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO overrides (id, target, record_ref, period, issue_type, original_amount,
			override_amount, reason, status, recorded_at, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		o.ID, string(o.Target), o.RecordRef, o.Period.String(), string(o.IssueType),
		o.Original.String(), o.Amount.String(), o.Reason, string(o.Status),
		formatTime(o.RecordedAt), formatTime(o.DecidedAt))
	if err != nil {
		return fmt.Errorf("save override %s: %w", o.ID, err)
	}
	r.logger.DebugContext(ctx, "Override saved", log.FieldOverrideID, o.ID)
	return nil
}

// UpdateOverrideStatus stores the decision on an override. Only the status
// and the decision time change.
func (r *SQLiteRepository) UpdateOverrideStatus(ctx context.Context, o core.Override) error {
	res, err := r.db.ExecContext(ctx, `UPDATE overrides SET status = ?, decided_at = ? WHERE id = ?`,
		string(o.Status), formatTime(o.DecidedAt), o.ID)
	if err != nil {
		return fmt.Errorf("update override %s: %w", o.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update override %s: %w", o.ID, sql.ErrNoRows)
	}
	return nil
}

func (r *SQLiteRepository) ListOverrides(ctx context.Context) ([]core.Override, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, target, record_ref, period, issue_type, original_amount, override_amount,
			reason, status, recorded_at, decided_at
		FROM overrides ORDER BY recorded_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list overrides: %w", err)
	}
	defer rows.Close()

	var out []core.Override
	for rows.Next() {
		var (
			o                                   core.Override
			target, period, issue, status       string
			original, amount, recorded, decided string
		)
		if err := rows.Scan(&o.ID, &target, &o.RecordRef, &period, &issue, &original, &amount,
			&o.Reason, &status, &recorded, &decided); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		o.Target = core.TargetKind(target)
		o.IssueType = core.IssueType(issue)
		o.Status = core.OverrideStatus(status)
		if o.Period, err = core.ParsePeriod(period); err != nil {
			return nil, fmt.Errorf("override %s period: %w", o.ID, err)
		}
		if o.Original, err = core.ParseMoney(original); err != nil {
			return nil, fmt.Errorf("override %s original amount: %w", o.ID, err)
		}
		if o.Amount, err = core.ParseMoney(amount); err != nil {
			return nil, fmt.Errorf("override %s amount: %w", o.ID, err)
		}
		if o.RecordedAt, err = parseTime(recorded); err != nil {
			return nil, fmt.Errorf("override %s recorded at: %w", o.ID, err)
		}
		if o.DecidedAt, err = parseTime(decided); err != nil {
			return nil, fmt.Errorf("override %s decided at: %w", o.ID, err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) SaveDiscount(ctx context.Context, d discounts.Discount) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO discounts (code, name, percentage, coach_payment_type, match_type, active, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name, percentage = excluded.percentage,
			coach_payment_type = excluded.coach_payment_type, match_type = excluded.match_type,
			active = excluded.active, notes = excluded.notes`,
		d.Code, d.Name, d.Percentage.String(), string(d.CoachPaymentType), string(d.MatchType),
		boolInt(d.Active), d.Notes)
	if err != nil {
		return fmt.Errorf("save discount %q: %w", d.Code, err)
	}
	return nil
}

func (r *SQLiteRepository) ListDiscounts(ctx context.Context) ([]discounts.Discount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT code, name, percentage, coach_payment_type, match_type, active, notes
		FROM discounts ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list discounts: %w", err)
	}
	defer rows.Close()

	var out []discounts.Discount
	for rows.Next() {
		var (
			d                     discounts.Discount
			pct, payType, matchTy string
			active                int
		)
		if err := rows.Scan(&d.Code, &d.Name, &pct, &payType, &matchTy, &active, &d.Notes); err != nil {
			return nil, fmt.Errorf("scan discount: %w", err)
		}
		if d.Percentage, err = core.NewPercent(pct); err != nil {
			return nil, fmt.Errorf("discount %q percentage: %w", d.Code, err)
		}
		d.CoachPaymentType = discounts.CoachPaymentType(payType)
		d.MatchType = discounts.MatchType(matchTy)
		d.Active = active != 0
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) SaveCoach(ctx context.Context, c core.Coach) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO coaches (name, coach_id, hourly_rate, active) VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			coach_id = excluded.coach_id, hourly_rate = excluded.hourly_rate, active = excluded.active`,
		c.Name, c.ID, c.HourlyRate.String(), boolInt(c.Active))
	if err != nil {
		return fmt.Errorf("save coach %q: %w", c.Name, err)
	}
	return nil
}

func (r *SQLiteRepository) ListCoaches(ctx context.Context) ([]core.Coach, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT name, coach_id, hourly_rate, active FROM coaches ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list coaches: %w", err)
	}
	defer rows.Close()

	var out []core.Coach
	for rows.Next() {
		var (
			c      core.Coach
			rate   string
			active int
		)
		if err := rows.Scan(&c.Name, &c.ID, &rate, &active); err != nil {
			return nil, fmt.Errorf("scan coach: %w", err)
		}
		if c.HourlyRate, err = core.ParseMoney(rate); err != nil {
			return nil, fmt.Errorf("coach %q rate: %w", c.Name, err)
		}
		c.Active = active != 0
		out = append(out, c)
	}
	return out, rows.Err()
}
