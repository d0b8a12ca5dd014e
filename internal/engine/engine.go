// Package engine computes the monthly payment breakdown.
//
// A run is a pure function of its Input: the engine reads an immutable rule
// snapshot and record copies, never performs I/O, and produces the same
// breakdown for the same input. Revenue sources are computed concurrently
// and merged in sorted order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"mfcpay/internal/core"
	"mfcpay/internal/log"
	"mfcpay/internal/matcher"
	"mfcpay/internal/records"
	"mfcpay/internal/rules"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrNoCatalog aborts a run that has no rule snapshot.
	ErrNoCatalog = errors.New("rule catalog unavailable")

	ErrNoRuleForRecord = core.ErrNoRuleForRecord
	ErrSplitOverrun    = core.ErrSplitOverrun
)

// Input is the immutable snapshot a run works on.
type Input struct {
	Period     core.Period
	Attendance []core.AttendanceRecord
	Payments   []core.PaymentRecord
	Rules      *rules.Snapshot
	Overrides  []core.Override
	// Coaches is the optional roster. When set, instructors missing from it
	// or flagged inactive are reported as exceptions.
	Coaches []core.Coach
}

type Config struct {
	Policy    matcher.CreditPolicy
	Workers   int
	Tolerance decimal.Decimal
	Logger    *log.Logger
}

type Engine struct {
	policy    matcher.CreditPolicy
	workers   int
	tolerance decimal.Decimal
	logger    *log.Logger
}

func New(cfg Config) *Engine {
	e := &Engine{
		policy:    cfg.Policy,
		workers:   cfg.Workers,
		tolerance: cfg.Tolerance,
		logger:    cfg.Logger,
	}
	if e.policy == nil {
		e.policy = matcher.EqualSplit{}
	}
	if e.workers < 1 {
		e.workers = 4
	}
	if !e.tolerance.IsPositive() {
		e.tolerance = rules.DefaultTolerance
	}
	if e.logger == nil {
		e.logger = log.New(log.DefaultConfig()).WithComponent(log.ComponentEngine)
	}
	return e
}

// Calculate produces the breakdown for in.Period. Rule faults do not fail
// the run; they are returned inside the breakdown (see PaymentBreakdown.Err).
// The error is non-nil only when the run was aborted, in which case the
// breakdown is empty.
func (e *Engine) Calculate(ctx context.Context, in Input) (core.PaymentBreakdown, error) {
	start := time.Now()
	if in.Rules == nil {
		return core.PaymentBreakdown{}, ErrNoCatalog
	}
	if err := in.Period.Validate(); err != nil {
		return core.PaymentBreakdown{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.PaymentBreakdown{}, err
	}

	m := matcher.New(in.Rules, e.policy)
	plan := e.prepare(in, m)

	results := make([]partitionResult, len(plan.sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i, source := range plan.sources {
		g.Go(func() error {
			res, err := e.runPartition(gctx, source, plan.partitions[source], plan)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.WarnContext(ctx, "Calculation aborted", log.FieldPeriod, in.Period.String(), log.FieldError, err)
		return core.PaymentBreakdown{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.PaymentBreakdown{}, err
	}

	b := merge(in.Period, plan, results)
	e.logger.InfoContext(ctx, "Breakdown calculated",
		log.FieldPeriod, in.Period.String(),
		"gross", b.Gross.String(),
		"coaches", len(b.Coaches),
		"exceptions", len(b.Exceptions),
		"faults", len(b.Faults),
		log.FieldDuration, time.Since(start).Milliseconds())
	for _, f := range b.Faults {
		e.logger.ErrorContext(ctx, "Rule withheld from calculation", log.FieldRule, f.Rule, log.FieldError, f.Reason)
	}
	return b, nil
}

type item struct {
	payment core.PaymentRecord
	rule    core.MembershipRule
	amount  core.Money
}

type session struct {
	record core.AttendanceRecord
	credit matcher.CoachAssignment
	weight decimal.Decimal
}

type coachInfo struct {
	name   string
	credit decimal.Decimal
}

type plan struct {
	sources    []core.RevenueSource
	partitions map[core.RevenueSource][]item
	links      map[string][]session
	coaches    map[string]*coachInfo
	coachIDs   map[string]string
	exceptions []core.Exception
}

func linkKey(customer, rule string) string {
	return core.Fold(customer) + "\x00" + rule
}

// prepare matches every record and indexes sessions and overrides. It runs
// before the fan-out and reads only the input.
func (e *Engine) prepare(in Input, m *matcher.Matcher) *plan {
	p := &plan{
		partitions: make(map[core.RevenueSource][]item),
		links:      make(map[string][]session),
		coaches:    make(map[string]*coachInfo),
	}

	var attendance []core.AttendanceRecord
	keys := make(map[string]struct{})
	for _, a := range in.Attendance {
		if in.Period.Contains(a.StartsAt) {
			attendance = append(attendance, a)
			keys[a.Key()] = struct{}{}
		}
	}
	records.SortAttendance(attendance)

	var payments []core.PaymentRecord
	invoices := make(map[string]struct{})
	for _, pay := range in.Payments {
		if in.Period.Contains(pay.Date) {
			payments = append(payments, pay)
			invoices[pay.InvoiceID] = struct{}{}
		}
	}
	records.SortPayments(payments)

	payOverrides, sessionOverrides := p.indexOverrides(in, invoices, keys)

	roster := newRoster(in.Coaches)
	for _, a := range attendance {
		if a.Cancelled() {
			continue
		}
		assignment := m.MatchAttendance(a)
		for _, c := range assignment.Credits {
			key := core.Fold(c.Coach)
			info, ok := p.coaches[key]
			if !ok {
				info = &coachInfo{name: c.Coach, credit: decimal.Zero}
				p.coaches[key] = info
			}
			info.credit = info.credit.Add(c.Share)
		}
		if len(assignment.Credits) == 0 {
			continue
		}
		weight := decimal.NewFromInt(1)
		if o, ok := sessionOverrides[a.Key()]; ok {
			weight = sessionWeight(o)
		}
		res := m.MatchSession(a)
		if !res.IsMatched() || !weight.IsPositive() {
			continue
		}
		k := linkKey(a.Customer, res.Rule.Name)
		p.links[k] = append(p.links[k], session{record: a, credit: assignment, weight: weight})
	}
	p.exceptions = append(p.exceptions, roster.check(p.coaches)...)
	p.coachIDs = roster.ids

	for _, pay := range payments {
		res := m.Match(pay)
		if !res.IsMatched() {
			ex := core.Exception{
				Kind:   core.ExceptionUnmatched,
				Ref:    pay.InvoiceID,
				Label:  res.Label,
				Reason: res.Reason,
				Amount: pay.Amount,
			}
			// The override stays visible until a rule matches the payment.
			if o, ok := payOverrides[pay.InvoiceID]; ok {
				ex.OverrideID = o.ID
				ex.Reason = fmt.Sprintf("%s; approved %s override to %s not applied", res.Reason, o.IssueType, o.Amount)
			}
			p.exceptions = append(p.exceptions, ex)
			continue
		}
		amount := pay.Amount
		if o, ok := payOverrides[pay.InvoiceID]; ok {
			amount = o.Amount
		}
		source := res.Rule.RevenueSource()
		if _, ok := p.partitions[source]; !ok {
			p.sources = append(p.sources, source)
		}
		p.partitions[source] = append(p.partitions[source], item{payment: pay, rule: res.Rule, amount: amount})
	}
	sort.Slice(p.sources, func(i, j int) bool { return p.sources[i] < p.sources[j] })
	return p
}

// indexOverrides keeps the approved overrides of the period and turns the
// rest into exceptions.
func (p *plan) indexOverrides(in Input, invoices, keys map[string]struct{}) (payments, sessions map[string]core.Override) {
	payments = make(map[string]core.Override)
	sessions = make(map[string]core.Override)

	list := make([]core.Override, 0, len(in.Overrides))
	for _, o := range in.Overrides {
		if o.Period == in.Period {
			list = append(list, o)
		}
	}
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].RecordedAt.Equal(list[j].RecordedAt) {
			return list[i].RecordedAt.Before(list[j].RecordedAt)
		}
		return list[i].ID < list[j].ID
	})

	for _, o := range list {
		var known bool
		switch o.Target {
		case core.TargetPayment:
			_, known = invoices[o.RecordRef]
		case core.TargetAttendance:
			_, known = keys[o.RecordRef]
		}
		if !known {
			if o.Status != core.StatusRejected {
				p.exceptions = append(p.exceptions, core.Exception{
					Kind:       core.ExceptionOverrideNoRecord,
					Ref:        o.RecordRef,
					Reason:     fmt.Sprintf("%s override references no %s record in %s", o.IssueType, o.Target, in.Period),
					Amount:     o.Amount,
					OverrideID: o.ID,
				})
			}
			continue
		}
		if o.Status != core.StatusApproved {
			p.exceptions = append(p.exceptions, core.Exception{
				Kind:       core.ExceptionOpenOverride,
				Ref:        o.RecordRef,
				Reason:     fmt.Sprintf("%s override is %s", o.IssueType, o.Status),
				Amount:     o.Amount,
				OverrideID: o.ID,
			})
			continue
		}
		target := payments
		if o.Target == core.TargetAttendance {
			target = sessions
		}
		if _, taken := target[o.RecordRef]; !taken {
			target[o.RecordRef] = o
		}
	}
	return payments, sessions
}

// sessionWeight is the share of revenue attribution a session keeps after an
// approved override: the override amount relative to the original. A free
// session keeps none.
func sessionWeight(o core.Override) decimal.Decimal {
	if o.IssueType == core.IssueFreeSession || o.Amount.IsZero() {
		return decimal.Zero
	}
	if o.Original.IsZero() || !o.Original.GreaterThan(o.Amount) {
		return decimal.NewFromInt(1)
	}
	return o.Amount.Decimal().Div(o.Original.Decimal())
}
