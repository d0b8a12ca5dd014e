package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"mfcpay/internal/amqp"
	"mfcpay/internal/cache"
	"mfcpay/internal/core"
	"mfcpay/internal/discounts"
	"mfcpay/internal/engine"
	"mfcpay/internal/ledger"
	"mfcpay/internal/log"
	"mfcpay/internal/records"
	"mfcpay/internal/rules"
	ports "mfcpay/internal/sheets"
	"mfcpay/internal/verification"

	"github.com/shopspring/decimal"
)

var (
	ErrNoWriter      = errors.New("no breakdown writer configured")
	ErrCoachNotFound = errors.New("coach not found in breakdown")
)

// Repository persists the service state. Writes go through it after the
// in-memory change succeeds; Hydrate reads everything back.
type Repository interface {
	SaveRule(ctx context.Context, r core.MembershipRule) error
	DeleteRule(ctx context.Context, name string) error
	ListRules(ctx context.Context) ([]core.MembershipRule, error)
	SaveAttendance(ctx context.Context, list []core.AttendanceRecord) error
	SavePayments(ctx context.Context, list []core.PaymentRecord) error
	ListAttendance(ctx context.Context) ([]core.AttendanceRecord, error)
	ListPayments(ctx context.Context) ([]core.PaymentRecord, error)
	SaveOverride(ctx context.Context, o core.Override) error
	UpdateOverrideStatus(ctx context.Context, o core.Override) error
	ListOverrides(ctx context.Context) ([]core.Override, error)
	SaveDiscount(ctx context.Context, d discounts.Discount) error
	ListDiscounts(ctx context.Context) ([]discounts.Discount, error)
	SaveCoach(ctx context.Context, c core.Coach) error
	ListCoaches(ctx context.Context) ([]core.Coach, error)
}

// EventPublisher announces state changes to other processes.
type EventPublisher interface {
	Publish(ctx context.Context, e amqp.Event) error
}

// Sources are the read-only data feeds used when there is no repository, or
// to seed an empty one. Any of them may be nil.
type Sources struct {
	Records   ports.RecordSource
	Rules     ports.RuleSource
	Discounts ports.DiscountSource
	Coaches   ports.CoachSource
}

func (s Sources) empty() bool {
	return s.Records == nil && s.Rules == nil && s.Discounts == nil && s.Coaches == nil
}

type Config struct {
	Engine     *engine.Engine
	Tolerance  decimal.Decimal
	CacheSize  int
	CacheTTL   time.Duration
	Repository Repository
	Publisher  EventPublisher
	Sources    Sources
	Writer     ports.BreakdownWriter
	Logger     *log.Logger
}

// PayrollService orchestrates records, rules, overrides and discounts for the
// outer surfaces and caches breakdowns per input version.
type PayrollService struct {
	store   *records.Store
	catalog *rules.Catalog
	ledger  *ledger.Ledger
	engine  *engine.Engine

	repo      Repository
	publisher EventPublisher
	sources   Sources
	writer    ports.BreakdownWriter

	cache   *cache.LRU[string, core.PaymentBreakdown]
	version atomic.Uint64

	mu         sync.RWMutex
	discounts  []discounts.Discount
	classifier *discounts.Classifier
	coaches    []core.Coach

	logger *log.Logger
}

func NewPayrollService(cfg Config) *PayrollService {
	logger := cfg.Logger
	if logger == nil {
		logger = log.NewDiscard()
	}
	eng := cfg.Engine
	if eng == nil {
		eng = engine.New(engine.Config{Logger: logger.WithComponent(log.ComponentEngine)})
	}
	size := cfg.CacheSize
	if size < 1 {
		size = 64
	}
	s := &PayrollService{
		store:      records.NewStore(),
		catalog:    rules.NewCatalog(cfg.Tolerance),
		ledger:     ledger.New(),
		engine:     eng,
		repo:       cfg.Repository,
		publisher:  cfg.Publisher,
		sources:    cfg.Sources,
		writer:     cfg.Writer,
		cache:      cache.NewLRU[string, core.PaymentBreakdown](size, cfg.CacheTTL),
		classifier: discounts.NewClassifier(nil),
		logger:     logger.WithComponent(log.ComponentPayroll),
	}
	s.ledger.Observe(func(core.Override) { s.version.Add(1) })
	return s
}

// Cache exposes the breakdown cache so it can be swept by a cache.Manager.
func (s *PayrollService) Cache() *cache.LRU[string, core.PaymentBreakdown] { return s.cache }

// Version changes whenever any calculation input changes.
func (s *PayrollService) Version() uint64 { return s.version.Load() }

func (s *PayrollService) bump() uint64 { return s.version.Add(1) }

// Hydrate replaces the in-memory state with the repository contents, seeding
// an empty repository from the sources. Without a repository it reads the
// sources directly. An empty rule set is seeded with rules.DefaultRules.
func (s *PayrollService) Hydrate(ctx context.Context) error {
	start := time.Now()
	s.store.Reset()
	s.ledger.Reset()

	loaded := false
	if s.repo != nil {
		var err error
		if loaded, err = s.hydrateFromRepository(ctx); err != nil {
			return fmt.Errorf("hydrate from repository: %w", err)
		}
	}
	if !loaded && !s.sources.empty() {
		if err := s.hydrateFromSources(ctx); err != nil {
			return fmt.Errorf("hydrate from sources: %w", err)
		}
	}

	if s.catalog.Len() == 0 {
		if err := s.catalog.Replace(rules.DefaultRules()); err != nil {
			return fmt.Errorf("seed default rules: %w", err)
		}
		if s.repo != nil {
			for _, r := range s.catalog.List() {
				if err := s.repo.SaveRule(ctx, r); err != nil {
					return fmt.Errorf("persist default rule %q: %w", r.Name, err)
				}
			}
		}
		s.logger.InfoContext(ctx, "Seeded default rules", "count", s.catalog.Len())
	}

	v := s.bump()
	attendance, payments := s.store.Counts()
	s.logger.InfoContext(ctx, "State hydrated",
		log.FieldOperation, log.OpHydrate,
		"attendance", attendance,
		"payments", payments,
		"rules", s.catalog.Len(),
		"overrides", s.ledger.Len(),
		log.FieldVersion, v,
		log.FieldDuration, time.Since(start).Milliseconds())
	return nil
}

// hydrateFromRepository reports false when the repository holds no records
// and no rules.
func (s *PayrollService) hydrateFromRepository(ctx context.Context) (bool, error) {
	ruleList, err := s.repo.ListRules(ctx)
	if err != nil {
		return false, err
	}
	attendance, err := s.repo.ListAttendance(ctx)
	if err != nil {
		return false, err
	}
	payments, err := s.repo.ListPayments(ctx)
	if err != nil {
		return false, err
	}
	if len(ruleList) == 0 && len(attendance) == 0 && len(payments) == 0 {
		return false, nil
	}
	overrides, err := s.repo.ListOverrides(ctx)
	if err != nil {
		return false, err
	}
	discountList, err := s.repo.ListDiscounts(ctx)
	if err != nil {
		return false, err
	}
	coachList, err := s.repo.ListCoaches(ctx)
	if err != nil {
		return false, err
	}

	s.replaceRules(ctx, ruleList)
	if report := s.store.Add(attendance, payments); !report.OK() {
		s.logger.WarnContext(ctx, "Stored records rejected", log.FieldError, report.Err())
	}
	for _, o := range overrides {
		if err := s.ledger.Restore(o); err != nil {
			s.logger.WarnContext(ctx, "Stored override rejected", log.FieldOverrideID, o.ID, log.FieldError, err)
		}
	}
	s.setDiscounts(discountList)
	s.setCoaches(coachList)
	return true, nil
}

func (s *PayrollService) hydrateFromSources(ctx context.Context) error {
	if src := s.sources.Rules; src != nil {
		list, err := src.ReadRules(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "Rule sheet has unusable rows", log.FieldError, err)
		}
		s.replaceRules(ctx, list)
		if s.repo != nil {
			for _, r := range s.catalog.List() {
				if err := s.repo.SaveRule(ctx, r); err != nil {
					return fmt.Errorf("persist rule %q: %w", r.Name, err)
				}
			}
		}
	}

	if src := s.sources.Records; src != nil {
		attendance, err := src.ReadAttendance(ctx)
		if err != nil && attendance == nil {
			return fmt.Errorf("read attendance: %w", err)
		}
		payments, err := src.ReadPayments(ctx)
		if err != nil && payments == nil {
			return fmt.Errorf("read payments: %w", err)
		}
		report := s.store.Load(attendance, payments)
		if !report.OK() {
			s.logger.WarnContext(ctx, "Imported rows rejected", "rejected", len(report.Errors), log.FieldError, report.Err())
		}
		if err := s.persistRecords(ctx, report); err != nil {
			return err
		}
	}

	if src := s.sources.Discounts; src != nil {
		list, err := src.ReadDiscounts(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "Discount sheet has unusable rows", log.FieldError, err)
		}
		s.setDiscounts(list)
		if s.repo != nil {
			for _, d := range list {
				if err := s.repo.SaveDiscount(ctx, d); err != nil {
					return fmt.Errorf("persist discount %q: %w", d.Code, err)
				}
			}
		}
	}

	if src := s.sources.Coaches; src != nil {
		list, err := src.ReadCoaches(ctx)
		if err != nil {
			s.logger.WarnContext(ctx, "Coach sheet has unusable rows", log.FieldError, err)
		}
		s.setCoaches(list)
		if s.repo != nil {
			for _, c := range list {
				if err := s.repo.SaveCoach(ctx, c); err != nil {
					return fmt.Errorf("persist coach %q: %w", c.Name, err)
				}
			}
		}
	}
	return nil
}

// replaceRules keeps every rule the catalog accepts. The first of several
// names that fold to the same key wins.
func (s *PayrollService) replaceRules(ctx context.Context, list []core.MembershipRule) {
	seen := make(map[string]struct{}, len(list))
	valid := make([]core.MembershipRule, 0, len(list))
	for _, r := range list {
		if err := s.catalog.Check(r); err != nil {
			s.logger.WarnContext(ctx, "Rule skipped", log.FieldRule, r.Name, log.FieldError, err)
			continue
		}
		key := core.Fold(r.Name)
		if _, dup := seen[key]; dup {
			s.logger.WarnContext(ctx, "Rule skipped", log.FieldRule, r.Name, log.FieldError, rules.ErrDuplicateName)
			continue
		}
		seen[key] = struct{}{}
		valid = append(valid, r)
	}
	if err := s.catalog.Replace(valid); err != nil {
		s.logger.ErrorContext(ctx, "Rule set rejected", log.FieldError, err)
	}
}

func (s *PayrollService) persistRecords(ctx context.Context, report records.ValidationReport) error {
	if s.repo == nil {
		return nil
	}
	if len(report.Attendance) > 0 {
		if err := s.repo.SaveAttendance(ctx, report.Attendance); err != nil {
			return fmt.Errorf("persist attendance: %w", err)
		}
	}
	if len(report.Payments) > 0 {
		if err := s.repo.SavePayments(ctx, report.Payments); err != nil {
			return fmt.Errorf("persist payments: %w", err)
		}
	}
	return nil
}

// Import validates and stores a batch. Rejected rows are listed in the
// report; the accepted rows are kept and persisted.
func (s *PayrollService) Import(ctx context.Context, attendance []records.AttendanceRow, payments []records.PaymentRow) (records.ValidationReport, error) {
	report := s.store.Load(attendance, payments)
	if err := s.persistRecords(ctx, report); err != nil {
		return report, err
	}

	accepted := report.AttendanceAccepted + report.PaymentsAccepted
	s.logger.InfoContext(ctx, "Records imported",
		log.FieldOperation, log.OpImport,
		"attendance", report.AttendanceAccepted,
		"payments", report.PaymentsAccepted,
		"discount_lines", len(report.DiscountLines),
		"rejected", len(report.Errors))
	if accepted > 0 {
		v := s.bump()
		for _, p := range report.Periods() {
			s.publish(ctx, amqp.NewEvent(amqp.EventRecordsImported, p, "", v))
		}
	}
	if err := s.proposeDiscountLines(ctx, report.DiscountLines); err != nil {
		return report, err
	}
	return report, nil
}

// proposeDiscountLines records a pending override for every invoice reduced
// by a discount line. An invoice that already has an open override keeps it.
func (s *PayrollService) proposeDiscountLines(ctx context.Context, lines []records.DiscountLine) error {
	if len(lines) == 0 {
		return nil
	}
	s.mu.RLock()
	classifier := s.classifier
	s.mu.RUnlock()

	for _, o := range classifier.ProposeLines(lines) {
		stored, err := s.RecordOverride(ctx, o)
		if errors.Is(err, ledger.ErrOverrideExists) {
			s.logger.WarnContext(ctx, "Discount line not proposed: invoice already has an open override",
				log.FieldOperation, log.OpImport,
				log.FieldPeriod, o.Period.String(),
				"ref", o.RecordRef)
			continue
		}
		if err != nil {
			return fmt.Errorf("propose discount line override: %w", err)
		}
		s.logger.DebugContext(ctx, "Discount line proposed", log.FieldOverrideID, stored.ID, "ref", stored.RecordRef)
	}
	return nil
}

func (s *PayrollService) Rules() []core.MembershipRule { return s.catalog.List() }

// ResolveRule returns the rule a payment label resolves to.
func (s *PayrollService) ResolveRule(label string) (core.MembershipRule, error) {
	return s.catalog.Lookup(label)
}

func (s *PayrollService) UpsertRule(ctx context.Context, r core.MembershipRule) error {
	if err := s.catalog.Upsert(r); err != nil {
		return err
	}
	if s.repo != nil {
		if err := s.repo.SaveRule(ctx, r); err != nil {
			return fmt.Errorf("persist rule: %w", err)
		}
	}
	v := s.bump()
	s.logger.InfoContext(ctx, "Rule saved", log.FieldOperation, log.OpUpsert, log.FieldRule, r.Name)
	s.publish(ctx, amqp.NewEvent(amqp.EventRulesChanged, core.Period{}, r.Name, v))
	return nil
}

func (s *PayrollService) DeleteRule(ctx context.Context, name string) error {
	if err := s.catalog.Delete(name); err != nil {
		return err
	}
	if s.repo != nil {
		if err := s.repo.DeleteRule(ctx, name); err != nil {
			return fmt.Errorf("delete stored rule: %w", err)
		}
	}
	v := s.bump()
	s.logger.InfoContext(ctx, "Rule deleted", log.FieldOperation, log.OpDelete, log.FieldRule, name)
	s.publish(ctx, amqp.NewEvent(amqp.EventRulesChanged, core.Period{}, name, v))
	return nil
}

// RecordOverride adds a pending override and returns it as stored.
func (s *PayrollService) RecordOverride(ctx context.Context, o core.Override) (core.Override, error) {
	id, err := s.ledger.Record(o)
	if err != nil {
		return core.Override{}, err
	}
	stored, err := s.ledger.Get(id)
	if err != nil {
		return core.Override{}, err
	}
	if s.repo != nil {
		if err := s.repo.SaveOverride(ctx, stored); err != nil {
			return stored, fmt.Errorf("persist override: %w", err)
		}
	}
	s.logger.InfoContext(ctx, "Override recorded",
		log.FieldOperation, log.OpRecord,
		log.FieldOverrideID, id,
		log.FieldPeriod, stored.Period.String(),
		"target", stored.Target,
		"ref", stored.RecordRef)
	s.publish(ctx, amqp.NewEvent(amqp.EventOverrideRecorded, stored.Period, id, s.Version()))
	return stored, nil
}

func (s *PayrollService) Approve(ctx context.Context, id string) (core.Override, error) {
	return s.decide(ctx, id, s.ledger.Approve, amqp.EventOverrideApproved, log.OpApprove)
}

func (s *PayrollService) Reject(ctx context.Context, id string) (core.Override, error) {
	return s.decide(ctx, id, s.ledger.Reject, amqp.EventOverrideRejected, log.OpReject)
}

func (s *PayrollService) decide(ctx context.Context, id string, move func(string) (core.Override, error), event, op string) (core.Override, error) {
	o, err := move(id)
	if err != nil {
		return core.Override{}, err
	}
	if s.repo != nil {
		if err := s.repo.UpdateOverrideStatus(ctx, o); err != nil {
			return o, fmt.Errorf("persist override status: %w", err)
		}
	}
	s.logger.InfoContext(ctx, "Override decided",
		log.FieldOperation, op,
		log.FieldOverrideID, id,
		"status", o.Status)
	s.publish(ctx, amqp.NewEvent(event, o.Period, id, s.Version()))
	return o, nil
}

// Overrides lists the period's overrides, or every override for a zero
// period.
func (s *PayrollService) Overrides(p core.Period) []core.Override {
	if p.IsZero() {
		return s.ledger.All()
	}
	return s.ledger.ForPeriod(p)
}

func (s *PayrollService) setDiscounts(list []discounts.Discount) {
	c := discounts.NewClassifier(list)
	s.mu.Lock()
	s.discounts = append([]discounts.Discount(nil), list...)
	s.classifier = c
	s.mu.Unlock()
}

// SetDiscounts replaces the discount list. Every discount must validate.
func (s *PayrollService) SetDiscounts(ctx context.Context, list []discounts.Discount) error {
	for _, d := range list {
		if err := d.Validate(); err != nil {
			return fmt.Errorf("discount %q: %w", d.Code, err)
		}
	}
	s.setDiscounts(list)
	if s.repo != nil {
		for _, d := range list {
			if err := s.repo.SaveDiscount(ctx, d); err != nil {
				return fmt.Errorf("persist discount: %w", err)
			}
		}
	}
	s.mu.RLock()
	skipped := s.classifier.Skipped()
	s.mu.RUnlock()
	for _, sk := range skipped {
		s.logger.WarnContext(ctx, "Discount unusable", "code", sk.Code, log.FieldError, sk.Reason)
	}
	s.publish(ctx, amqp.NewEvent(amqp.EventDiscountsChanged, core.Period{}, "", s.Version()))
	return nil
}

func (s *PayrollService) Discounts() []discounts.Discount {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]discounts.Discount(nil), s.discounts...)
}

func (s *PayrollService) setCoaches(list []core.Coach) {
	s.mu.Lock()
	s.coaches = append([]core.Coach(nil), list...)
	s.mu.Unlock()
}

// SetCoaches replaces the coach roster.
func (s *PayrollService) SetCoaches(ctx context.Context, list []core.Coach) error {
	for _, c := range list {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("coach %q: %w", c.Name, err)
		}
	}
	s.setCoaches(list)
	if s.repo != nil {
		for _, c := range list {
			if err := s.repo.SaveCoach(ctx, c); err != nil {
				return fmt.Errorf("persist coach: %w", err)
			}
		}
	}
	s.bump()
	return nil
}

func (s *PayrollService) Coaches() []core.Coach {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]core.Coach(nil), s.coaches...)
}

// ProposeDiscounts records a pending override for every payment of the
// period whose memo matches a discount. Payments that already carry an open
// override are left alone.
func (s *PayrollService) ProposeDiscounts(ctx context.Context, p core.Period) ([]core.Override, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	classifier := s.classifier
	s.mu.RUnlock()

	_, payments := s.store.RecordsForPeriod(p)
	var recorded []core.Override
	for _, o := range classifier.Propose(p, payments) {
		stored, err := s.RecordOverride(ctx, o)
		if errors.Is(err, ledger.ErrOverrideExists) {
			continue
		}
		if err != nil {
			return recorded, err
		}
		recorded = append(recorded, stored)
	}
	s.logger.InfoContext(ctx, "Discount overrides proposed",
		log.FieldOperation, log.OpPropose,
		log.FieldPeriod, p.String(),
		"count", len(recorded))
	return recorded, nil
}

func cacheKey(p core.Period, version uint64) string {
	return fmt.Sprintf("%s@%d", p, version)
}

// Calculate returns the period's breakdown. Results are cached per input
// version, so a cached breakdown always equals a fresh calculation.
func (s *PayrollService) Calculate(ctx context.Context, p core.Period) (core.PaymentBreakdown, error) {
	if err := p.Validate(); err != nil {
		return core.PaymentBreakdown{}, err
	}
	v := s.version.Load()
	key := cacheKey(p, v)
	if b, ok := s.cache.Get(key); ok {
		return b, nil
	}

	attendance, payments := s.store.RecordsForPeriod(p)
	in := engine.Input{
		Period:     p,
		Attendance: attendance,
		Payments:   payments,
		Rules:      s.catalog.Snapshot(),
		Overrides:  s.ledger.ForPeriod(p),
		Coaches:    s.Coaches(),
	}
	b, err := s.engine.Calculate(ctx, in)
	if err != nil {
		return core.PaymentBreakdown{}, err
	}
	// A change during the run makes the result stale for v.
	if s.version.Load() == v {
		s.cache.Set(key, b)
	}
	s.publish(ctx, amqp.NewEvent(amqp.EventBreakdownCalculated, p, "", v))
	return b, nil
}

// Publish calculates the period and hands the result to the breakdown
// writer.
func (s *PayrollService) Publish(ctx context.Context, p core.Period) (core.PaymentBreakdown, error) {
	if s.writer == nil {
		return core.PaymentBreakdown{}, ErrNoWriter
	}
	b, err := s.Calculate(ctx, p)
	if err != nil {
		return core.PaymentBreakdown{}, err
	}
	if err := s.writer.WriteBreakdown(ctx, b); err != nil {
		return b, fmt.Errorf("write breakdown: %w", err)
	}
	s.logger.InfoContext(ctx, "Breakdown written", log.FieldOperation, log.OpPublish, log.FieldPeriod, p.String())
	return b, nil
}

// Payslip returns the itemized pay of one coach for the period.
func (s *PayrollService) Payslip(ctx context.Context, p core.Period, coach string) (core.Payslip, error) {
	b, err := s.Calculate(ctx, p)
	if err != nil {
		return core.Payslip{}, err
	}
	slip, ok := b.Payslip(coach)
	if !ok {
		return core.Payslip{}, fmt.Errorf("%w: %q in %s", ErrCoachNotFound, coach, p)
	}
	return slip, nil
}

// Verify checks the period's sessions against the invoices that pay for them.
func (s *PayrollService) Verify(ctx context.Context, p core.Period) (verification.Report, error) {
	attendance, payments := s.store.RecordsForPeriod(p)
	report, err := verification.Run(ctx, verification.Input{
		Period:     p,
		Attendance: attendance,
		Payments:   payments,
		Rules:      s.catalog.Snapshot(),
		Overrides:  s.ledger.ForPeriod(p),
	})
	if err != nil {
		return verification.Report{}, err
	}
	s.logger.InfoContext(ctx, "Sessions verified",
		log.FieldOperation, log.OpVerify,
		log.FieldPeriod, p.String(),
		"verified", report.Verified,
		"not_verified", report.NotVerified,
		"package_not_found", report.PackageNotFound)
	return report, nil
}

// Periods lists every period that has records.
func (s *PayrollService) Periods() []core.Period { return s.store.Periods() }

// publish never fails the caller; the state change has already happened.
func (s *PayrollService) publish(ctx context.Context, e amqp.Event) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.ErrorContext(ctx, "Failed to publish event",
			log.FieldEvent, e.Type,
			log.FieldPeriod, e.Period,
			log.FieldError, err)
	}
}
