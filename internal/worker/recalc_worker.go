// Package worker recalculates breakdowns when the data they depend on
// changes, and publishes them to the breakdown sheet.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"mfcpay/internal/amqp"
	"mfcpay/internal/core"
	"mfcpay/internal/log"
	ports "mfcpay/internal/sheets"
)

// Payroll is the part of the payroll service the worker drives.
type Payroll interface {
	Hydrate(ctx context.Context) error
	Calculate(ctx context.Context, p core.Period) (core.PaymentBreakdown, error)
	Periods() []core.Period
}

// Config holds configuration for the recalculation worker
type Config struct {
	// Debounce is how long to wait for more events before recalculating (default: 2s)
	Debounce time.Duration

	// MaxWait caps how long a steady stream of events can hold back a batch (default: 30s)
	MaxWait time.Duration

	// SweepInterval is how often the current period is recalculated regardless of events (default: 15m)
	SweepInterval time.Duration

	// Now returns the current time; used to pick the period to sweep
	Now func() time.Time
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Debounce:      2 * time.Second,
		MaxWait:       30 * time.Second,
		SweepInterval: 15 * time.Minute,
		Now:           time.Now,
	}
}

// RecalcWorker collects state-change events, coalesces them per period and
// recalculates each affected period once per batch.
type RecalcWorker struct {
	payroll Payroll
	writer  ports.BreakdownWriter
	config  Config
	logger  *log.Logger

	mu      sync.Mutex
	pending map[core.Period]struct{}
	all     bool
	trigger chan struct{}

	// Lifecycle management
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

func NewRecalcWorker(payroll Payroll, writer ports.BreakdownWriter, config Config, logger *log.Logger) *RecalcWorker {
	def := DefaultConfig()
	if config.Debounce <= 0 {
		config.Debounce = def.Debounce
	}
	if config.MaxWait <= 0 {
		config.MaxWait = def.MaxWait
	}
	if config.MaxWait < config.Debounce {
		config.MaxWait = config.Debounce
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = def.SweepInterval
	}
	if config.Now == nil {
		config.Now = def.Now
	}
	if logger == nil {
		logger = log.NewDiscard()
	}
	return &RecalcWorker{
		payroll: payroll,
		writer:  writer,
		config:  config,
		logger:  logger.WithComponent(log.ComponentWorker),
		pending: make(map[core.Period]struct{}),
		trigger: make(chan struct{}, 1),
	}
}

// HandleEvent queues the period an event affects. It is an amqp.Handler.
func (w *RecalcWorker) HandleEvent(ctx context.Context, e amqp.Event) error {
	if e.Type == amqp.EventBreakdownCalculated {
		return nil
	}
	if p, ok := e.AffectedPeriod(); ok {
		w.Enqueue(p)
	} else {
		w.EnqueueAll()
	}
	w.logger.DebugContext(ctx, "Event queued", log.FieldEvent, e.Type, log.FieldPeriod, e.Period, log.FieldVersion, e.Version)
	return nil
}

func (w *RecalcWorker) Enqueue(p core.Period) {
	w.mu.Lock()
	w.pending[p] = struct{}{}
	w.mu.Unlock()
	w.signal()
}

// EnqueueAll queues every period that has records.
func (w *RecalcWorker) EnqueueAll() {
	w.mu.Lock()
	w.all = true
	w.mu.Unlock()
	w.signal()
}

// requeue keeps a failed period for the next batch without starting one.
func (w *RecalcWorker) requeue(p core.Period) {
	w.mu.Lock()
	w.pending[p] = struct{}{}
	w.mu.Unlock()
}

func (w *RecalcWorker) signal() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *RecalcWorker) take() ([]core.Period, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	periods := make([]core.Period, 0, len(w.pending))
	for p := range w.pending {
		periods = append(periods, p)
	}
	all := w.all
	w.pending = make(map[core.Period]struct{})
	w.all = false
	return periods, all
}

// Flush reloads the data and recalculates every queued period. Periods that
// fail stay queued for the next batch.
func (w *RecalcWorker) Flush(ctx context.Context) error {
	periods, all := w.take()
	if len(periods) == 0 && !all {
		return nil
	}
	start := time.Now()

	if err := w.payroll.Hydrate(ctx); err != nil {
		for _, p := range periods {
			w.requeue(p)
		}
		if all {
			w.mu.Lock()
			w.all = true
			w.mu.Unlock()
		}
		return fmt.Errorf("reload state: %w", err)
	}
	if all {
		seen := make(map[core.Period]struct{}, len(periods))
		for _, p := range periods {
			seen[p] = struct{}{}
		}
		for _, p := range w.payroll.Periods() {
			if _, dup := seen[p]; !dup {
				periods = append(periods, p)
			}
		}
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Start().Before(periods[j].Start()) })

	var errs []error
	for _, p := range periods {
		if err := ctx.Err(); err != nil {
			w.requeue(p)
			errs = append(errs, err)
			continue
		}
		if err := w.recalculate(ctx, p); err != nil {
			w.logger.ErrorContext(ctx, "Recalculation failed", log.FieldPeriod, p.String(), log.FieldError, err)
			w.requeue(p)
			errs = append(errs, fmt.Errorf("period %s: %w", p, err))
		}
	}
	w.logger.InfoContext(ctx, "Recalculation batch done",
		"periods", len(periods),
		"failed", len(errs),
		log.FieldDuration, time.Since(start).Milliseconds())
	return errors.Join(errs...)
}

func (w *RecalcWorker) recalculate(ctx context.Context, p core.Period) error {
	b, err := w.payroll.Calculate(ctx, p)
	if err != nil {
		return err
	}
	if err := b.Err(); err != nil {
		w.logger.WarnContext(ctx, "Breakdown has rule faults", log.FieldPeriod, p.String(), log.FieldError, err)
	}
	if w.writer == nil {
		return nil
	}
	return w.writer.WriteBreakdown(ctx, b)
}

// Start begins the processing loop. Returns an error if already running.
func (w *RecalcWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("recalc worker is already running")
	}
	w.running = true
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})
	w.mu.Unlock()

	go w.runLoop(ctx)

	w.logger.InfoContext(ctx, "Recalc worker started",
		"debounce", w.config.Debounce.String(),
		"max_wait", w.config.MaxWait.String(),
		"sweep_interval", w.config.SweepInterval.String())
	return nil
}

// Stop gracefully stops the worker and waits for the running batch.
func (w *RecalcWorker) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	stopCh, doneCh := w.stopCh, w.doneCh
	w.mu.Unlock()

	close(stopCh)

	select {
	case <-doneCh:
		w.logger.InfoContext(ctx, "Recalc worker stopped gracefully")
	case <-ctx.Done():
		w.logger.WarnContext(ctx, "Recalc worker stop timed out")
		return ctx.Err()
	}

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	return nil
}

// IsRunning returns whether the worker is currently running
func (w *RecalcWorker) IsRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

func (w *RecalcWorker) runLoop(ctx context.Context) {
	defer close(w.doneCh)

	sweep := time.NewTicker(w.config.SweepInterval)
	defer sweep.Stop()

	debounce := time.NewTimer(w.config.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	// Zero while nothing is queued; otherwise the latest the batch may start.
	var flushBy time.Time

	// Publish the current period on startup
	w.Enqueue(core.PeriodOf(w.config.Now()))

	for {
		select {
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		case <-w.trigger:
			now := time.Now()
			if flushBy.IsZero() {
				flushBy = now.Add(w.config.MaxWait)
			}
			debounce.Reset(min(w.config.Debounce, flushBy.Sub(now)))
		case <-debounce.C:
			flushBy = time.Time{}
			if err := w.Flush(ctx); err != nil {
				w.logger.ErrorContext(ctx, "Recalculation batch failed", log.FieldError, err)
			}
		case <-sweep.C:
			w.Enqueue(core.PeriodOf(w.config.Now()))
		}
	}
}
