// Package ledger records staff overrides and their approval state.
//
// Entries are append-only. Status moves once, from pending to approved or
// rejected, through a compare-and-set on the entry so concurrent approvals
// of the same override cannot both win.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"mfcpay/internal/core"

	"github.com/google/uuid"
)

var (
	ErrOverrideNotFound  = errors.New("override not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrOverrideExists    = errors.New("record already has an open override")
	ErrInvalidOverride   = errors.New("invalid override")
)

const (
	statusPending int32 = iota
	statusApproved
	statusRejected
)

func statusCode(s core.OverrideStatus) (int32, bool) {
	switch s {
	case core.StatusPending, "":
		return statusPending, true
	case core.StatusApproved:
		return statusApproved, true
	case core.StatusRejected:
		return statusRejected, true
	}
	return 0, false
}

func statusName(c int32) core.OverrideStatus {
	switch c {
	case statusApproved:
		return core.StatusApproved
	case statusRejected:
		return core.StatusRejected
	default:
		return core.StatusPending
	}
}

type entry struct {
	override core.Override // immutable after insert, except Status and DecidedAt
	status   atomic.Int32
	decided  atomic.Int64 // unix nanos
}

func (e *entry) snapshot() core.Override {
	o := e.override
	o.Status = statusName(e.status.Load())
	if ns := e.decided.Load(); ns != 0 {
		o.DecidedAt = time.Unix(0, ns).UTC()
	}
	return o
}

// Observer is told about every recorded override and every status change.
type Observer func(core.Override)

// Ledger is safe for concurrent use.
type Ledger struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	order     []string
	now       func() time.Time
	observers []Observer
}

func New() *Ledger {
	return &Ledger{
		entries: make(map[string]*entry),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source, for deterministic tests.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Observe registers fn. Observers run synchronously after the change is
// committed.
func (l *Ledger) Observe(fn Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, fn)
	l.mu.Unlock()
}

func (l *Ledger) notify(o core.Override) {
	l.mu.RLock()
	observers := l.observers
	l.mu.RUnlock()
	for _, fn := range observers {
		fn(o)
	}
}

// Record adds a pending override and returns its id. A record can carry at
// most one open (pending or approved) override per period.
func (l *Ledger) Record(o core.Override) (string, error) {
	o.RecordRef = strings.TrimSpace(o.RecordRef)
	o.Reason = strings.TrimSpace(o.Reason)
	if err := o.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}

	l.mu.Lock()
	for _, id := range l.order {
		e := l.entries[id]
		if sameTarget(e.override, o) && statusName(e.status.Load()).IsOpen() {
			l.mu.Unlock()
			return "", fmt.Errorf("%w: %s %s (override %s)", ErrOverrideExists, o.Target, o.RecordRef, id)
		}
	}
	o.ID = uuid.NewString()
	o.Status = core.StatusPending
	o.RecordedAt = l.now()
	o.DecidedAt = time.Time{}
	l.insert(o, statusPending)
	l.mu.Unlock()

	l.notify(o)
	return o.ID, nil
}

func sameTarget(a, b core.Override) bool {
	return a.Target == b.Target && a.RecordRef == b.RecordRef && a.Period == b.Period
}

func (l *Ledger) insert(o core.Override, status int32) {
	e := &entry{override: o}
	e.status.Store(status)
	if !o.DecidedAt.IsZero() {
		e.decided.Store(o.DecidedAt.UnixNano())
	}
	l.entries[o.ID] = e
	l.order = append(l.order, o.ID)
}

// Restore re-inserts a persisted override keeping its id and status.
func (l *Ledger) Restore(o core.Override) error {
	if o.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidOverride)
	}
	if err := o.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOverride, err)
	}
	code, ok := statusCode(o.Status)
	if !ok {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidOverride, o.Status)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.entries[o.ID]; exists {
		return fmt.Errorf("%w: duplicate id %s", ErrInvalidOverride, o.ID)
	}
	l.insert(o, code)
	return nil
}

// Approve moves a pending override to approved.
func (l *Ledger) Approve(id string) (core.Override, error) {
	return l.transition(id, statusApproved)
}

// Reject moves a pending override to rejected.
func (l *Ledger) Reject(id string) (core.Override, error) {
	return l.transition(id, statusRejected)
}

func (l *Ledger) transition(id string, to int32) (core.Override, error) {
	l.mu.RLock()
	e, ok := l.entries[id]
	l.mu.RUnlock()
	if !ok {
		return core.Override{}, fmt.Errorf("%w: %s", ErrOverrideNotFound, id)
	}
	if !e.status.CompareAndSwap(statusPending, to) {
		return e.snapshot(), fmt.Errorf("%w: %s is %s", ErrInvalidTransition, id, statusName(e.status.Load()))
	}
	e.decided.Store(l.now().UnixNano())
	o := e.snapshot()
	l.notify(o)
	return o, nil
}

func (l *Ledger) Get(id string) (core.Override, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[id]
	if !ok {
		return core.Override{}, fmt.Errorf("%w: %s", ErrOverrideNotFound, id)
	}
	return e.snapshot(), nil
}

// ForPeriod returns the period's overrides ordered by recording time, then id.
func (l *Ledger) ForPeriod(p core.Period) []core.Override {
	return l.filter(func(o core.Override) bool { return o.Period == p })
}

// All returns every override in the same order as ForPeriod.
func (l *Ledger) All() []core.Override {
	return l.filter(func(core.Override) bool { return true })
}

func (l *Ledger) filter(keep func(core.Override) bool) []core.Override {
	l.mu.RLock()
	out := make([]core.Override, 0, len(l.order))
	for _, id := range l.order {
		if o := l.entries[id].snapshot(); keep(o) {
			out = append(out, o)
		}
	}
	l.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].RecordedAt.Equal(out[j].RecordedAt) {
			return out[i].RecordedAt.Before(out[j].RecordedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.order)
}

// Reset drops every entry. Observers stay registered.
func (l *Ledger) Reset() {
	l.mu.Lock()
	l.entries = make(map[string]*entry)
	l.order = nil
	l.mu.Unlock()
}
