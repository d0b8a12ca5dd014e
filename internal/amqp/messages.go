package amqp

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mfcpay/internal/core"
)

// Event types published after a state change.
const (
	EventRecordsImported     = "records.imported"
	EventRulesChanged        = "rules.changed"
	EventOverrideRecorded    = "override.recorded"
	EventOverrideApproved    = "override.approved"
	EventOverrideRejected    = "override.rejected"
	EventDiscountsChanged    = "discounts.changed"
	EventBreakdownCalculated = "breakdown.calculated"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is the message body on the queue. It carries only what changed; the
// consumer reloads the data itself. An empty Period means every period may
// be affected.
type Event struct {
	Type      string    `json:"type"`
	Period    string    `json:"period,omitempty"`
	Ref       string    `json:"ref,omitempty"`
	Version   uint64    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func NewEvent(eventType string, period core.Period, ref string, version uint64) Event {
	e := Event{Type: eventType, Ref: ref, Version: version, Timestamp: time.Now().UTC()}
	if !period.IsZero() {
		e.Period = period.String()
	}
	return e
}

// ToJSON converts the event to JSON bytes
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// EventFromJSON decodes and checks a message body.
func EventFromJSON(data []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if e.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrInvalidEvent)
	}
	if e.Period != "" {
		if _, err := core.ParsePeriod(e.Period); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
	}
	return e, nil
}

// AffectedPeriod returns the event's period, or false when the event is not
// scoped to one.
func (e Event) AffectedPeriod() (core.Period, bool) {
	if e.Period == "" {
		return core.Period{}, false
	}
	p, err := core.ParsePeriod(e.Period)
	return p, err == nil
}
