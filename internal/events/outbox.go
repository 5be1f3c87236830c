package events

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"reversal-core/pkg/db"
)

// EventWriter persists outbox rows.
type EventWriter interface {
	CreateEvent(ctx context.Context, e db.TradingEvent) (string, error)
}

// Outbox records trading events durably and then fans them out in-process.
// Delivery to external consumers is done by a relay polling the PENDING rows.
type Outbox struct {
	store EventWriter
	bus   *Bus
	now   func() time.Time
}

// NewOutbox returns an outbox; bus may be nil.
func NewOutbox(store EventWriter, bus *Bus) *Outbox {
	return &Outbox{store: store, bus: bus, now: time.Now}
}

// Publish writes the event in PENDING state and returns its id. The bus only
// sees events whose row was written.
func (o *Outbox) Publish(ctx context.Context, e db.TradingEvent) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = o.now().UTC()
	}
	e.Status = db.EventPending
	id, err := o.store.CreateEvent(ctx, e)
	if err != nil {
		return "", fmt.Errorf("publish %s: %w", e.Kind, err)
	}
	e.ID = id
	if o.bus != nil {
		if topic, ok := TopicFor(e.Kind); ok {
			o.bus.Publish(topic, e)
		}
	}
	return id, nil
}
