/*
dispatcher.go - draining the transactional outbox

Events are written in the same transaction as the state change they
announce; the dispatcher polls pending rows and hands them to a
Publisher. Delivery is at-least-once: a publish that fails is marked
and retried on a later pass, a publish that succeeds before its mark
may be delivered twice. Consumers key on the event id.
*/

package outbox

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/previsora/cobranza-engine/core"
)

var (
	eventsPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cobranza_outbox_published_total",
		Help: "Outbox events handed to the publisher",
	})

	eventsFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cobranza_outbox_failed_total",
		Help: "Publish attempts that failed and were left for retry",
	})
)

// Publisher delivers one event to wherever downstream listens.
type Publisher interface {
	Publish(ctx context.Context, ev core.OutboxEvent) error
}

// LogPublisher writes events to the log. The default until a real
// broker is wired.
type LogPublisher struct {
	Log zerolog.Logger
}

func (p LogPublisher) Publish(_ context.Context, ev core.OutboxEvent) error {
	p.Log.Info().
		Str("event_id", ev.ID).
		Str("topic", ev.Topic).
		RawJSON("payload", ev.Payload).
		Msg("event published")
	return nil
}

// Dispatcher polls the outbox and publishes pending events.
type Dispatcher struct {
	Store     core.Store
	Publisher Publisher
	Interval  time.Duration
	BatchSize int
	Log       zerolog.Logger
}

// NewDispatcher wires a dispatcher with sane defaults and a log
// publisher.
func NewDispatcher(store core.Store, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		Store:     store,
		Publisher: LogPublisher{Log: log},
		Interval:  2 * time.Second,
		BatchSize: 50,
		Log:       log,
	}
}

// Run polls until the context is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Drain(ctx); err != nil {
				d.Log.Error().Err(err).Msg("outbox drain failed")
			}
		}
	}
}

// Drain publishes one batch of pending events and reports how many
// went out.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	events, err := d.Store.PendingEvents(ctx, d.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, ev := range events {
		if err := d.Publisher.Publish(ctx, ev); err != nil {
			eventsFailed.Inc()
			d.Log.Warn().Err(err).
				Str("event_id", ev.ID).
				Str("topic", ev.Topic).
				Msg("event publish failed")
			if err := d.Store.MarkEventFailed(ctx, ev.ID, err.Error()); err != nil {
				return published, err
			}
			continue
		}
		if err := d.Store.MarkEventPublished(ctx, ev.ID); err != nil {
			return published, err
		}
		eventsPublished.Inc()
		published++
	}
	return published, nil
}
