package txhistory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/mojitoswap/lp-withdraw/internal/queue"
)

const EventVersion = "txhistory.event.v1"

type EventKind string

const (
	EventRecorded EventKind = "recorded"
	EventOutcome  EventKind = "outcome"
)

// Event is the queue payload for a record insert or an outcome change.
type Event struct {
	Version string    `json:"version"`
	Kind    EventKind `json:"kind"`

	Record *Record `json:"record,omitempty"`

	Hash    common.Hash `json:"hash"`
	Outcome Outcome     `json:"outcome,omitempty"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

func DecodeEvent(b []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(b, &ev); err != nil {
		return Event{}, fmt.Errorf("txhistory: decode event: %w", err)
	}
	if ev.Version != EventVersion {
		return Event{}, fmt.Errorf("%w: unsupported event version %q", ErrInvalidRecord, ev.Version)
	}
	switch ev.Kind {
	case EventRecorded:
		if ev.Record == nil {
			return Event{}, fmt.Errorf("%w: recorded event without record", ErrInvalidRecord)
		}
	case EventOutcome:
		if !ev.Outcome.Terminal() && ev.Outcome != OutcomePending {
			return Event{}, fmt.Errorf("%w: outcome event with outcome %s", ErrInvalidRecord, ev.Outcome)
		}
	default:
		return Event{}, fmt.Errorf("%w: unknown event kind %q", ErrInvalidRecord, ev.Kind)
	}
	return ev, nil
}

// QueueRecorder publishes record events keyed by transaction hash.
type QueueRecorder struct {
	producer queue.Producer
	topic    string
	now      func() time.Time
}

func NewQueueRecorder(producer queue.Producer, topic string) (*QueueRecorder, error) {
	if producer == nil {
		return nil, errors.New("txhistory: nil producer")
	}
	topic = strings.TrimSpace(topic)
	if topic == "" {
		topic = queue.DefaultRecordTopic
	}
	return &QueueRecorder{producer: producer, topic: topic, now: time.Now}, nil
}

func (q *QueueRecorder) Record(ctx context.Context, r Record) error {
	if err := r.Validate(); err != nil {
		return err
	}
	rec := r
	return q.publish(ctx, Event{Kind: EventRecorded, Record: &rec, Hash: r.Hash, Outcome: r.Outcome})
}

func (q *QueueRecorder) UpdateOutcome(ctx context.Context, hash common.Hash, outcome Outcome, reason string) error {
	return q.publish(ctx, Event{Kind: EventOutcome, Hash: hash, Outcome: outcome, Reason: reason})
}

func (q *QueueRecorder) publish(ctx context.Context, ev Event) error {
	ev.Version = EventVersion
	ev.At = q.now().UTC()
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("txhistory: encode event: %w", err)
	}
	if err := q.producer.Publish(ctx, q.topic, ev.Hash.Bytes(), b); err != nil {
		return fmt.Errorf("txhistory: publish %s: %w", ev.Kind, err)
	}
	return nil
}

// Apply writes ev to r.
func Apply(ctx context.Context, r Recorder, ev Event) error {
	switch ev.Kind {
	case EventRecorded:
		return r.Record(ctx, *ev.Record)
	case EventOutcome:
		return r.UpdateOutcome(ctx, ev.Hash, ev.Outcome, ev.Reason)
	default:
		return fmt.Errorf("%w: unknown event kind %q", ErrInvalidRecord, ev.Kind)
	}
}

// Ingest applies queued events to r until ctx ends or the consumer closes.
//
// Malformed events are logged and acked so they do not block the partition. Store errors leave the
// message unacked and are returned.
func Ingest(ctx context.Context, c queue.Consumer, r Recorder, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	msgs, errs := c.Messages(), c.Errors()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn("queue consumer error", "err", err)
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			ev, err := DecodeEvent(msg.Value)
			if err != nil {
				log.Warn("dropping malformed record event", "err", err)
				if err := msg.Ack(ctx); err != nil {
					return fmt.Errorf("txhistory: ack: %w", err)
				}
				continue
			}
			if err := Apply(ctx, r, ev); err != nil {
				if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrRecordMismatch) {
					log.Warn("skipping conflicting record event", "hash", ev.Hash, "kind", ev.Kind, "err", err)
				} else {
					return fmt.Errorf("txhistory: apply %s %s: %w", ev.Kind, ev.Hash, err)
				}
			}
			if err := msg.Ack(ctx); err != nil {
				return fmt.Errorf("txhistory: ack: %w", err)
			}
		}
	}
}
