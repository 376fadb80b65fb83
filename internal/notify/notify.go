// Package notify fans settlement events out to best-effort sinks.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Kind string

const (
	ProofSubmitted  Kind = "proof_submitted"
	ProofValidated  Kind = "proof_validated"
	VoteCast        Kind = "vote_cast"
	DisputeOpened   Kind = "dispute_opened"
	DisputeResolved Kind = "dispute_resolved"
	Payout          Kind = "payout"
	Refund          Kind = "refund"
)

// Event is one notification addressed to one user.
type Event struct {
	Kind        Kind
	UserID      uuid.UUID
	ChallengeID uuid.UUID
	Message     string
	At          time.Time
}

// Notifier accepts events without blocking the caller.
type Notifier interface {
	Notify(e Event)
}

// Sink delivers a single event.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, e Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Notify(Event) {}

// Dispatcher queues events and delivers them to every sink from one worker.
// A full queue drops the event. Sink errors and panics are logged only.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	log     *zap.SugaredLogger
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

// NewDispatcher starts the delivery worker.
func NewDispatcher(log *zap.SugaredLogger, queueSize int, sinks ...Sink) *Dispatcher {
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, queueSize),
		log:     log,
		timeout: 10 * time.Second,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Notify(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	select {
	case d.queue <- e:
	default:
		d.log.Warnw("notification queue full, dropping event", "kind", e.Kind, "user_id", e.UserID)
	}
}

// Close stops accepting events and waits for the queue to drain.
func (d *Dispatcher) Close() {
	d.once.Do(func() { close(d.queue) })
	d.wg.Wait()
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for e := range d.queue {
		for _, s := range d.sinks {
			d.deliver(s, e)
		}
	}
}

func (d *Dispatcher) deliver(s Sink, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Errorw("notification sink panicked", "sink", s.Name(), "kind", e.Kind, "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := s.Deliver(ctx, e); err != nil {
		d.log.Warnw("notification delivery failed", "sink", s.Name(), "kind", e.Kind, "user_id", e.UserID, "error", err)
	}
}

// LogSink writes every event to the structured log.
type LogSink struct {
	Log *zap.SugaredLogger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(ctx context.Context, e Event) error {
	s.Log.Infow("notification",
		"kind", e.Kind,
		"user_id", e.UserID,
		"challenge_id", e.ChallengeID,
		"message", e.Message,
	)
	return nil
}
