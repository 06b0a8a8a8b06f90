package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/textrelay/server/internal/metrics"
	"github.com/textrelay/server/internal/model"
	"github.com/textrelay/server/internal/session"
	"github.com/textrelay/server/internal/vault"
)

// User-facing replies for failure paths. Every inbound message gets exactly
// one reply; operator detail stays in logs.
const (
	ReplyApology = "Sorry, something went wrong on my side. Please try again in a moment."
	ReplyTimeout = "Sorry, that took longer than expected. Please try sending your message again."
	ReplyBusy    = "I'm still working on your earlier messages — please wait for my reply before sending more."
)

// ReplyReauth asks the user to reconnect a provider account.
func ReplyReauth(provider string) string {
	return fmt.Sprintf("I've lost access to your %s account. Please reconnect it to continue.", provider)
}

// Sender delivers the computed reply. Satisfied by *gateway.Gateway.
type Sender interface {
	Send(ctx context.Context, to, text string) (model.DeliveryReceipt, error)
}

// Recorder stores each event's terminal state and reply so provider
// redeliveries can be answered without re-running the turn.
type Recorder interface {
	SetReply(ctx context.Context, providerMessageID string, status model.EventStatus, reply string) error
}

// Config tunes the dispatcher
type Config struct {
	// QueueDepth bounds each user's backlog; beyond it the oldest queued
	// message is dropped with a busy notice.
	QueueDepth int
	// TurnTimeout is the wall-clock budget for one agent turn.
	TurnTimeout time.Duration
	// LeaseWait is how long a worker keeps trying to acquire the session
	// lease before giving up (covers reclaim of a crashed holder's lease).
	LeaseWait time.Duration
	// LeaseRetry is the poll interval while waiting for the lease.
	LeaseRetry time.Duration
}

type item struct {
	eventID string
	phone   string
	body    string
}

type userQueue struct {
	items   []item
	running bool
}

// Dispatcher owns per-user concurrency: at most one agent turn in flight
// per user, overlapping messages queued FIFO and drained one at a time by a
// per-user consumer goroutine. Users are fully independent of each other.
type Dispatcher struct {
	sessions session.Store
	agent    Agent
	sender   Sender
	events   Recorder
	cfg      Config

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
	queues map[uuid.UUID]*userQueue
}

// New creates a dispatcher
func New(sessions session.Store, agent Agent, sender Sender, events Recorder, cfg Config) *Dispatcher {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 8
	}
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 30 * time.Second
	}
	if cfg.LeaseWait <= 0 {
		cfg.LeaseWait = 4 * cfg.TurnTimeout
	}
	if cfg.LeaseRetry <= 0 {
		cfg.LeaseRetry = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		sessions: sessions,
		agent:    agent,
		sender:   sender,
		events:   events,
		cfg:      cfg,
		baseCtx:  ctx,
		cancel:   cancel,
		queues:   make(map[uuid.UUID]*userQueue),
	}
}

// Dispatch enqueues an inbound message for the user and returns immediately;
// the webhook handler must answer the provider fast, so the agent turn runs
// on the user's consumer goroutine.
func (d *Dispatcher) Dispatch(userID uuid.UUID, phone, eventID, body string) {
	var dropped *item

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		log.Printf("Dispatcher shutting down: refusing event %s for user %s", eventID, userID)
		return
	}
	q, ok := d.queues[userID]
	if !ok {
		q = &userQueue{}
		d.queues[userID] = q
	}
	if len(q.items) >= d.cfg.QueueDepth {
		head := q.items[0]
		q.items = q.items[1:]
		dropped = &head
	}
	q.items = append(q.items, item{eventID: eventID, phone: phone, body: body})
	start := !q.running
	q.running = true
	d.mu.Unlock()

	if dropped != nil {
		metrics.QueueDrops.Inc()
		log.Printf("Queue full for user %s: dropping oldest event %s", userID, dropped.eventID)
		head := *dropped
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.finish(userID, head, model.EventProcessed, ReplyBusy)
		}()
	}
	if start {
		d.wg.Add(1)
		go d.drain(userID)
	}
}

// drain is the single consumer for one user's queue. It exits when the
// queue empties and restarts on the next Dispatch.
func (d *Dispatcher) drain(userID uuid.UUID) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		q := d.queues[userID]
		if len(q.items) == 0 || d.closed {
			q.running = false
			d.mu.Unlock()
			return
		}
		next := q.items[0]
		q.items = q.items[1:]
		d.mu.Unlock()

		d.process(userID, next)
	}
}

// process runs one agent turn under the session lease. The lease is
// released on every exit path; a turn that exceeds the wall-clock budget is
// aborted and answered with a timeout apology.
func (d *Dispatcher) process(userID uuid.UUID, it item) {
	holder, ok := d.acquire(userID)
	if !ok {
		metrics.LeaseTimeouts.Inc()
		log.Printf("Lease wait exhausted for user %s event %s", userID, it.eventID)
		d.finish(userID, it, model.EventFailed, ReplyTimeout)
		return
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.sessions.Release(releaseCtx, userID, holder); err != nil {
			log.Printf("Failed to release lease for user %s: %v", userID, err)
		}
	}()

	turnCtx, cancel := context.WithTimeout(d.baseCtx, d.cfg.TurnTimeout)
	defer cancel()

	sess, err := d.sessions.Load(turnCtx, userID)
	if err != nil {
		log.Printf("Failed to load session for user %s event %s: %v", userID, it.eventID, err)
		d.finish(userID, it, model.EventFailed, ReplyApology)
		return
	}

	started := time.Now()
	reply, err := d.agent.Turn(turnCtx, userID, sess.Turns, it.body)
	elapsed := time.Since(started)
	if err != nil {
		status, text, outcome := classifyTurnError(err)
		metrics.AgentTurns.WithLabelValues(outcome).Observe(elapsed.Seconds())
		log.Printf("Agent turn %s for user %s event %s after %v: %v", outcome, userID, it.eventID, elapsed, err)
		d.finish(userID, it, status, text)
		return
	}
	metrics.AgentTurns.WithLabelValues("ok").Observe(elapsed.Seconds())

	persistCtx, cancelPersist := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelPersist()
	if _, err := d.sessions.AppendTurns(persistCtx, userID,
		model.Turn{Role: model.RoleUser, Content: it.body},
		model.Turn{Role: model.RoleAssistant, Content: reply},
	); err != nil {
		log.Printf("Failed to persist turns for user %s event %s: %v", userID, it.eventID, err)
		d.finish(userID, it, model.EventFailed, ReplyApology)
		return
	}

	d.finish(userID, it, model.EventProcessed, reply)
}

// acquire polls for the session lease up to the configured wait. Normally
// the single consumer gets it immediately; the wait covers reclaiming the
// lease of a holder that crashed without releasing.
func (d *Dispatcher) acquire(userID uuid.UUID) (uuid.UUID, bool) {
	deadline := time.Now().Add(d.cfg.LeaseWait)
	for {
		ctx, cancel := context.WithTimeout(d.baseCtx, 5*time.Second)
		holder, ok, err := d.sessions.TryAcquire(ctx, userID)
		cancel()
		if err != nil {
			log.Printf("Lease acquire error for user %s: %v", userID, err)
		} else if ok {
			return holder, true
		}
		if time.Now().After(deadline) || d.baseCtx.Err() != nil {
			return uuid.Nil, false
		}
		select {
		case <-time.After(d.cfg.LeaseRetry):
		case <-d.baseCtx.Done():
			return uuid.Nil, false
		}
	}
}

// finish records the event's terminal state and sends the single reply the
// user gets for this message. Send failures are logged, not retried here:
// the limiter and breaker already applied their policy, and over-retrying
// user notifications is worse than one missed message.
func (d *Dispatcher) finish(userID uuid.UUID, it item, status model.EventStatus, reply string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.events.SetReply(ctx, it.eventID, status, reply); err != nil {
		log.Printf("Failed to record event %s for user %s: %v", it.eventID, userID, err)
	}
	metrics.InboundEvents.WithLabelValues(string(status)).Inc()

	if _, err := d.sender.Send(ctx, it.phone, reply); err != nil {
		metrics.OutboundSends.WithLabelValues("error").Inc()
		log.Printf("Failed to send reply for event %s to %s: %v", it.eventID, maskPhone(it.phone), err)
		return
	}
	metrics.OutboundSends.WithLabelValues("ok").Inc()
}

func classifyTurnError(err error) (model.EventStatus, string, string) {
	switch {
	case errors.Is(err, vault.ErrNeedsReauth):
		// Recoverable by the user, not an operator incident.
		return model.EventFailed, ReplyReauth(providerName(err)), "reauth"
	case errors.Is(err, context.DeadlineExceeded):
		return model.EventFailed, ReplyTimeout, "timeout"
	default:
		return model.EventFailed, ReplyApology, "error"
	}
}

// providerName pulls a provider name out of a reauth error message when one
// is present; falls back to a generic wording.
func providerName(err error) string {
	for _, p := range []model.Provider{model.ProviderGoogle, model.ProviderMicrosoft, model.ProviderNotion, model.ProviderYouTube} {
		if strings.Contains(err.Error(), string(p)) {
			return string(p)
		}
	}
	return "connected"
}

// Shutdown stops draining queues and waits for in-flight turns to finish.
// If the context expires first, remaining turns are aborted.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		return ctx.Err()
	}
}

// QueueLen reports the user's current backlog, for tests and introspection.
func (d *Dispatcher) QueueLen(userID uuid.UUID) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[userID]
	if !ok {
		return 0
	}
	return len(q.items)
}

// maskPhone masks a phone number for logging (e.g. +1********67)
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
