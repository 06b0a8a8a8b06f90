package router

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/textrelay/server/internal/dispatch"
	"github.com/textrelay/server/internal/identity"
	"github.com/textrelay/server/internal/metrics"
	"github.com/textrelay/server/internal/model"
	"github.com/textrelay/server/internal/repo"
)

// ReplyRegister is sent to numbers without an active binding; the agent is
// never invoked for them.
const ReplyRegister = "This number isn't connected to an account yet. Sign up and verify your phone number to get started."

// State is the terminal state of one inbound delivery as seen by the router.
type State string

const (
	// StateDispatched: identified and handed to the dispatcher; the reply
	// follows asynchronously.
	StateDispatched State = "dispatched"
	// StateUnidentified: sender unknown, registration prompt sent.
	StateUnidentified State = "unidentified"
	// StateDuplicate: idempotency hit, absorbed without reprocessing.
	StateDuplicate State = "duplicate"
	// StateFailed: error path, apology sent.
	StateFailed State = "failed"
)

// Outcome is what the webhook handler gets back immediately. Reply carries
// the previously computed text on a duplicate of a finished event; the
// normal path answers asynchronously through the gateway.
type Outcome struct {
	State State
	Reply string
}

// Resolver maps sender phone numbers to user IDs. Satisfied by *identity.Store.
type Resolver interface {
	Resolve(ctx context.Context, phone string) (uuid.UUID, error)
	TouchLastSeen(ctx context.Context, phone string) error
}

// Dispatcher accepts an identified message for asynchronous processing.
// Satisfied by *dispatch.Dispatcher.
type Dispatcher interface {
	Dispatch(userID uuid.UUID, phone, eventID, body string)
}

// Sender delivers router-originated replies (registration prompts,
// apologies). Satisfied by *gateway.Gateway.
type Sender interface {
	Send(ctx context.Context, to, text string) (model.DeliveryReceipt, error)
}

// Router demultiplexes inbound webhook events to user sessions. Every
// delivery ends in exactly one outbound reply: the agent's answer, a
// registration prompt, or an apology. Duplicates of an answered event get
// nothing new; the original reply already went out.
type Router struct {
	events     repo.EventRepo
	resolver   Resolver
	dispatcher Dispatcher
	sender     Sender
}

// New creates a message router
func New(events repo.EventRepo, resolver Resolver, dispatcher Dispatcher, sender Sender) *Router {
	return &Router{events: events, resolver: resolver, dispatcher: dispatcher, sender: sender}
}

// HandleInbound processes one webhook delivery. It returns quickly: agent
// work happens on the dispatcher's per-user consumer, and the router only
// performs the idempotency check, identity resolution, and handoff inline.
func (r *Router) HandleInbound(ctx context.Context, providerMessageID, from, body string) Outcome {
	created, err := r.events.InsertIfAbsent(ctx, providerMessageID, from, body)
	if err != nil {
		log.Printf("Failed to record inbound event %s from %s: %v", providerMessageID, maskPhone(from), err)
		return r.fail(providerMessageID, from)
	}

	if !created {
		return r.duplicate(ctx, providerMessageID, from)
	}

	userID, err := r.resolver.Resolve(ctx, from)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			// Not an operator incident: unknown senders are expected.
			return r.unidentified(ctx, providerMessageID, from)
		}
		log.Printf("Identity resolution failed for event %s from %s: %v", providerMessageID, maskPhone(from), err)
		return r.fail(providerMessageID, from)
	}

	if err := r.resolver.TouchLastSeen(ctx, from); err != nil {
		log.Printf("Failed to touch binding for %s: %v", maskPhone(from), err)
	}
	if err := r.events.MarkStatus(ctx, providerMessageID, model.EventRouted); err != nil {
		log.Printf("Failed to mark event %s routed: %v", providerMessageID, err)
	}

	r.dispatcher.Dispatch(userID, from, providerMessageID, body)
	return Outcome{State: StateDispatched}
}

// duplicate absorbs a provider redelivery. A finished event's stored reply
// is surfaced to the caller; nothing is re-sent and the agent never reruns.
func (r *Router) duplicate(ctx context.Context, providerMessageID, from string) Outcome {
	metrics.DuplicateEvents.Inc()
	event, err := r.events.GetByProviderID(ctx, providerMessageID)
	if err != nil {
		log.Printf("Failed to load duplicate event %s from %s: %v", providerMessageID, maskPhone(from), err)
		return Outcome{State: StateDuplicate}
	}
	out := Outcome{State: StateDuplicate}
	switch event.Status {
	case model.EventProcessed, model.EventFailed:
		if event.Reply != nil {
			out.Reply = *event.Reply
		}
	default:
		// Still in flight: the original delivery will answer.
	}
	return out
}

// unidentified answers an unbound number with the registration prompt.
func (r *Router) unidentified(ctx context.Context, providerMessageID, from string) Outcome {
	if err := r.events.SetReply(ctx, providerMessageID, model.EventProcessed, ReplyRegister); err != nil {
		log.Printf("Failed to finalize unidentified event %s: %v", providerMessageID, err)
	}
	metrics.InboundEvents.WithLabelValues(string(model.EventProcessed)).Inc()
	r.sendAsync(from, ReplyRegister)
	return Outcome{State: StateUnidentified}
}

// fail is the outermost error path: whatever went wrong, the sender still
// gets one apology.
func (r *Router) fail(providerMessageID, from string) Outcome {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.events.SetReply(ctx, providerMessageID, model.EventFailed, dispatch.ReplyApology); err != nil {
		log.Printf("Failed to finalize failed event %s: %v", providerMessageID, err)
	}
	metrics.InboundEvents.WithLabelValues(string(model.EventFailed)).Inc()
	r.sendAsync(from, dispatch.ReplyApology)
	return Outcome{State: StateFailed}
}

// sendAsync delivers a router-originated reply off the webhook path; the
// provider expects a sub-second acknowledgment.
func (r *Router) sendAsync(to, text string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.sender.Send(ctx, to, text); err != nil {
			metrics.OutboundSends.WithLabelValues("error").Inc()
			log.Printf("Failed to send router reply to %s: %v", maskPhone(to), err)
			return
		}
		metrics.OutboundSends.WithLabelValues("ok").Inc()
	}()
}

// maskPhone masks a phone number for logging (e.g. +1********67)
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return phone[:2] + strings.Repeat("*", len(phone)-4) + phone[len(phone)-2:]
}
