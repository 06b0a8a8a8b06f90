package gateway

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/textrelay/server/internal/breaker"
	"github.com/textrelay/server/internal/model"
)

// SendError is a typed delivery failure. Transient failures (provider
// throttling, 5xx, network) may be retried by policy; permanent ones
// (invalid number, blocked destination) never are.
type SendError struct {
	Code      string
	Message   string
	Temporary bool
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send failed (%s): %s", e.Code, e.Message)
}

func (e *SendError) Transient() bool { return e.Temporary }

// Provider delivers one SMS segment through the external SMS API.
type Provider interface {
	SendSegment(ctx context.Context, from, to, body string, correlationID uuid.UUID, part, total int) (providerMsgID string, err error)
}

// Gateway formats and sends outbound SMS. Long texts are split into ordered
// segments sharing one correlation ID; every provider call goes through the
// rate limiter and circuit breaker.
type Gateway struct {
	provider Provider
	calls    *breaker.Registry
	fromPool []string
}

// New creates a delivery gateway. fromPool is the sender identity pool: one
// number for the shared-sender deployment, several to spread users across
// dedicated senders.
func New(provider Provider, calls *breaker.Registry, fromPool []string) *Gateway {
	return &Gateway{provider: provider, calls: calls, fromPool: fromPool}
}

// Send delivers text to the phone number, segmenting as needed. The receipt
// reports how far delivery got; on error the receipt covers the segments
// already accepted by the provider.
func (g *Gateway) Send(ctx context.Context, to, text string) (model.DeliveryReceipt, error) {
	segments := Segment(text)
	receipt := model.DeliveryReceipt{
		CorrelationID: uuid.New(),
		To:            to,
		Segments:      len(segments),
		SentAt:        time.Now(),
	}
	from := g.senderFor(to)

	for i, segment := range segments {
		var providerID string
		part, total := i+1, len(segments)
		// Sends are writes: one attempt each, no blind retry.
		err := g.doCall(ctx, func(ctx context.Context) error {
			var err error
			providerID, err = g.provider.SendSegment(ctx, from, to, segment, receipt.CorrelationID, part, total)
			return err
		})
		if err != nil {
			return receipt, fmt.Errorf("send segment %d/%d (correlation %s): %w", part, total, receipt.CorrelationID, err)
		}
		receipt.ProviderIDs = append(receipt.ProviderIDs, providerID)
		if total > 1 {
			log.Printf("Sent segment %d/%d correlation=%s provider_id=%s", part, total, receipt.CorrelationID, providerID)
		}
	}
	return receipt, nil
}

func (g *Gateway) doCall(ctx context.Context, fn func(context.Context) error) error {
	if g.calls == nil {
		return fn(ctx)
	}
	return g.calls.Do(ctx, "sms", false, fn)
}

// senderFor picks a sender identity for the destination. With a pool of one
// this is the shared number; larger pools map each user's phone number to a
// stable sender.
func (g *Gateway) senderFor(to string) string {
	if len(g.fromPool) == 1 {
		return g.fromPool[0]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(to))
	return g.fromPool[h.Sum32()%uint32(len(g.fromPool))]
}
