package gateway

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StubSegment records one segment delivered to the stub provider.
type StubSegment struct {
	From          string
	To            string
	Body          string
	CorrelationID uuid.UUID
	Part          int
	Total         int
}

// StubProvider is an in-memory Provider for dev mode and tests. It records
// every segment and can be told to fail.
type StubProvider struct {
	mu       sync.Mutex
	segments []StubSegment
	seq      int
	failWith error
}

// NewStubProvider creates a recording stub provider
func NewStubProvider() *StubProvider {
	return &StubProvider{}
}

// FailWith makes subsequent sends return err; nil restores success.
func (p *StubProvider) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failWith = err
}

func (p *StubProvider) SendSegment(_ context.Context, from, to, body string, correlationID uuid.UUID, part, total int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failWith != nil {
		return "", p.failWith
	}
	p.seq++
	p.segments = append(p.segments, StubSegment{
		From:          from,
		To:            to,
		Body:          body,
		CorrelationID: correlationID,
		Part:          part,
		Total:         total,
	})
	return fmt.Sprintf("SM%08d", p.seq), nil
}

// Segments returns a copy of everything sent so far.
func (p *StubProvider) Segments() []StubSegment {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]StubSegment(nil), p.segments...)
}

// SentTo returns the full reassembled bodies sent to a number, in order.
func (p *StubProvider) SentTo(to string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	byCorrelation := make(map[uuid.UUID]int)
	for _, s := range p.segments {
		if s.To != to {
			continue
		}
		if idx, ok := byCorrelation[s.CorrelationID]; ok {
			out[idx] += s.Body
		} else {
			byCorrelation[s.CorrelationID] = len(out)
			out = append(out, s.Body)
		}
	}
	return out
}
