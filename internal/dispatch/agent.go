package dispatch

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/textrelay/server/internal/model"
)

// Agent runs one conversational turn for a user. Implementations call the
// language model and the user's connected providers; a turn may take
// seconds and is bounded by the dispatcher's wall-clock budget.
type Agent interface {
	Turn(ctx context.Context, userID uuid.UUID, history []model.Turn, input string) (reply string, err error)
}

// EchoAgent is the dev-mode and test agent: it answers immediately and
// counts its invocations.
type EchoAgent struct {
	mu    sync.Mutex
	calls int
}

// NewEchoAgent creates an echo agent
func NewEchoAgent() *EchoAgent { return &EchoAgent{} }

func (a *EchoAgent) Turn(_ context.Context, _ uuid.UUID, history []model.Turn, input string) (string, error) {
	a.mu.Lock()
	a.calls++
	a.mu.Unlock()
	return fmt.Sprintf("You said: %s", strings.TrimSpace(input)), nil
}

// Calls returns how many turns ran.
func (a *EchoAgent) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}
