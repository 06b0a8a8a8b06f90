package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textrelay/server/internal/model"
	"github.com/textrelay/server/internal/session"
	"github.com/textrelay/server/internal/vault"
)

// fakeSender records replies per destination
type fakeSender struct {
	mu    sync.Mutex
	sends []string
}

func (f *fakeSender) Send(_ context.Context, to, text string) (model.DeliveryReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	return model.DeliveryReceipt{To: to, Segments: 1}, nil
}

func (f *fakeSender) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

// fakeRecorder records terminal event states
type fakeRecorder struct {
	mu      sync.Mutex
	status  map[string]model.EventStatus
	replies map[string]string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{status: make(map[string]model.EventStatus), replies: make(map[string]string)}
}

func (f *fakeRecorder) SetReply(_ context.Context, id string, status model.EventStatus, reply string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status[id] = status
	f.replies[id] = reply
	return nil
}

func (f *fakeRecorder) get(id string) (model.EventStatus, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status[id], f.replies[id]
}

// slowAgent blocks each turn until released and tracks concurrent turns per user
type slowAgent struct {
	delay time.Duration
	err   error

	mu          sync.Mutex
	inFlight    map[uuid.UUID]int
	maxInFlight int
	order       []string
}

func newSlowAgent(delay time.Duration) *slowAgent {
	return &slowAgent{delay: delay, inFlight: make(map[uuid.UUID]int)}
}

func (a *slowAgent) Turn(ctx context.Context, userID uuid.UUID, _ []model.Turn, input string) (string, error) {
	a.mu.Lock()
	a.inFlight[userID]++
	if a.inFlight[userID] > a.maxInFlight {
		a.maxInFlight = a.inFlight[userID]
	}
	a.order = append(a.order, input)
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		a.inFlight[userID]--
		a.mu.Unlock()
	}()

	select {
	case <-time.After(a.delay):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	if a.err != nil {
		return "", a.err
	}
	return "done: " + input, nil
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func newTestDispatcher(agent Agent, sender Sender, events Recorder, cfg Config) (*Dispatcher, *session.MemoryStore) {
	store := session.NewMemoryStore(time.Minute)
	return New(store, agent, sender, events, cfg), store
}

func TestDispatcher_SingleMessageProcessed(t *testing.T) {
	sender := &fakeSender{}
	events := newFakeRecorder()
	agent := NewEchoAgent()
	d, store := newTestDispatcher(agent, sender, events, Config{})
	userID := uuid.New()

	d.Dispatch(userID, "+15551234567", "msg-001", "remind me tomorrow")

	waitFor(t, func() bool { return len(sender.all()) == 1 }, "reply never sent")
	status, reply := events.get("msg-001")
	assert.Equal(t, model.EventProcessed, status)
	assert.Equal(t, "You said: remind me tomorrow", reply)
	assert.Equal(t, 1, agent.Calls())

	sess, err := store.Load(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, sess.Turns, 2, "user and assistant turns persisted")
	assert.Equal(t, 1, sess.Step)
}

func TestDispatcher_NoConcurrentTurnsPerUser(t *testing.T) {
	sender := &fakeSender{}
	agent := newSlowAgent(60 * time.Millisecond)
	d, _ := newTestDispatcher(agent, sender, newFakeRecorder(), Config{})
	userID := uuid.New()

	for i := 0; i < 4; i++ {
		d.Dispatch(userID, "+15551234567", fmt.Sprintf("msg-%d", i), fmt.Sprintf("m%d", i))
	}

	waitFor(t, func() bool { return len(sender.all()) == 4 }, "not all replies sent")
	agent.mu.Lock()
	defer agent.mu.Unlock()
	assert.Equal(t, 1, agent.maxInFlight, "at most one agent turn in flight per user")
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, agent.order, "same-user messages run in receipt order")
}

func TestDispatcher_DifferentUsersRunInParallel(t *testing.T) {
	sender := &fakeSender{}
	agent := newSlowAgent(80 * time.Millisecond)
	d, _ := newTestDispatcher(agent, sender, newFakeRecorder(), Config{})

	started := time.Now()
	for i := 0; i < 4; i++ {
		d.Dispatch(uuid.New(), fmt.Sprintf("+1555000%04d", i), fmt.Sprintf("msg-%d", i), "hello")
	}
	waitFor(t, func() bool { return len(sender.all()) == 4 }, "not all replies sent")

	elapsed := time.Since(started)
	assert.Less(t, elapsed, 250*time.Millisecond, "independent users must not serialize behind each other")
}

func TestDispatcher_QueueOverflowDropsOldestWithNotice(t *testing.T) {
	sender := &fakeSender{}
	events := newFakeRecorder()
	agent := newSlowAgent(150 * time.Millisecond)
	d, _ := newTestDispatcher(agent, sender, events, Config{QueueDepth: 2})
	userID := uuid.New()

	// First message starts processing; the next two fill the queue; the
	// fourth overflows it.
	for i := 0; i < 4; i++ {
		d.Dispatch(userID, "+15551234567", fmt.Sprintf("msg-%d", i), fmt.Sprintf("m%d", i))
		time.Sleep(10 * time.Millisecond)
	}

	waitFor(t, func() bool {
		s, _ := events.get("msg-1")
		return s == model.EventProcessed
	}, "dropped event never finalized")

	_, reply := events.get("msg-1")
	assert.Equal(t, ReplyBusy, reply, "oldest queued message dropped with a busy notice")

	waitFor(t, func() bool { return len(sender.all()) == 4 }, "every message still gets exactly one reply")
}

func TestDispatcher_AgentErrorSendsApologyAndReleasesLease(t *testing.T) {
	sender := &fakeSender{}
	events := newFakeRecorder()
	agent := newSlowAgent(0)
	agent.err = errors.New("model blew up")
	d, store := newTestDispatcher(agent, sender, events, Config{})
	userID := uuid.New()

	d.Dispatch(userID, "+15551234567", "msg-001", "hello")

	waitFor(t, func() bool { return len(sender.all()) == 1 }, "apology never sent")
	status, reply := events.get("msg-001")
	assert.Equal(t, model.EventFailed, status)
	assert.Equal(t, ReplyApology, reply)

	// Lease released on the failure path: next acquire succeeds.
	_, ok, err := store.TryAcquire(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDispatcher_ReauthErrorGetsReconnectReply(t *testing.T) {
	sender := &fakeSender{}
	events := newFakeRecorder()
	agent := newSlowAgent(0)
	agent.err = fmt.Errorf("calendar lookup for google: %w", vault.ErrNeedsReauth)
	d, _ := newTestDispatcher(agent, sender, events, Config{})

	d.Dispatch(uuid.New(), "+15551234567", "msg-001", "what's on my calendar")

	waitFor(t, func() bool { return len(sender.all()) == 1 }, "reply never sent")
	_, reply := events.get("msg-001")
	assert.Contains(t, reply, "google", "reauth reply names the provider to reconnect")
}

func TestDispatcher_TurnTimeoutSendsTimeoutApology(t *testing.T) {
	sender := &fakeSender{}
	events := newFakeRecorder()
	agent := newSlowAgent(500 * time.Millisecond)
	d, store := newTestDispatcher(agent, sender, events, Config{TurnTimeout: 50 * time.Millisecond})
	userID := uuid.New()

	d.Dispatch(userID, "+15551234567", "msg-001", "hello")

	waitFor(t, func() bool { return len(sender.all()) == 1 }, "timeout apology never sent")
	status, reply := events.get("msg-001")
	assert.Equal(t, model.EventFailed, status)
	assert.Equal(t, ReplyTimeout, reply)

	_, ok, err := store.TryAcquire(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, ok, "lease released after aborted turn")
}

func TestDispatcher_ReclaimsExpiredLease(t *testing.T) {
	store := session.NewMemoryStore(80 * time.Millisecond)
	sender := &fakeSender{}
	events := newFakeRecorder()
	d := New(store, NewEchoAgent(), sender, events, Config{
		LeaseWait:  2 * time.Second,
		LeaseRetry: 20 * time.Millisecond,
	})
	userID := uuid.New()

	// Simulated crashed worker: lease held, never released.
	_, ok, err := store.TryAcquire(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok)

	d.Dispatch(userID, "+15551234567", "msg-001", "hello")

	waitFor(t, func() bool { return len(sender.all()) == 1 }, "turn never ran after lease expiry")
	status, _ := events.get("msg-001")
	assert.Equal(t, model.EventProcessed, status, "queued message proceeds once the stale lease expires")
}

func TestDispatcher_LeaseWaitExhaustedFailsWithTimeout(t *testing.T) {
	store := session.NewMemoryStore(time.Hour)
	sender := &fakeSender{}
	events := newFakeRecorder()
	d := New(store, NewEchoAgent(), sender, events, Config{
		LeaseWait:  60 * time.Millisecond,
		LeaseRetry: 10 * time.Millisecond,
	})
	userID := uuid.New()

	_, ok, err := store.TryAcquire(context.Background(), userID)
	require.NoError(t, err)
	require.True(t, ok)

	d.Dispatch(userID, "+15551234567", "msg-001", "hello")

	waitFor(t, func() bool { return len(sender.all()) == 1 }, "timeout reply never sent")
	status, reply := events.get("msg-001")
	assert.Equal(t, model.EventFailed, status)
	assert.Equal(t, ReplyTimeout, reply)
}

func TestDispatcher_ShutdownWaitsForInFlight(t *testing.T) {
	sender := &fakeSender{}
	agent := newSlowAgent(50 * time.Millisecond)
	d, _ := newTestDispatcher(agent, sender, newFakeRecorder(), Config{})

	d.Dispatch(uuid.New(), "+15551234567", "msg-001", "hello")
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Shutdown(ctx))
	assert.Len(t, sender.all(), 1, "in-flight turn completed before shutdown returned")
}
