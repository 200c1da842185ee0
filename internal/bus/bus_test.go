package bus_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rcrt/substrate/internal/bus"
	"github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/models"
	"github.com/stretchr/testify/require"
)

// fakeSubs is a minimal in-memory contracts.SubscriptionStore for tests.
type fakeSubs struct {
	byOwner map[string][]models.SelectorSubscription
}

func (f *fakeSubs) Create(_ context.Context, s *models.SelectorSubscription) error {
	f.byOwner[s.OwnerID] = append(f.byOwner[s.OwnerID], *s)
	return nil
}
func (f *fakeSubs) Get(context.Context, string, string) (*models.SelectorSubscription, error) {
	return nil, store.ErrNotFound
}
func (f *fakeSubs) ListByOwner(_ context.Context, owner string) ([]models.SelectorSubscription, error) {
	return f.byOwner[owner], nil
}
func (f *fakeSubs) ListByAgent(_ context.Context, owner, agentID string) ([]models.SelectorSubscription, error) {
	var out []models.SelectorSubscription
	for _, s := range f.byOwner[owner] {
		if s.AgentID == agentID {
			out = append(out, s)
		}
	}
	return out, nil
}
func (f *fakeSubs) Delete(context.Context, string, string) error { return nil }

// failingDriver always fails delivery, to exercise the dead-letter path.
type failingDriver struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDriver) Kind() string { return "webhook" }
func (d *failingDriver) Send(context.Context, string, string, models.Event) error {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return errors.New("connection refused")
}

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	t.Setenv("RCRT_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore(24 * time.Hour)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPublish_EnqueuesMatchingAgent(t *testing.T) {
	s := newTestStore(t)
	subs := &fakeSubs{byOwner: map[string][]models.SelectorSubscription{
		"t1": {{OwnerID: "t1", AgentID: "agent-a", Selector: models.Selector{AnyTags: []string{"important"}}}},
	}}
	b := bus.New(s, subs, &failingDriver{}, bus.Config{PerAgentQueueDepth: 4})

	q := b.Queue("t1", "agent-a")
	b.Publish(context.Background(), models.Event{Kind: models.EventCreated, ID: "bc1", OwnerID: "t1", Tags: []string{"important"}})

	select {
	case ev := <-q:
		require.Equal(t, "bc1", ev.ID)
	case <-time.After(time.Second):
		t.Fatal("expected event on agent queue")
	}
}

func TestPublish_NonMatchingSelectorIsNotEnqueued(t *testing.T) {
	s := newTestStore(t)
	subs := &fakeSubs{byOwner: map[string][]models.SelectorSubscription{
		"t1": {{OwnerID: "t1", AgentID: "agent-a", Selector: models.Selector{AnyTags: []string{"other"}}}},
	}}
	b := bus.New(s, subs, &failingDriver{}, bus.Config{PerAgentQueueDepth: 4})

	q := b.Queue("t1", "agent-a")
	b.Publish(context.Background(), models.Event{Kind: models.EventCreated, ID: "bc1", OwnerID: "t1", Tags: []string{"important"}})

	select {
	case <-q:
		t.Fatal("did not expect event for non-matching selector")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDeliver_ExhaustsToDeadLetter(t *testing.T) {
	s := newTestStore(t)
	subs := &fakeSubs{byOwner: map[string][]models.SelectorSubscription{
		"t1": {{OwnerID: "t1", AgentID: "agent-a", Selector: models.Selector{}}},
	}}
	require.NoError(t, s.CreateWebhook(context.Background(), &models.Webhook{
		OwnerID: "t1", AgentID: "agent-a", URL: "http://example.invalid/hook", Secret: "shh",
	}))

	driver := &failingDriver{}
	b := bus.New(s, subs, driver, bus.Config{
		PerAgentQueueDepth: 4,
		BaseBackoff:        time.Millisecond,
		MaxBackoff:         2 * time.Millisecond,
		MaxAttempts:        2,
		JitterFrac:         0,
		SendTimeout:        time.Second,
	})

	b.Publish(context.Background(), models.Event{Kind: models.EventCreated, ID: "bc1", OwnerID: "t1", Version: 1})

	require.Eventually(t, func() bool {
		dls, err := s.ListDeadLetters(context.Background(), "t1", 0)
		return err == nil && len(dls) == 1
	}, 2*time.Second, 10*time.Millisecond)

	dls, err := s.ListDeadLetters(context.Background(), "t1", 0)
	require.NoError(t, err)
	require.Equal(t, "bc1", dls[0].Event.ID)
	require.Equal(t, 2, dls[0].Attempts)
}
