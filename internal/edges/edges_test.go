package edges_test

import (
	"context"
	"testing"
	"time"

	"github.com/rcrt/substrate/internal/config"
	"github.com/rcrt/substrate/internal/edges"
	"github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/models"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	t.Setenv("RCRT_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore(24 * time.Hour)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConfig() config.EdgeConfig {
	return config.EdgeConfig{
		TagMinShared:     2,
		TemporalWindow:   5 * time.Minute,
		TemporalCost:     0.5,
		SemanticK:        8,
		SemanticMinScore: 0.75,
	}
}

func create(t *testing.T, s *store.MemoryStore, bc *models.Breadcrumb) *models.Breadcrumb {
	t.Helper()
	created, err := s.CreateBreadcrumb(context.Background(), store.CreateParams{Breadcrumb: bc})
	require.NoError(t, err)
	return created
}

func TestBuilder_CausalEdges_ResolvesReferencesAndSkipsDangling(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	parent := create(t, s, &models.Breadcrumb{OwnerID: "t1", Title: "parent", Context: []byte(`{}`)})

	b := edges.New(s, testConfig())
	b.Start(ctx)
	defer b.Stop()

	child := create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "child",
		Context: []byte(`{"parent_id":"` + parent.ID + `","caused_by":"missing-id"}`),
	})
	b.Publish("t1", models.Event{Kind: models.EventCreated, ID: child.ID, OwnerID: "t1"})

	require.Eventually(t, func() bool {
		es, err := s.EdgesFrom(ctx, "t1", child.ID)
		return err == nil && len(es) == 1
	}, time.Second, 5*time.Millisecond)

	es, err := s.EdgesFrom(ctx, "t1", child.ID)
	require.NoError(t, err)
	require.Len(t, es, 1, "the dangling missing-id reference must never materialize an edge")
	require.Equal(t, models.EdgeCausal, es[0].Kind)
	require.Equal(t, parent.ID, es[0].ToID)
}

func TestBuilder_TagEdges_RequireMinSharedTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	create(t, s, &models.Breadcrumb{OwnerID: "t1", Title: "a", Context: []byte(`{}`), Tags: []string{"alpha", "beta"}})
	create(t, s, &models.Breadcrumb{OwnerID: "t1", Title: "b", Context: []byte(`{}`), Tags: []string{"alpha"}})

	b := edges.New(s, testConfig())
	b.Start(ctx)
	defer b.Stop()

	trigger := create(t, s, &models.Breadcrumb{OwnerID: "t1", Title: "c", Context: []byte(`{}`), Tags: []string{"alpha", "beta"}})
	b.Publish("t1", models.Event{Kind: models.EventCreated, ID: trigger.ID, OwnerID: "t1"})

	require.Eventually(t, func() bool {
		es, err := s.EdgesFrom(ctx, "t1", trigger.ID)
		return err == nil && len(es) > 0
	}, time.Second, 5*time.Millisecond)

	es, err := s.EdgesFrom(ctx, "t1", trigger.ID)
	require.NoError(t, err)
	require.Len(t, es, 1, "only the two-shared-tag breadcrumb should link, not the one-shared-tag breadcrumb")
	require.Equal(t, models.EdgeTag, es[0].Kind)
}

func TestBuilder_PutEdges_IsIdempotentByFromIDAndKind(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	bc := create(t, s, &models.Breadcrumb{OwnerID: "t1", Title: "a", Context: []byte(`{}`), Tags: []string{"x", "y"}})

	require.NoError(t, s.PutEdges(ctx, "t1", bc.ID, models.EdgeTag, []models.Edge{
		{OwnerID: "t1", FromID: bc.ID, ToID: "n1", Kind: models.EdgeTag, Cost: 1},
		{OwnerID: "t1", FromID: bc.ID, ToID: "n2", Kind: models.EdgeTag, Cost: 1},
	}))
	es, err := s.EdgesFrom(ctx, "t1", bc.ID)
	require.NoError(t, err)
	require.Len(t, es, 2)

	// A second PutEdges call for the same (from_id, kind) replaces, not appends.
	require.NoError(t, s.PutEdges(ctx, "t1", bc.ID, models.EdgeTag, []models.Edge{
		{OwnerID: "t1", FromID: bc.ID, ToID: "n3", Kind: models.EdgeTag, Cost: 1},
	}))
	es, err = s.EdgesFrom(ctx, "t1", bc.ID)
	require.NoError(t, err)
	require.Len(t, es, 1)
	require.Equal(t, "n3", es[0].ToID)
}

func TestBuilder_TemporalEdges_RespectWindow(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	create(t, s, &models.Breadcrumb{OwnerID: "t1", Title: "old", Context: []byte(`{}`), Tags: []string{"session:abc"}})

	cfg := testConfig()
	cfg.TemporalWindow = time.Hour
	b := edges.New(s, cfg)
	b.Start(ctx)
	defer b.Stop()

	sibling := create(t, s, &models.Breadcrumb{OwnerID: "t1", Title: "new", Context: []byte(`{}`), Tags: []string{"session:abc"}})
	b.Publish("t1", models.Event{Kind: models.EventCreated, ID: sibling.ID, OwnerID: "t1"})

	require.Eventually(t, func() bool {
		es, err := s.EdgesFrom(ctx, "t1", sibling.ID)
		return err == nil && len(es) > 0
	}, time.Second, 5*time.Millisecond)

	es, err := s.EdgesFrom(ctx, "t1", sibling.ID)
	require.NoError(t, err)
	require.Len(t, es, 1)
	require.Equal(t, models.EdgeTemporal, es[0].Kind)
	require.Equal(t, cfg.TemporalCost, es[0].Cost)
}

func TestBuilder_IgnoresUpdateEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	bc := create(t, s, &models.Breadcrumb{OwnerID: "t1", Title: "a", Context: []byte(`{}`), Tags: []string{"alpha", "beta"}})

	b := edges.New(s, testConfig())
	b.Publish("t1", models.Event{Kind: models.EventUpdated, ID: bc.ID, OwnerID: "t1"})

	// An update event is never even queued, so there is nothing to drain;
	// confirm no edges exist without ever starting the run loop.
	es, err := s.EdgesFrom(ctx, "t1", bc.ID)
	require.NoError(t, err)
	require.Empty(t, es)
}
