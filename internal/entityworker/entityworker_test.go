package entityworker_test

import (
	"context"
	"testing"
	"time"

	"github.com/rcrt/substrate/internal/entityworker"
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

func TestWorker_ExtractsEntitiesAndKeywordsOnCreate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	bc, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Title: "Deploy to Acme Corp", Context: []byte(`{"note":"reached out to ACME about the rcrt_pipeline"}`),
	}})
	require.NoError(t, err)

	w := entityworker.New(s)
	w.Start(ctx)
	defer w.Stop()

	w.Publish("t1", models.Event{Kind: models.EventCreated, ID: bc.ID, OwnerID: "t1"})

	require.Eventually(t, func() bool {
		got, err := s.GetBreadcrumb(ctx, "t1", bc.ID, store.ViewFull, store.ReadOriginInternal)
		return err == nil && len(got.EntityKeywords) > 0
	}, time.Second, 5*time.Millisecond)

	got, err := s.GetBreadcrumb(ctx, "t1", bc.ID, store.ViewFull, store.ReadOriginInternal)
	require.NoError(t, err)
	require.NotEmpty(t, got.Entities)
	require.Contains(t, got.EntityKeywords, "acme")
}

func TestWorker_SkipsAlreadyProcessedBreadcrumb(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	bc, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Title: "note", Context: []byte(`{}`),
	}})
	require.NoError(t, err)
	require.NoError(t, s.SetEntities(ctx, "t1", bc.ID, bc.Version, []byte(`[]`), []string{"already"}))

	w := entityworker.New(s)
	w.Publish("t1", models.Event{Kind: models.EventCreated, ID: bc.ID, OwnerID: "t1"})
	w.Start(ctx)
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)
	got, err := s.GetBreadcrumb(ctx, "t1", bc.ID, store.ViewFull, store.ReadOriginInternal)
	require.NoError(t, err)
	require.Equal(t, []string{"already"}, got.EntityKeywords, "a breadcrumb with entities already set must never be reprocessed")
}

func TestWorker_IgnoresNonCreationEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	bc, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Title: "Acme Corp", Context: []byte(`{}`),
	}})
	require.NoError(t, err)

	w := entityworker.New(s)
	w.Publish("t1", models.Event{Kind: models.EventUpdated, ID: bc.ID, OwnerID: "t1"})

	got, err := s.GetBreadcrumb(ctx, "t1", bc.ID, store.ViewFull, store.ReadOriginInternal)
	require.NoError(t, err)
	require.Empty(t, got.EntityKeywords)
}
