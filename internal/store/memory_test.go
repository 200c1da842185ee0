package store_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/models"
	"github.com/stretchr/testify/require"
)

// newTestStore creates a fresh in-memory store for tests with no persistence
// bleeding between runs.
func newTestStore(t *testing.T) store.Store {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("RCRT_DATA_DIR", dir)
	defer os.Unsetenv("RCRT_DATA_DIR")
	s := store.NewMemoryStore(24 * time.Hour)
	t.Cleanup(func() { s.Close() })
	return s
}

func rawContext(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestCreateBreadcrumb_AssignsVersionAndChecksum(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &models.Breadcrumb{
		OwnerID: "tenant-1",
		Title:   "hello",
		Context: rawContext(t, map[string]string{"text": "Hello"}),
	}
	created, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: b})
	require.NoError(t, err)
	require.EqualValues(t, 1, created.Version)
	require.NotEmpty(t, created.Checksum)

	got, err := s.GetBreadcrumb(ctx, "tenant-1", created.ID, store.ViewFull, store.ReadOriginInternal)
	require.NoError(t, err)
	require.JSONEq(t, string(b.Context), string(got.Context))
}

func TestTenantIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	b := &models.Breadcrumb{OwnerID: "tenant-a", Context: rawContext(t, map[string]string{})}
	created, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: b})
	require.NoError(t, err)

	_, err = s.GetBreadcrumb(ctx, "tenant-b", created.ID, store.ViewFull, store.ReadOriginInternal)
	require.ErrorIs(t, err, store.ErrNotFound)

	results, err := s.SearchBreadcrumbs(ctx, store.SearchParams{Owner: "tenant-b"})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestPatchBreadcrumb_VersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Context: rawContext(t, map[string]int{"n": 1}),
	}})
	require.NoError(t, err)

	newCtx := rawContext(t, map[string]int{"n": 2})
	updated, err := s.PatchBreadcrumb(ctx, "t1", created.ID, created.Version, store.PatchDiff{Context: newCtx})
	require.NoError(t, err)
	require.EqualValues(t, 2, updated.Version)

	_, err = s.PatchBreadcrumb(ctx, "t1", created.ID, created.Version, store.PatchDiff{Context: newCtx})
	require.ErrorIs(t, err, store.ErrPreconditionFailed)
}

func TestPatchBreadcrumb_EmptyDiffIsNoop(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Context: rawContext(t, map[string]int{"n": 1}),
	}})
	require.NoError(t, err)

	updated, err := s.PatchBreadcrumb(ctx, "t1", created.ID, created.Version, store.PatchDiff{})
	require.NoError(t, err)
	require.Equal(t, created.Version, updated.Version)
}

func TestUsageTTL_ExhaustsAfterNReads(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1",
		Context: rawContext(t, map[string]int{"n": 1}),
		TTL:     models.TTL{Kind: models.TTLUsage, MaxReads: 2},
	}})
	require.NoError(t, err)

	_, err = s.GetBreadcrumb(ctx, "t1", created.ID, store.ViewContext, store.ReadOriginExternal)
	require.NoError(t, err)
	_, err = s.GetBreadcrumb(ctx, "t1", created.ID, store.ViewContext, store.ReadOriginExternal)
	require.ErrorIs(t, err, store.ErrExhausted)

	_, err = s.GetBreadcrumb(ctx, "t1", created.ID, store.ViewContext, store.ReadOriginExternal)
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUsageTTL_InternalReadsDoNotDecrement(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1",
		Context: rawContext(t, map[string]int{"n": 1}),
		TTL:     models.TTL{Kind: models.TTLUsage, MaxReads: 1},
	}})
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = s.GetBreadcrumb(ctx, "t1", created.ID, store.ViewFull, store.ReadOriginInternal)
		require.NoError(t, err)
	}
}

func TestHybridSearch_ScoringOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// item X: 1/3 keywords matched, vector distance 0.20
	x, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Title: "x", Context: rawContext(t, map[string]int{}),
		EntityKeywords: []string{"alpha"},
	}})
	require.NoError(t, err)
	require.NoError(t, s.SetEmbedding(ctx, "t1", x.ID, unitVectorAtDistance(0.20)))

	// item Y: 3/3 keywords matched, vector distance 0.35
	y, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Title: "y", Context: rawContext(t, map[string]int{}),
		EntityKeywords: []string{"alpha", "beta", "gamma"},
	}})
	require.NoError(t, err)
	require.NoError(t, s.SetEmbedding(ctx, "t1", y.ID, unitVectorAtDistance(0.35)))

	hits, err := s.HybridSearch(ctx, store.HybridSearchParams{
		Owner: "t1", Vector: []float32{1, 0}, Keywords: []string{"alpha", "beta", "gamma"}, K: 10, Alpha: 0.6,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	require.Equal(t, y.ID, hits[0].Breadcrumb.ID, "higher-keyword-match item should rank first")
}

// unitVectorAtDistance returns a 2D vector whose cosine distance from
// []float32{1,0} is approximately d, for scoring tests.
func unitVectorAtDistance(d float64) []float32 {
	cos := 1 - d
	sin := sqrtApprox(1 - cos*cos)
	return []float32{float32(cos), float32(sin)}
}

func sqrtApprox(x float64) float64 {
	if x <= 0 {
		return 0
	}
	z := x
	for i := 0; i < 30; i++ {
		z = z - (z*z-x)/(2*z)
	}
	return z
}

func TestPurgeExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", Context: rawContext(t, map[string]int{}),
		TTL: models.TTL{Kind: models.TTLDatetime, ExpiresAt: &past},
	}})
	require.NoError(t, err)

	purged, err := s.PurgeExpired(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, purged["t1"], 1)
}
