package contextassembler_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rcrt/substrate/internal/bus"
	"github.com/rcrt/substrate/internal/config"
	"github.com/rcrt/substrate/internal/contextassembler"
	"github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/internal/transform"
	"github.com/rcrt/substrate/pkg/models"
	"github.com/stretchr/testify/require"
)

type fakeSubs struct{}

func (fakeSubs) Create(context.Context, *models.SelectorSubscription) error { return nil }
func (fakeSubs) Get(context.Context, string, string) (*models.SelectorSubscription, error) {
	return nil, store.ErrNotFound
}
func (fakeSubs) ListByOwner(context.Context, string) ([]models.SelectorSubscription, error) {
	return nil, nil
}
func (fakeSubs) ListByAgent(context.Context, string, string) ([]models.SelectorSubscription, error) {
	return nil, nil
}
func (fakeSubs) Delete(context.Context, string, string) error { return nil }

type nopDriver struct{}

func (nopDriver) Kind() string { return "nop" }
func (nopDriver) Send(context.Context, string, string, models.Event) error { return nil }

func newTestStore(t *testing.T) *store.MemoryStore {
	t.Helper()
	t.Setenv("RCRT_DATA_DIR", t.TempDir())
	s := store.NewMemoryStore(24 * time.Hour)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestBus(s *store.MemoryStore) *bus.Bus {
	return bus.New(s, fakeSubs{}, nopDriver{}, bus.Config{PerAgentQueueDepth: 4})
}

func testContextConfig() config.ContextConfig {
	return config.ContextConfig{
		SubgraphDepth:     2,
		NodeLimit:         200,
		HeadroomFrac:      0.10,
		AlwaysIncludeCap:  20,
		SessionHistoryCap: 20,
		SemanticK:         10,
	}
}

func create(t *testing.T, s *store.MemoryStore, bc *models.Breadcrumb) *models.Breadcrumb {
	t.Helper()
	created, err := s.CreateBreadcrumb(context.Background(), store.CreateParams{Breadcrumb: bc})
	require.NoError(t, err)
	return created
}

func mustMarshal(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func TestAssembler_ExplicitContextRequestEmitsBundle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	profile := models.ConsumerProfile{
		ID:          "consumer-1",
		OwnerID:     "t1",
		Sections:    []string{"notes"},
		SectionOf:   map[string]string{"note": "notes"},
		TokenBudget: 4000,
	}
	create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "profile", SchemaName: models.ReservedConsumerProfile,
		Tags: []string{"consumer:consumer-1"}, Context: mustMarshal(t, profile),
	})
	note := create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "a note", SchemaName: "note", Context: []byte(`{"body":"hello"}`),
	})
	_ = note

	b := newTestBus(s)
	eng := transform.New(s)
	a := contextassembler.New(s, b, eng, testContextConfig())
	a.Start(ctx)
	defer a.Stop()
	b.AddSink(a)

	req := create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "request", SchemaName: models.ReservedContextRequest,
		Context: []byte(`{"consumer_id":"consumer-1"}`),
	})
	b.Publish(ctx, models.Event{Kind: models.EventCreated, ID: req.ID, OwnerID: "t1", SchemaName: req.SchemaName})

	var bundles []models.Breadcrumb
	require.Eventually(t, func() bool {
		found, err := s.SearchBreadcrumbs(ctx, store.SearchParams{Owner: "t1", SchemaName: models.BundleSchemaName})
		bundles = found
		return err == nil && len(found) == 1
	}, time.Second, 5*time.Millisecond)

	var bc models.BundleContext
	require.NoError(t, json.Unmarshal(bundles[0].Context, &bc))
	require.Equal(t, req.ID, bc.TriggerEventID)
	require.Contains(t, bundles[0].Tags, "consumer:consumer-1")
}

func TestAssembler_TriggerSchemaFiresAssemblyForMatchingProfile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	profile := models.ConsumerProfile{
		ID:             "consumer-1",
		OwnerID:        "t1",
		TriggerSchemas: []string{"chat message"},
		TokenBudget:    4000,
	}
	create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "profile", SchemaName: models.ReservedConsumerProfile,
		Tags: []string{"consumer:consumer-1"}, Context: mustMarshal(t, profile),
	})

	b := newTestBus(s)
	eng := transform.New(s)
	a := contextassembler.New(s, b, eng, testContextConfig())
	a.Start(ctx)
	defer a.Stop()
	b.AddSink(a)

	msg := create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "hi", SchemaName: "chat message", Context: []byte(`{}`),
	})
	b.Publish(ctx, models.Event{Kind: models.EventCreated, ID: msg.ID, OwnerID: "t1", SchemaName: msg.SchemaName})

	require.Eventually(t, func() bool {
		found, err := s.SearchBreadcrumbs(ctx, store.SearchParams{Owner: "t1", SchemaName: models.BundleSchemaName})
		return err == nil && len(found) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestAssembler_NeverRetriggersOffItsOwnPriorBundle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	profile := models.ConsumerProfile{
		ID:             "consumer-1",
		OwnerID:        "t1",
		TriggerSchemas: []string{models.BundleSchemaName},
		TokenBudget:    4000,
	}
	create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "profile", SchemaName: models.ReservedConsumerProfile,
		Tags: []string{"consumer:consumer-1"}, Context: mustMarshal(t, profile),
	})

	b := newTestBus(s)
	eng := transform.New(s)
	a := contextassembler.New(s, b, eng, testContextConfig())
	a.Start(ctx)
	defer a.Stop()
	b.AddSink(a)

	ownBundle := create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "bundle", SchemaName: models.BundleSchemaName,
		Tags: []string{"consumer:consumer-1"}, Context: []byte(`{}`),
	})
	b.Publish(ctx, models.Event{Kind: models.EventCreated, ID: ownBundle.ID, OwnerID: "t1", SchemaName: ownBundle.SchemaName, Tags: ownBundle.Tags})

	// Give the assembler a moment to process; it must not emit a second bundle.
	time.Sleep(150 * time.Millisecond)
	found, err := s.SearchBreadcrumbs(ctx, store.SearchParams{Owner: "t1", SchemaName: models.BundleSchemaName})
	require.NoError(t, err)
	require.Len(t, found, 1, "a consumer's own prior bundle must never retrigger its own assembly")
}

func TestAssembler_UnknownConsumerIDIsIgnored(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	b := newTestBus(s)
	eng := transform.New(s)
	a := contextassembler.New(s, b, eng, testContextConfig())
	a.Start(ctx)
	defer a.Stop()
	b.AddSink(a)

	req := create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "request", SchemaName: models.ReservedContextRequest,
		Context: []byte(`{"consumer_id":"no-such-consumer"}`),
	})
	b.Publish(ctx, models.Event{Kind: models.EventCreated, ID: req.ID, OwnerID: "t1", SchemaName: req.SchemaName})

	time.Sleep(150 * time.Millisecond)
	found, err := s.SearchBreadcrumbs(ctx, store.SearchParams{Owner: "t1", SchemaName: models.BundleSchemaName})
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestAssembler_TokenBudgetBoundary_AdmitsNodeOnlyWhenItFits(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	// tokenEstimate is ceil((len(Title)+len(Context))/4); craft a budget that
	// admits the trigger (tiny) but cannot fit one large always-include node.
	largeCtx := []byte(`{"body":"` + stringsRepeat("x", 400) + `"}`)
	create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "big", SchemaName: "note", Context: largeCtx,
	})

	profile := models.ConsumerProfile{
		ID:      "consumer-1",
		OwnerID: "t1",
		AlwaysInclude: models.ConsumerSource{
			SchemaNames: []string{"note"},
		},
		TokenBudget: 20, // deliberately small: only the trigger itself should fit
	}
	create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "profile", SchemaName: models.ReservedConsumerProfile,
		Tags: []string{"consumer:consumer-1"}, Context: mustMarshal(t, profile),
	})

	b := newTestBus(s)
	eng := transform.New(s)
	a := contextassembler.New(s, b, eng, testContextConfig())
	a.Start(ctx)
	defer a.Stop()
	b.AddSink(a)

	req := create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "go", SchemaName: models.ReservedContextRequest,
		Context: []byte(`{"consumer_id":"consumer-1"}`),
	})
	b.Publish(ctx, models.Event{Kind: models.EventCreated, ID: req.ID, OwnerID: "t1", SchemaName: req.SchemaName})

	var bundles []models.Breadcrumb
	require.Eventually(t, func() bool {
		found, err := s.SearchBreadcrumbs(ctx, store.SearchParams{Owner: "t1", SchemaName: models.BundleSchemaName})
		bundles = found
		return err == nil && len(found) == 1
	}, time.Second, 5*time.Millisecond)

	var bc models.BundleContext
	require.NoError(t, json.Unmarshal(bundles[0].Context, &bc))
	require.Equal(t, 1, bc.BreadcrumbCount, "the oversized note must not fit a 20-token budget")
}

func TestAssembler_RegisterEstimatorOverridesDefaultCost(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	profile := models.ConsumerProfile{ID: "consumer-1", OwnerID: "t1", TokenBudget: 4000}
	create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "profile", SchemaName: models.ReservedConsumerProfile,
		Tags: []string{"consumer:consumer-1"}, Context: mustMarshal(t, profile),
	})

	b := newTestBus(s)
	eng := transform.New(s)
	a := contextassembler.New(s, b, eng, testContextConfig())
	calls := 0
	a.RegisterEstimator("consumer-1", func(bc *models.Breadcrumb) int {
		calls++
		return 1
	})
	a.Start(ctx)
	defer a.Stop()
	b.AddSink(a)

	req := create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "go", SchemaName: models.ReservedContextRequest,
		Context: []byte(`{"consumer_id":"consumer-1"}`),
	})
	b.Publish(ctx, models.Event{Kind: models.EventCreated, ID: req.ID, OwnerID: "t1", SchemaName: req.SchemaName})

	require.Eventually(t, func() bool {
		found, err := s.SearchBreadcrumbs(ctx, store.SearchParams{Owner: "t1", SchemaName: models.BundleSchemaName})
		return err == nil && len(found) == 1
	}, time.Second, 5*time.Millisecond)
	require.Greater(t, calls, 0, "the registered estimator must be consulted instead of the default one")
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, n*len(s))
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
