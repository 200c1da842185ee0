package contextassembler_test

import (
	"context"
	"testing"
	"time"

	"github.com/rcrt/substrate/internal/bus"
	"github.com/rcrt/substrate/internal/contextassembler"
	"github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/internal/transform"
	"github.com/rcrt/substrate/pkg/models"
	"github.com/stretchr/testify/require"
)

// TestAssembler_SemanticChannelDegradesWithoutEmbedding exercises the
// §4.6 failure semantic directly: a trigger with no embedding yet still
// produces a bundle from the other three seed channels, never an error.
func TestAssembler_SemanticChannelDegradesWithoutEmbedding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "standing fact", SchemaName: "fact", Context: []byte(`{}`),
	})

	profile := models.ConsumerProfile{
		ID:      "consumer-1",
		OwnerID: "t1",
		AlwaysInclude: models.ConsumerSource{
			SchemaNames: []string{"fact"},
		},
		SemanticSearch: models.ConsumerSource{K: 5},
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

	// The trigger itself carries no Embedding, so the semantic channel must
	// degrade silently rather than blocking assembly.
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
	require.NotEmpty(t, bundles[0].Context)
}

func TestAssembler_SessionHistorySeedsFromTriggerTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "earlier turn", SchemaName: "message",
		Tags: []string{"session:abc"}, Context: []byte(`{}`),
	})

	profile := models.ConsumerProfile{
		ID:             "consumer-1",
		OwnerID:        "t1",
		SessionHistory: models.ConsumerSource{Limit: 10},
		Sections:       []string{"context"},
		SectionOf:      map[string]string{"message": "context"},
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

	trigger := create(t, s, &models.Breadcrumb{
		OwnerID: "t1", Title: "go", SchemaName: models.ReservedContextRequest,
		Tags: []string{"session:abc"}, Context: []byte(`{"consumer_id":"consumer-1"}`),
	})
	b.Publish(ctx, models.Event{Kind: models.EventCreated, ID: trigger.ID, OwnerID: "t1", SchemaName: trigger.SchemaName, Tags: trigger.Tags})

	var bundles []models.Breadcrumb
	require.Eventually(t, func() bool {
		found, err := s.SearchBreadcrumbs(ctx, store.SearchParams{Owner: "t1", SchemaName: models.BundleSchemaName})
		bundles = found
		return err == nil && len(found) == 1
	}, time.Second, 5*time.Millisecond)

	require.Contains(t, bundles[0].Tags, "session:abc", "the bundle carries forward the trigger's session tags")
}
