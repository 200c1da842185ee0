package transform_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/internal/transform"
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

func TestMaterialize_NoHintsReturnsUnchanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	eng := transform.New(s)
	bc := &models.Breadcrumb{OwnerID: "t1", SchemaName: "note", Context: []byte(`{"body":"hi"}`)}
	out := eng.Materialize(ctx, "t1", bc)
	require.Equal(t, bc.Context, out.Context)
	require.Same(t, bc, out, "with no hints, Materialize must return the original pointer, not a copy")
}

func TestMaterialize_IncludeExcludeAndExtract(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	hints := models.SchemaHints{
		TargetSchema: "note",
		Include:      []string{"body"},
		Transform: map[string]models.Rule{
			"author_name": {Kind: models.RuleExtract, Path: "author.name"},
		},
	}
	hb, err := json.Marshal(hints)
	require.NoError(t, err)
	_, err = s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", SchemaName: models.ReservedSchemaDefinition, Context: hb,
	}})
	require.NoError(t, err)

	eng := transform.New(s)
	bc := &models.Breadcrumb{
		OwnerID: "t1", SchemaName: "note",
		Context: []byte(`{"body":"hi","secret":"shh","author":{"name":"ana"}}`),
	}
	original := append([]byte(nil), bc.Context...)
	out := eng.Materialize(ctx, "t1", bc)
	require.NotSame(t, bc, out, "applying hints must return a shallow copy, never mutate the input")
	require.Equal(t, original, bc.Context, "the original breadcrumb's Context must never be mutated")

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Context, &doc))
	require.Equal(t, "hi", doc["body"])
	require.Equal(t, "ana", doc["author_name"])
	require.NotContains(t, doc, "secret")
}

func TestMaterialize_ReplaceModeDropsRawContext(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	hints := models.SchemaHints{
		TargetSchema: "note",
		Mode:         "replace",
		Transform: map[string]models.Rule{
			"summary": {Kind: models.RuleLiteral, Value: "redacted"},
		},
	}
	hb, err := json.Marshal(hints)
	require.NoError(t, err)
	_, err = s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", SchemaName: models.ReservedSchemaDefinition, Context: hb,
	}})
	require.NoError(t, err)

	eng := transform.New(s)
	bc := &models.Breadcrumb{OwnerID: "t1", SchemaName: "note", Context: []byte(`{"body":"hi","secret":"shh"}`)}
	out := eng.Materialize(ctx, "t1", bc)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Context, &doc))
	require.Equal(t, map[string]interface{}{"summary": "redacted"}, doc)
}

func TestMaterialize_MalformedContextDegradesToRaw(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	hints := models.SchemaHints{TargetSchema: "note", Include: []string{"body"}}
	hb, err := json.Marshal(hints)
	require.NoError(t, err)
	_, err = s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", SchemaName: models.ReservedSchemaDefinition, Context: hb,
	}})
	require.NoError(t, err)

	eng := transform.New(s)
	bc := &models.Breadcrumb{OwnerID: "t1", SchemaName: "note", Context: []byte(`not json`)}
	out := eng.Materialize(ctx, "t1", bc)
	require.Equal(t, bc.Context, out.Context, "a transform failure must degrade to the raw context, never error out to the caller")
}

func TestInvalidateOwner_ForcesHintReload(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateTenant(ctx, &models.Tenant{ID: "t1"}))

	eng := transform.New(s)
	bc := &models.Breadcrumb{OwnerID: "t1", SchemaName: "note", Context: []byte(`{"body":"hi"}`)}
	out := eng.Materialize(ctx, "t1", bc)
	require.Equal(t, bc.Context, out.Context, "no hints registered yet")

	hints := models.SchemaHints{TargetSchema: "note", Include: []string{"body"}}
	hb, err := json.Marshal(hints)
	require.NoError(t, err)
	_, err = s.CreateBreadcrumb(ctx, store.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID: "t1", SchemaName: models.ReservedSchemaDefinition, Context: hb,
	}})
	require.NoError(t, err)

	// Without invalidation the engine would still serve its cached "no hints" miss.
	eng.InvalidateOwner("t1")
	bc2 := &models.Breadcrumb{OwnerID: "t1", SchemaName: "note", Context: []byte(`{"body":"hi","secret":"shh"}`)}
	out2 := eng.Materialize(ctx, "t1", bc2)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(out2.Context, &doc))
	require.Equal(t, map[string]interface{}{"body": "hi"}, doc)
}
