// Package server provides the public entry point for initializing the
// breadcrumb substrate server.
//
// This package lives in pkg/ so an embedding application can import it and
// compose the full server with its own overrides (swap the store for a
// Postgres-backed one, register additional embedding/vector-store drivers,
// wrap the handler in extra middleware).
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(fmt.Sprintf(":%d", srv.Port), srv.Handler)
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"net/http"

	"github.com/rcrt/substrate/internal/api"
	"github.com/rcrt/substrate/internal/api/handlers"
	rcrtauth "github.com/rcrt/substrate/internal/auth"
	"github.com/rcrt/substrate/internal/bus"
	"github.com/rcrt/substrate/internal/config"
	"github.com/rcrt/substrate/internal/contextassembler"
	"github.com/rcrt/substrate/internal/edges"
	"github.com/rcrt/substrate/internal/embeddings"
	"github.com/rcrt/substrate/internal/entityworker"
	"github.com/rcrt/substrate/internal/hygiene"
	"github.com/rcrt/substrate/internal/metrics"
	"github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/internal/subscriptions"
	"github.com/rcrt/substrate/internal/telemetry"
	"github.com/rcrt/substrate/internal/transform"
	"github.com/rcrt/substrate/internal/vectorstore"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"

	"github.com/rs/zerolog/log"
)

// Config is the public configuration for the substrate server.
type Config struct {
	Port         int
	Version      string
	OTELEnabled  bool
	OTELEndpoint string
	ServiceName  string
}

// Server holds the initialized breadcrumb substrate.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the backing data store. In-memory by default; callers can
	// pass a different implementation of contracts.Store via NewWithStore.
	Store contracts.Store

	// Bus fans write events out to subscriptions and webhooks. Exposed so
	// embedders can call AddSink to wire an alternate event transport.
	Bus *bus.Bus

	// Signer issues and verifies bearer tokens.
	Signer *rcrtauth.Signer

	// Hygiene runs the periodic TTL/idle-agent sweep.
	Hygiene *hygiene.Runner

	// EntityWorker consumes the Bus creation stream and writes back
	// extracted entities/keywords.
	EntityWorker *entityworker.Worker

	// EdgeBuilder consumes the Bus creation stream and derives causal, tag,
	// temporal, and semantic edges for each new breadcrumb.
	EdgeBuilder *edges.Builder

	// ContextAssembler consumes the Bus creation stream, walks the edge
	// graph from a trigger, and emits context-bundle breadcrumbs for
	// registered consumer profiles.
	ContextAssembler *contextassembler.Assembler

	// Metrics is the Prometheus registry backing GET /metrics.
	Metrics *metrics.Metrics

	// Transform materializes consumer-oriented views of a breadcrumb's
	// context at read time from schema-definition hints.
	Transform *transform.Engine

	// Subscriptions holds per-agent selector subscriptions consumed by Bus.
	Subscriptions *subscriptions.MemoryStore

	// EmbeddingRegistry holds registered embedding drivers.
	EmbeddingRegistry *embeddings.Registry

	// VectorStoreRegistry holds registered vector store drivers.
	VectorStoreRegistry *vectorstore.Registry

	// Handlers is the HTTP handler collection, exposed for callers that
	// want to mount the routes on their own router instead of using
	// Handler directly.
	Handlers *handlers.Handlers

	// Config is the server configuration.
	Config *Config

	// Port is the port the server should listen on.
	Port int

	// hygieneCancel cancels the hygiene runner goroutine.
	hygieneCancel context.CancelFunc

	// entityWorkerCancel cancels the entity worker's consumer loop.
	entityWorkerCancel context.CancelFunc

	// edgeBuilderCancel cancels the edge builder's consumer loop.
	edgeBuilderCancel context.CancelFunc

	// contextAssemblerCancel cancels the context assembler's consumer loop.
	contextAssemblerCancel context.CancelFunc

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() *Config {
	cfg := config.Load()
	return &Config{
		Port:         cfg.Port,
		Version:      cfg.Version,
		OTELEnabled:  cfg.Telemetry.Enabled,
		OTELEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	}
}

// New initializes the substrate with an in-memory store and returns a ready
// Server. This is the primary entry point for cmd/server/main.go.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, LoadConfig())
}

// NewWithConfig initializes the substrate with an explicit public config.
func NewWithConfig(ctx context.Context, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	dataStore := store.NewMemoryStore(cfg.Limits.IdempotencyWindow)
	log.Info().Msg("in-memory store initialized")

	return buildServer(ctx, cfg, pubCfg, dataStore, shutdown)
}

// NewWithStore initializes the substrate with an externally-provided store
// (e.g. a Postgres-backed contracts.Store). The caller owns migrations and
// closing the store.
func NewWithStore(ctx context.Context, dataStore contracts.Store) (*Server, error) {
	return NewWithStoreAndConfig(ctx, dataStore, LoadConfig())
}

// NewWithStoreAndConfig initializes the substrate with an external store and
// explicit public config.
func NewWithStoreAndConfig(ctx context.Context, dataStore contracts.Store, pubCfg *Config) (*Server, error) {
	cfg := config.Load()
	if pubCfg.Port > 0 {
		cfg.Port = pubCfg.Port
	}

	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	log.Info().Msg("external store provided")
	return buildServer(ctx, cfg, pubCfg, dataStore, shutdown)
}

// buildServer is the shared constructor that wires every service together.
func buildServer(ctx context.Context, cfg *config.Config, pubCfg *Config, dataStore contracts.Store, shutdown func(context.Context) error) (*Server, error) {
	seedDefaultTenant(ctx, dataStore)

	m := metrics.New()

	subStore := subscriptions.NewMemoryStore()
	webhookDriver := bus.NewWebhookDriver(cfg.Webhook.SendTimeout)
	evBus := bus.New(dataStore, subStore, webhookDriver, bus.Config{
		PerAgentQueueDepth: cfg.Bus.PerAgentQueueDepth,
		BaseBackoff:        cfg.Webhook.BaseBackoff,
		MaxBackoff:         cfg.Webhook.MaxBackoff,
		MaxAttempts:         cfg.Webhook.MaxAttempts,
		JitterFrac:          cfg.Webhook.JitterFrac,
		SendTimeout:         cfg.Webhook.SendTimeout,
	})
	evBus.SetMetrics(m)
	log.Info().Msg("bus initialized")

	signer := rcrtauth.NewSigner(cfg.Auth.SigningKey)

	hygieneRunner := hygiene.New(dataStore, subStore, cfg.Hygiene)
	hygieneRunner.SetMetrics(m)
	hygieneCtx, hygieneCancel := context.WithCancel(context.Background())
	go hygieneRunner.Start(hygieneCtx)
	log.Info().Msg("hygiene runner started")

	entityWorker := entityworker.New(dataStore)
	entityCtx, entityCancel := context.WithCancel(context.Background())
	entityWorker.Start(entityCtx)
	evBus.AddSink(entityWorker)
	log.Info().Msg("entity worker started")

	edgeBuilder := edges.New(dataStore, cfg.Edge)
	edgeCtx, edgeCancel := context.WithCancel(context.Background())
	edgeBuilder.Start(edgeCtx)
	evBus.AddSink(edgeBuilder)
	log.Info().Msg("edge builder started")

	embReg := embeddings.NewRegistry()
	embDriverName := ""
	switch cfg.Embedding.Backend {
	case "remote-http":
		if cfg.Embedding.Endpoint != "" {
			embReg.Register("remote", embeddings.NewOllamaDriver(cfg.Embedding.Endpoint, "default"))
			embDriverName = "remote"
		}
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		model := os.Getenv("RCRT_EMBEDDING_MODEL")
		if model == "" {
			model = "text-embedding-3-small"
		}
		embReg.Register("openai", embeddings.NewOpenAIDriver(apiKey, model))
		if embDriverName == "" {
			embDriverName = "openai"
		}
	}
	if ollamaURL := os.Getenv("OLLAMA_URL"); ollamaURL != "" {
		model := os.Getenv("RCRT_OLLAMA_EMBED_MODEL")
		if model == "" {
			model = "nomic-embed-text"
		}
		embReg.Register("ollama", embeddings.NewOllamaDriver(ollamaURL, model))
		if embDriverName == "" {
			embDriverName = "ollama"
		}
	}

	vsReg := vectorstore.NewRegistry()
	vsReg.Register("embedded", vectorstore.NewEmbeddedStore())
	log.Info().Msg("embedded vector store registered")
	if pgURL := os.Getenv("RCRT_PGVECTOR_URL"); pgURL != "" {
		pgvs, err := vectorstore.NewPgvectorStore(ctx, pgURL, cfg.Embedding.Dimension)
		if err != nil {
			log.Warn().Err(err).Msg("pgvector store init failed, using embedded only")
		} else {
			vsReg.Register("pgvector", pgvs)
			log.Info().Msg("pgvector store registered")
		}
	}

	transformEngine := transform.New(dataStore)

	assembler := contextassembler.New(dataStore, evBus, transformEngine, cfg.Context)
	assemblerCtx, assemblerCancel := context.WithCancel(context.Background())
	assembler.Start(assemblerCtx)
	evBus.AddSink(assembler)
	log.Info().Msg("context assembler started")

	h := handlers.New(dataStore, evBus, signer, hygieneRunner, m, transformEngine, embReg, embDriverName, cfg.Limits.MaxContextBytes)

	router := api.NewRouter(cfg, h, signer)

	return &Server{
		Handler:             router,
		Store:               dataStore,
		Bus:                 evBus,
		Signer:              signer,
		Hygiene:             hygieneRunner,
		Metrics:             m,
		Transform:           transformEngine,
		EntityWorker:        entityWorker,
		EdgeBuilder:         edgeBuilder,
		ContextAssembler:    assembler,
		Subscriptions:       subStore,
		EmbeddingRegistry:   embReg,
		VectorStoreRegistry: vsReg,
		Handlers:            h,
		Config:              pubCfg,
		Port:                cfg.Port,
		hygieneCancel:       hygieneCancel,
		entityWorkerCancel:  entityCancel,
		edgeBuilderCancel:   edgeCancel,
		contextAssemblerCancel: assemblerCancel,
		ShutdownFunc:        shutdown,
	}, nil
}

func seedDefaultTenant(ctx context.Context, s contracts.Store) {
	if _, err := s.GetTenant(ctx, "default"); err == nil {
		return
	}
	t := &models.Tenant{
		ID:        "default",
		Name:      "Default Tenant",
		CreatedAt: time.Now().UTC(),
	}
	if err := s.CreateTenant(ctx, t); err != nil {
		log.Warn().Err(err).Msg("failed to seed default tenant")
		return
	}
	log.Info().Msg("default tenant seeded")
}

// Shutdown stops all background goroutines (hygiene runner, etc.) and
// flushes telemetry. Should be called on graceful shutdown.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hygieneCancel != nil {
		s.hygieneCancel()
	}
	if s.entityWorkerCancel != nil {
		s.entityWorkerCancel()
	}
	if s.edgeBuilderCancel != nil {
		s.edgeBuilderCancel()
	}
	if s.contextAssemblerCancel != nil {
		s.contextAssemblerCancel()
	}
	if s.ShutdownFunc != nil {
		return s.ShutdownFunc(ctx)
	}
	return nil
}
