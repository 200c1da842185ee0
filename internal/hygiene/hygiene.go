// Package hygiene runs the periodic worker of §4.7: TTL purging, schema-
// specific auto-TTL, idle-agent cleanup, and stats emission. The ticker-loop
// shape is grounded on internal/retention/janitor.go's Start/runCycle split;
// the archive-driver registry that package wired in does not apply here (the
// substrate purges, it does not archive), so it is not carried over.
package hygiene

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rcrt/substrate/internal/config"
	"github.com/rcrt/substrate/internal/metrics"
	istore "github.com/rcrt/substrate/internal/store"
	"github.com/rcrt/substrate/pkg/contracts"
	"github.com/rcrt/substrate/pkg/models"
	"github.com/rs/zerolog/log"
)

// StatsTag is the fixed tag stats breadcrumbs carry so each run overwrites
// the previous one instead of accumulating (§4.7 step 4). Exported so the
// stats-read handler can look the breadcrumb up without re-running hygiene.
const StatsTag = "system.hygiene.stats"

// Runner periodically enforces TTL and retention invariants across every
// tenant the store knows about.
type Runner struct {
	store   contracts.Store
	subs    contracts.SubscriptionStore
	cfg     config.HygieneConfig
	metrics *metrics.Metrics
}

func New(store contracts.Store, subs contracts.SubscriptionStore, cfg config.HygieneConfig) *Runner {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	return &Runner{store: store, subs: subs, cfg: cfg}
}

// SetMetrics wires a Prometheus registry for purge counters; nil (the
// default) disables instrumentation.
func (r *Runner) SetMetrics(m *metrics.Metrics) {
	r.metrics = m
}

// Start runs hygiene cycles on cfg.Interval until ctx is cancelled, running
// once immediately on startup.
func (r *Runner) Start(ctx context.Context) {
	log.Info().Dur("interval", r.cfg.Interval).Msg("hygiene runner started")
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("hygiene runner stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single hygiene sweep and returns per-tenant stats. It
// is also invoked directly by the manual POST /hygiene/run operator route.
func (r *Runner) RunOnce(ctx context.Context) map[string]models.HygieneStats {
	start := time.Now()

	purged, err := r.store.PurgeExpired(ctx, start)
	if err != nil {
		log.Error().Err(err).Msg("hygiene: ttl purge failed")
		purged = map[string][]string{}
	}

	autoTTLApplied := 0
	for prefix, ttl := range r.cfg.DefaultTTLByPrefix {
		n, err := r.store.ApplyAutoTTL(ctx, prefix, models.TTL{Kind: models.TTLDatetime, ExpiresAt: expiresAt(ttl)})
		if err != nil {
			log.Error().Err(err).Str("prefix", prefix).Msg("hygiene: auto-ttl failed")
			continue
		}
		autoTTLApplied += n
	}

	tenants, err := r.store.ListTenants(ctx)
	if err != nil {
		log.Error().Err(err).Msg("hygiene: list tenants failed")
		tenants = nil
	}

	idlePurged := make(map[string]int, len(tenants))
	for _, t := range tenants {
		n, err := r.RunOnceForOwner(ctx, t.ID)
		if err != nil {
			log.Error().Err(err).Str("owner", t.ID).Msg("hygiene: idle agent purge failed")
			continue
		}
		idlePurged[t.ID] = n
	}

	owners := make(map[string]bool)
	for owner := range purged {
		owners[owner] = true
	}
	for owner := range idlePurged {
		owners[owner] = true
	}

	out := make(map[string]models.HygieneStats, len(owners))
	duration := time.Since(start)
	for owner := range owners {
		stats := models.HygieneStats{
			RunAt:            start,
			TTLPurged:        len(purged[owner]),
			AutoTTLApplied:   autoTTLApplied,
			IdleAgentsPurged: idlePurged[owner],
			DurationMs:       duration.Milliseconds(),
		}
		out[owner] = stats
		r.emitStats(ctx, owner, stats)
	}
	if r.metrics != nil {
		ttlTotal := 0
		for _, ids := range purged {
			ttlTotal += len(ids)
		}
		idleTotal := 0
		for _, n := range idlePurged {
			idleTotal += n
		}
		r.metrics.HygienePurged.WithLabelValues("ttl").Add(float64(ttlTotal))
		r.metrics.HygienePurged.WithLabelValues("idle_agent").Add(float64(idleTotal))
		r.metrics.HygieneDuration.Observe(duration.Seconds())
	}

	log.Info().Int("ttl_purged_tenants", len(purged)).Int("auto_ttl_applied", autoTTLApplied).
		Dur("duration", duration).Msg("hygiene cycle complete")
	return out
}

// RunOnceForOwner runs the idle-agent sweep for a single tenant (§4.7 step
// 3: an agent is removed only when it has no subscriptions AND no activity
// beyond the configured threshold — an idle agent that still holds a live
// selector subscription keeps its Bus queue and is never purged).
func (r *Runner) RunOnceForOwner(ctx context.Context, owner string) (int, error) {
	if r.cfg.IdleAgentThreshold <= 0 {
		return 0, nil
	}
	agents, err := r.store.ListAgents(ctx, owner)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-r.cfg.IdleAgentThreshold)
	purged := 0
	for _, a := range agents {
		if a.LastSeenAt.After(cutoff) {
			continue
		}
		if r.subs != nil {
			subs, err := r.subs.ListByAgent(ctx, owner, a.ID)
			if err != nil {
				log.Warn().Err(err).Str("agent", a.ID).Msg("hygiene: subscription lookup failed, skipping idle purge")
				continue
			}
			if len(subs) > 0 {
				continue
			}
		}
		if err := r.store.DeleteAgent(ctx, owner, a.ID); err != nil {
			log.Warn().Err(err).Str("agent", a.ID).Msg("hygiene: idle agent purge failed")
			continue
		}
		purged++
	}
	return purged, nil
}

func (r *Runner) emitStats(ctx context.Context, owner string, stats models.HygieneStats) {
	payload, err := json.Marshal(stats)
	if err != nil {
		log.Error().Err(err).Msg("hygiene: marshal stats failed")
		return
	}
	existing, err := r.store.SearchBreadcrumbs(ctx, istore.SearchParams{Owner: owner, AnyTags: []string{StatsTag}, Limit: 1})
	if err == nil && len(existing) > 0 {
		prior := existing[0]
		if _, err := r.store.PatchBreadcrumb(ctx, owner, prior.ID, prior.Version, istore.PatchDiff{Context: payload, ActorID: "hygiene"}); err != nil {
			log.Error().Err(err).Msg("hygiene: patch stats breadcrumb failed")
		}
		return
	}
	_, err = r.store.CreateBreadcrumb(ctx, istore.CreateParams{Breadcrumb: &models.Breadcrumb{
		OwnerID:    owner,
		Title:      "system hygiene stats",
		SchemaName: "system hygiene stats",
		Tags:       []string{StatsTag},
		Context:    payload,
		TTL:        models.TTL{Kind: models.TTLNever},
		CreatedBy:  "hygiene",
	}})
	if err != nil {
		log.Error().Err(err).Msg("hygiene: create stats breadcrumb failed")
	}
}

func expiresAt(d time.Duration) *time.Time {
	t := time.Now().Add(d)
	return &t
}
