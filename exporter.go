package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/winbalf/pg-ha-lab/config"
)

// Exporter drives the collection cycle: acquire one connection per instance,
// run that instance's collectors in order, release, repeat on a fixed tick.
// Collection is strictly sequential; only the cycle status is shared with the
// HTTP side and guarded by the mutex.
type Exporter struct {
	cfg      *config.Config
	provider ConnectionProvider
	metrics  *Metrics
	logger   *slog.Logger

	// countRows is swappable in tests; the default opens a dedicated
	// connection per side.
	countRows func(ctx context.Context, ep config.EndpointConfig) (int64, error)

	startedAt      time.Time
	upstreamLogged bool

	mu          sync.Mutex
	cycleErrors []string
	status      Status
}

// Status is the report served by the health endpoint.
type Status struct {
	State            string    `json:"status"`
	UptimeSeconds    float64   `json:"uptime_seconds"`
	CyclesCompleted  uint64    `json:"cycles_completed"`
	LastCycleAt      time.Time `json:"last_cycle_at"`
	LastCycleSeconds float64   `json:"last_cycle_seconds"`
	LastCycleErrors  []string  `json:"last_cycle_errors,omitempty"`
}

func NewExporter(cfg *config.Config, provider ConnectionProvider, metrics *Metrics, logger *slog.Logger) *Exporter {
	e := &Exporter{
		cfg:       cfg,
		provider:  provider,
		metrics:   metrics,
		logger:    logger,
		startedAt: time.Now(),
	}
	e.countRows = e.countTableRows
	return e
}

// Run collects immediately, then on every tick until ctx is cancelled.
func (e *Exporter) Run(ctx context.Context) {
	e.logger.Info("starting collection loop", "interval", e.cfg.PollInterval.String())

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	e.CollectAll()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("collection loop stopped")
			return
		case <-ticker.C:
			e.CollectAll()
		}
	}
}

// CollectAll runs one full cycle: primary collectors, standby collectors,
// then the cluster consistency check. No failure in here propagates; the
// worst outcome of a bad cycle is stale gauges.
func (e *Exporter) CollectAll() {
	start := time.Now()
	e.logger.Info("collecting replication metrics")

	e.mu.Lock()
	e.cycleErrors = nil
	e.mu.Unlock()

	e.collectPrimary()
	e.collectStandby()
	e.runCollector(instanceCluster, "consistency", e.collectConsistency)

	took := time.Since(start)
	e.metrics.ScrapeDuration.Set(took.Seconds())

	e.mu.Lock()
	failed := len(e.cycleErrors)
	e.status.CyclesCompleted++
	e.status.LastCycleAt = start
	e.status.LastCycleSeconds = took.Seconds()
	e.status.LastCycleErrors = e.cycleErrors
	e.mu.Unlock()

	if failed > 0 {
		e.logger.Warn("collection finished with errors", "took", took.String(), "failed", failed)
	} else {
		e.logger.Info("collection completed", "took", took.String())
	}
}

func (e *Exporter) collectPrimary() {
	ds, ok := e.acquire(instancePrimary)
	if !ok {
		return
	}
	defer ds.Close()

	e.runCollector(instancePrimary, "lag", func(ctx context.Context) error {
		return e.collectLag(ctx, instancePrimary, ds)
	})
	e.runCollector(instancePrimary, "connections", func(ctx context.Context) error {
		return e.collectConnections(ctx, instancePrimary, ds)
	})
	e.runCollector(instancePrimary, "wal", func(ctx context.Context) error {
		return e.collectWalActivity(ctx, instancePrimary, ds)
	})
	e.runCollector(instancePrimary, "slots", func(ctx context.Context) error {
		return e.collectSlots(ctx, instancePrimary, ds)
	})
	e.runCollector(instancePrimary, "health", func(ctx context.Context) error {
		return e.collectHealth(ctx, instancePrimary, ds)
	})
}

// collectStandby skips the slot collector: slots live on the primary and the
// standby's view is empty in this topology.
func (e *Exporter) collectStandby() {
	ds, ok := e.acquire(instanceStandby)
	if !ok {
		return
	}
	defer ds.Close()

	if !e.upstreamLogged {
		e.upstreamLogged = e.logUpstream(ds)
	}

	e.runCollector(instanceStandby, "lag", func(ctx context.Context) error {
		return e.collectLag(ctx, instanceStandby, ds)
	})
	e.runCollector(instanceStandby, "wal", func(ctx context.Context) error {
		return e.collectWalActivity(ctx, instanceStandby, ds)
	})
	e.runCollector(instanceStandby, "health", func(ctx context.Context) error {
		return e.collectHealth(ctx, instanceStandby, ds)
	})
}

// acquire opens the shared per-cycle connection for one instance and records
// reachability. Failure skips that instance's collectors for this cycle only.
func (e *Exporter) acquire(instance string) (ReplicationDataSource, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ConnectTimeout)
	defer cancel()

	ds, err := e.provider.Acquire(ctx, instance)
	if err != nil {
		e.logger.Error("instance unreachable", "instance", instance, "error", err)
		e.metrics.Up.WithLabelValues(instance).Set(0)
		e.metrics.CollectorErrors.WithLabelValues(instance, "connect").Inc()
		e.recordError(instance, "connect", err)
		return nil, false
	}
	e.metrics.Up.WithLabelValues(instance).Set(1)
	return ds, true
}

// runCollector isolates one collector: its own deadline and its own error
// accounting. Deadlines derive from a background context rather than the
// loop's, so a shutdown signal never cancels a statement mid-flight.
func (e *Exporter) runCollector(instance, name string, fn func(context.Context) error) {
	// Budget covers the consistency prober's two fresh connections.
	budget := 2 * (e.cfg.ConnectTimeout + e.cfg.QueryTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	if err := fn(ctx); err != nil {
		e.logger.Error("collector failed", "instance", instance, "collector", name, "error", err)
		e.metrics.CollectorErrors.WithLabelValues(instance, name).Inc()
		e.recordError(instance, name, err)
	}
}

func (e *Exporter) recordError(instance, name string, err error) {
	e.mu.Lock()
	e.cycleErrors = append(e.cycleErrors, fmt.Sprintf("%s/%s: %v", instance, name, err))
	e.mu.Unlock()
}

// logUpstream records which upstream the standby replays from. Best effort,
// retried every cycle until it succeeds once.
func (e *Exporter) logUpstream(ds ReplicationDataSource) bool {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.QueryTimeout)
	defer cancel()

	conninfo, err := ds.UpstreamConnInfo(ctx)
	if err != nil {
		e.logger.Debug("upstream discovery failed", "error", err)
		return false
	}
	parsed := parseConnInfo(conninfo)
	e.logger.Info("standby streams from upstream", "host", parsed["host"], "port", parsed["port"])
	if parsed["host"] != e.cfg.Primary.Host || parsed["port"] != e.cfg.Primary.Port {
		e.logger.Warn("standby upstream differs from configured primary",
			"upstream", fmt.Sprintf("%s:%s", parsed["host"], parsed["port"]),
			"configured", fmt.Sprintf("%s:%s", e.cfg.Primary.Host, e.cfg.Primary.Port))
	}
	return true
}

// Status returns a copy safe to serialize while the loop keeps running.
func (e *Exporter) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.status
	st.UptimeSeconds = time.Since(e.startedAt).Seconds()
	st.LastCycleErrors = append([]string(nil), e.status.LastCycleErrors...)
	switch {
	case st.CyclesCompleted == 0:
		st.State = "starting"
	case len(st.LastCycleErrors) > 0:
		st.State = "degraded"
	default:
		st.State = "ok"
	}
	return st
}
