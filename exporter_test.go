package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/volatiletech/null.v6"

	"github.com/winbalf/pg-ha-lab/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Primary: config.EndpointConfig{
			Host: "primary.test", Port: "5432", Database: "testdb", User: "postgres", Sslmode: "disable",
		},
		Standby: config.EndpointConfig{
			Host: "standby.test", Port: "5433", Database: "testdb", User: "postgres", Sslmode: "disable",
		},
		ListenPort:     9188,
		PollInterval:   15 * time.Second,
		ConnectTimeout: time.Second,
		QueryTimeout:   time.Second,
		ProbeTable:     "test_data",
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestExporter(provider ConnectionProvider) *Exporter {
	e := NewExporter(testConfig(), provider, NewMetrics(), discardLogger())
	e.countRows = func(ctx context.Context, ep config.EndpointConfig) (int64, error) {
		return 0, nil
	}
	return e
}

func newFakeProvider(primary, standby *fakeDataSource) *fakeProvider {
	return &fakeProvider{
		sources: map[string]*fakeDataSource{
			instancePrimary: primary,
			instanceStandby: standby,
		},
		connectErrs: map[string]error{},
	}
}

func healthyPrimarySource() *fakeDataSource {
	return &fakeDataSource{
		connections: 1,
		primaryLag:  lagSample(500*1024, 2),
		statReplication: []*PgStatReplication{
			{ClientAddr: null.StringFrom("10.0.0.5"), SyncState: "sync"},
		},
		totalWalBytes: 1 << 30,
		slots:         &SlotCounts{Total: 1, Active: 1, Inactive: 0},
	}
}

func healthyStandbySource() *fakeDataSource {
	return &fakeDataSource{
		inRecovery:   true,
		standbyLag:   lagSample(500*1024, 2),
		receiverLag:  lagSample(500*1024, 2),
		walReceivers: 1,
		upstream:     "host=primary.test port=5432 user=replicator",
	}
}

func TestCollectAllHealthyCluster(t *testing.T) {
	primary := healthyPrimarySource()
	standby := healthyStandbySource()
	e := newTestExporter(newFakeProvider(primary, standby))
	e.countRows = func(ctx context.Context, ep config.EndpointConfig) (int64, error) {
		return 1000, nil
	}

	e.CollectAll()

	m := e.metrics
	assertions := []struct {
		name  string
		gauge float64
		want  float64
	}{
		{"primary health", gaugeValue(t, m.HealthScore.WithLabelValues(instancePrimary)), 100},
		{"standby health", gaugeValue(t, m.HealthScore.WithLabelValues(instanceStandby)), 100},
		{"connections", gaugeValue(t, m.Connections.WithLabelValues(instancePrimary)), 1},
		{"per-client sync flag", gaugeValue(t, m.SyncState.WithLabelValues(instancePrimary, "10.0.0.5")), 1},
		{"aggregate sync flag", gaugeValue(t, m.SyncState.WithLabelValues(instancePrimary, allClients)), 1},
		{"primary lag bytes", gaugeValue(t, m.LagBytes.WithLabelValues(instancePrimary)), 500 * 1024},
		{"primary lag mb", gaugeValue(t, m.LagMegabytes.WithLabelValues(instancePrimary)), 500.0 / 1024},
		{"standby lag seconds", gaugeValue(t, m.LagSeconds.WithLabelValues(instanceStandby)), 2},
		{"wal senders", gaugeValue(t, m.WalSenders.WithLabelValues(instancePrimary)), 1},
		{"wal receivers", gaugeValue(t, m.WalReceivers.WithLabelValues(instanceStandby)), 1},
		{"wal position", gaugeValue(t, m.WalGenerationRate.WithLabelValues(instancePrimary)), 1 << 30},
		{"slots total", gaugeValue(t, m.SlotsTotal.WithLabelValues(instancePrimary)), 1},
		{"slots active", gaugeValue(t, m.SlotsActive.WithLabelValues(instancePrimary)), 1},
		{"consistency", gaugeValue(t, m.ConsistencyCheck.WithLabelValues(instanceCluster)), 1},
		{"primary up", gaugeValue(t, m.Up.WithLabelValues(instancePrimary)), 1},
		{"standby up", gaugeValue(t, m.Up.WithLabelValues(instanceStandby)), 1},
	}
	for _, a := range assertions {
		if a.gauge != a.want {
			t.Errorf("%s: expected %v, got %v", a.name, a.want, a.gauge)
		}
	}

	if _, ok := findGaugeValue(t, m.Registry, "pg_replication_exporter_scrape_duration_seconds", nil); !ok {
		t.Error("scrape duration not published")
	}

	st := e.Status()
	if st.State != "ok" || st.CyclesCompleted != 1 {
		t.Errorf("unexpected status: %+v", st)
	}
}

func TestStandbyOutageRetainsPriorValues(t *testing.T) {
	primary := healthyPrimarySource()
	standby := healthyStandbySource()
	provider := newFakeProvider(primary, standby)
	e := newTestExporter(provider)

	standbyDown := false
	e.countRows = func(ctx context.Context, ep config.EndpointConfig) (int64, error) {
		if standbyDown && ep.Host == "standby.test" {
			return 0, errors.New("connection refused")
		}
		return 7, nil
	}

	e.CollectAll()

	// Outage: the standby stops answering. The values its collectors would
	// now produce must never surface.
	standbyDown = true
	provider.connectErrs[instanceStandby] = errors.New("connection refused")
	standby.inRecovery = false
	standby.walReceivers = 0
	primary.connections = 2

	e.CollectAll()

	m := e.metrics
	if got := gaugeValue(t, m.HealthScore.WithLabelValues(instanceStandby)); got != 100 {
		t.Errorf("standby health should retain prior value 100, got %v", got)
	}
	if got := gaugeValue(t, m.WalReceivers.WithLabelValues(instanceStandby)); got != 1 {
		t.Errorf("wal receivers should retain prior value 1, got %v", got)
	}
	if got := gaugeValue(t, m.Up.WithLabelValues(instanceStandby)); got != 0 {
		t.Errorf("standby up should be 0 during outage, got %v", got)
	}
	if got := gaugeValue(t, m.WalSenders.WithLabelValues(instancePrimary)); got != 2 {
		t.Errorf("primary series should keep updating, got %v", got)
	}
	if got := gaugeValue(t, m.ConsistencyCheck.WithLabelValues(instanceCluster)); got != 1 {
		t.Errorf("consistency should retain prior value 1, got %v", got)
	}
	if got := counterValue(t, m.CollectorErrors.WithLabelValues(instanceStandby, "connect")); got != 1 {
		t.Errorf("expected one standby connect error, got %v", got)
	}

	st := e.Status()
	if st.State != "degraded" {
		t.Errorf("expected degraded status, got %q", st.State)
	}
	if len(st.LastCycleErrors) != 2 {
		t.Errorf("expected connect and consistency errors, got %v", st.LastCycleErrors)
	}
}

func TestFailingCollectorDoesNotStopTheCycle(t *testing.T) {
	primary := healthyPrimarySource()
	primary.failures = map[string]error{"GetSlotCounts": errors.New("permission denied")}
	standby := healthyStandbySource()
	e := newTestExporter(newFakeProvider(primary, standby))

	e.CollectAll()

	m := e.metrics
	if _, ok := findGaugeValue(t, m.Registry, "pg_replication_slots_total",
		map[string]string{"instance": instancePrimary}); ok {
		t.Error("failed slot collector must not publish")
	}
	if got := gaugeValue(t, m.HealthScore.WithLabelValues(instancePrimary)); got != 100 {
		t.Errorf("health collector after the failure should still run, got %v", got)
	}
	if got := counterValue(t, m.CollectorErrors.WithLabelValues(instancePrimary, "slots")); got != 1 {
		t.Errorf("expected one slots error, got %v", got)
	}

	// The failure clears; the next cycle publishes slots normally.
	primary.failures = nil
	e.CollectAll()

	if got := gaugeValue(t, m.SlotsTotal.WithLabelValues(instancePrimary)); got != 1 {
		t.Errorf("slots should recover next cycle, got %v", got)
	}
}

func TestCollectionOrder(t *testing.T) {
	primary := healthyPrimarySource()
	standby := healthyStandbySource()
	provider := newFakeProvider(primary, standby)
	e := newTestExporter(provider)

	e.CollectAll()

	primaryWant := strings.Join([]string{
		"GetPrimaryLag",
		"GetPgStatReplication",
		"CountReplicationConnections",
		"GetTotalWalBytes",
		"GetSlotCounts",
		"CountReplicationConnections",
		"GetPrimaryLag",
	}, ",")
	if got := strings.Join(primary.calls, ","); got != primaryWant {
		t.Errorf("primary collector order:\n got %s\nwant %s", got, primaryWant)
	}

	standbyWant := strings.Join([]string{
		"UpstreamConnInfo",
		"GetStandbyLag",
		"CountWalReceivers",
		"IsInRecovery",
		"GetReceiverLag",
	}, ",")
	if got := strings.Join(standby.calls, ","); got != standbyWant {
		t.Errorf("standby collector order:\n got %s\nwant %s", got, standbyWant)
	}

	if got := strings.Join(provider.acquired, ","); got != "primary,standby" {
		t.Errorf("expected primary acquired before standby, got %s", got)
	}
}

func TestConnectionsClosedAfterCycle(t *testing.T) {
	primary := healthyPrimarySource()
	standby := healthyStandbySource()
	e := newTestExporter(newFakeProvider(primary, standby))

	e.CollectAll()

	if !primary.closed || !standby.closed {
		t.Errorf("expected both connections closed, primary=%v standby=%v",
			primary.closed, standby.closed)
	}
}

func TestUpstreamDiscoveryRetriesUntilSuccess(t *testing.T) {
	primary := healthyPrimarySource()
	standby := healthyStandbySource()
	standby.failures = map[string]error{"UpstreamConnInfo": errors.New("file not found")}
	e := newTestExporter(newFakeProvider(primary, standby))

	e.CollectAll()
	standby.failures = nil
	e.CollectAll()
	e.CollectAll()

	attempts := 0
	for _, call := range standby.calls {
		if call == "UpstreamConnInfo" {
			attempts++
		}
	}
	if attempts != 2 {
		t.Errorf("expected discovery to retry once then stop, got %d attempts", attempts)
	}
}

func TestUpstreamMismatchIsLogged(t *testing.T) {
	primary := healthyPrimarySource()
	standby := healthyStandbySource()
	standby.upstream = "host=other-host port=6000 user=replicator"
	e := newTestExporter(newFakeProvider(primary, standby))

	var buf bytes.Buffer
	e.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	e.CollectAll()

	if !strings.Contains(buf.String(), "differs from configured primary") {
		t.Errorf("expected an upstream mismatch warning, logs:\n%s", buf.String())
	}
}

func TestUpstreamMatchStaysQuiet(t *testing.T) {
	primary := healthyPrimarySource()
	standby := healthyStandbySource()
	e := newTestExporter(newFakeProvider(primary, standby))

	var buf bytes.Buffer
	e.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	e.CollectAll()

	if strings.Contains(buf.String(), "differs from configured primary") {
		t.Errorf("matching upstream should not warn, logs:\n%s", buf.String())
	}
}

func TestStatusLifecycle(t *testing.T) {
	primary := healthyPrimarySource()
	standby := healthyStandbySource()
	e := newTestExporter(newFakeProvider(primary, standby))

	if st := e.Status(); st.State != "starting" {
		t.Errorf("expected starting before any cycle, got %q", st.State)
	}

	e.CollectAll()
	if st := e.Status(); st.State != "ok" {
		t.Errorf("expected ok after a clean cycle, got %q", st.State)
	}

	primary.failures = map[string]error{"GetPrimaryLag": errors.New("boom")}
	e.CollectAll()
	st := e.Status()
	if st.State != "degraded" || st.CyclesCompleted != 2 {
		t.Errorf("unexpected status after a failing cycle: %+v", st)
	}
}

func TestRunCollectsOnceBeforeStopping(t *testing.T) {
	primary := healthyPrimarySource()
	standby := healthyStandbySource()
	e := newTestExporter(newFakeProvider(primary, standby))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Run(ctx)

	if st := e.Status(); st.CyclesCompleted != 1 {
		t.Errorf("expected exactly one immediate cycle, got %d", st.CyclesCompleted)
	}
}
