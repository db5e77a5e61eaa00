package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Values for the instance label carried by every published series.
const (
	instancePrimary = "primary"
	instanceStandby = "standby"
	instanceCluster = "cluster"
)

const (
	// nullClientAddr labels sync-state samples for WAL senders that report
	// no client address, e.g. replication over a unix socket.
	nullClientAddr = "None"

	// allClients labels the aggregate sync-state flag covering every
	// connected replica.
	allClients = "all"
)

// Metrics holds every series the exporter publishes. Collectors write through
// these handles and the scrape endpoint serves Registry. Gauges are
// last-write-wins: a collector that fails a cycle leaves its previous values
// in place rather than removing them.
type Metrics struct {
	LagBytes     *prometheus.GaugeVec
	LagSeconds   *prometheus.GaugeVec
	LagMegabytes *prometheus.GaugeVec

	Connections *prometheus.GaugeVec
	SyncState   *prometheus.GaugeVec

	WalSenders        *prometheus.GaugeVec
	WalReceivers      *prometheus.GaugeVec
	WalGenerationRate *prometheus.GaugeVec

	SlotsTotal    *prometheus.GaugeVec
	SlotsActive   *prometheus.GaugeVec
	SlotsInactive *prometheus.GaugeVec

	HealthScore      *prometheus.GaugeVec
	ConsistencyCheck *prometheus.GaugeVec

	// Exporter self-telemetry.
	Up              *prometheus.GaugeVec
	ScrapeDuration  prometheus.Gauge
	CollectorErrors *prometheus.CounterVec

	Registry *prometheus.Registry
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	instance := []string{"instance"}

	return &Metrics{
		LagBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_lag_bytes",
			Help: "Replication lag in bytes",
		}, instance),
		LagSeconds: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_lag_seconds",
			Help: "Replication lag in seconds",
		}, instance),
		LagMegabytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_lag_mb",
			Help: "Replication lag in megabytes",
		}, instance),
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_connections",
			Help: "Number of replication connections",
		}, instance),
		SyncState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_sync_state",
			Help: "Replication sync state (0=async, 1=sync)",
		}, []string{"instance", "client_addr"}),
		WalSenders: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_wal_senders",
			Help: "Number of WAL senders",
		}, instance),
		WalReceivers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_wal_receivers",
			Help: "Number of WAL receivers",
		}, instance),
		// Cumulative WAL bytes, not a per-second rate. The series name is
		// kept for dashboard compatibility.
		WalGenerationRate: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_wal_generation_rate",
			Help: "Total WAL bytes generated since cluster initialization",
		}, instance),
		SlotsTotal: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_slots_total",
			Help: "Total number of replication slots",
		}, instance),
		SlotsActive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_slots_active",
			Help: "Number of active replication slots",
		}, instance),
		SlotsInactive: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_slots_inactive",
			Help: "Number of inactive replication slots",
		}, instance),
		HealthScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_health_score",
			Help: "Overall replication health score (0-100)",
		}, instance),
		ConsistencyCheck: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_data_consistency_check",
			Help: "Data consistency check result (1=consistent, 0=inconsistent)",
		}, instance),
		Up: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pg_replication_exporter_up",
			Help: "Whether the last connection attempt to the instance succeeded",
		}, instance),
		ScrapeDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pg_replication_exporter_scrape_duration_seconds",
			Help: "Duration of the last collection cycle",
		}),
		CollectorErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pg_replication_exporter_errors_total",
			Help: "Collector failures by instance and collector",
		}, []string{"instance", "collector"}),

		Registry: registry,
	}
}
