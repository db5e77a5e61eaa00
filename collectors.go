package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/winbalf/pg-ha-lab/config"
)

// collectLag publishes lag in bytes, seconds and megabytes. The primary
// measures against its farthest standby; a standby measures its own
// receive-vs-replay distance. Samples with no data publish zeros so the
// series never goes missing mid-incident.
func (e *Exporter) collectLag(ctx context.Context, instance string, ds ReplicationDataSource) error {
	var lag *ReplicationLag
	var err error
	if instance == instancePrimary {
		lag, err = ds.GetPrimaryLag(ctx)
	} else {
		lag, err = ds.GetStandbyLag(ctx)
	}
	if err != nil {
		return err
	}

	e.metrics.LagBytes.WithLabelValues(instance).Set(float64(lag.Bytes.Int64))
	e.metrics.LagSeconds.WithLabelValues(instance).Set(lag.Seconds.Float64)
	e.metrics.LagMegabytes.WithLabelValues(instance).Set(lag.Megabytes())

	if !lag.HasData() {
		e.logger.Debug("no lag data reported, publishing zeros", "instance", instance)
	}
	return nil
}

// collectConnections counts WAL sender sessions and flags which of them are
// synchronous. The aggregate flag lives under client_addr="all"; each replica
// also gets its own flag keyed by address.
func (e *Exporter) collectConnections(ctx context.Context, instance string, ds ReplicationDataSource) error {
	stats, err := ds.GetPgStatReplication(ctx)
	if err != nil {
		return err
	}

	syncCount := 0
	for _, stat := range stats {
		flag := 0.0
		if stat.IsSync() {
			syncCount++
			flag = 1
		}
		e.metrics.SyncState.WithLabelValues(instance, stat.ClientLabel()).Set(flag)
	}

	e.metrics.Connections.WithLabelValues(instance).Set(float64(len(stats)))

	aggregate := 0.0
	if syncCount > 0 {
		aggregate = 1
	}
	e.metrics.SyncState.WithLabelValues(instance, allClients).Set(aggregate)
	return nil
}

// collectWalActivity publishes sender/receiver process counts and, on the
// primary, the cumulative WAL byte position.
func (e *Exporter) collectWalActivity(ctx context.Context, instance string, ds ReplicationDataSource) error {
	if instance == instancePrimary {
		senders, err := ds.CountReplicationConnections(ctx)
		if err != nil {
			return err
		}
		e.metrics.WalSenders.WithLabelValues(instance).Set(float64(senders))

		total, err := ds.GetTotalWalBytes(ctx)
		if err != nil {
			return err
		}
		e.metrics.WalGenerationRate.WithLabelValues(instance).Set(float64(total))
		return nil
	}

	receivers, err := ds.CountWalReceivers(ctx)
	if err != nil {
		return err
	}
	e.metrics.WalReceivers.WithLabelValues(instance).Set(float64(receivers))
	return nil
}

// collectSlots partitions replication slots into total/active/inactive. All
// three gauges are written together or not at all.
func (e *Exporter) collectSlots(ctx context.Context, instance string, ds ReplicationDataSource) error {
	counts, err := ds.GetSlotCounts(ctx)
	if err != nil {
		return err
	}

	e.metrics.SlotsTotal.WithLabelValues(instance).Set(float64(counts.Total))
	e.metrics.SlotsActive.WithLabelValues(instance).Set(float64(counts.Active))
	e.metrics.SlotsInactive.WithLabelValues(instance).Set(float64(counts.Inactive))
	return nil
}

// collectHealth recomputes the instance health score from scratch. Any query
// failure leaves the previous score in place for this cycle.
func (e *Exporter) collectHealth(ctx context.Context, instance string, ds ReplicationDataSource) error {
	var score int
	if instance == instancePrimary {
		connections, err := ds.CountReplicationConnections(ctx)
		if err != nil {
			return err
		}
		lag, err := ds.GetPrimaryLag(ctx)
		if err != nil {
			return err
		}
		score = primaryHealthScore(connections, lag)
	} else {
		inRecovery, err := ds.IsInRecovery(ctx)
		if err != nil {
			return err
		}
		lag, err := ds.GetReceiverLag(ctx)
		if err != nil {
			return err
		}
		score = standbyHealthScore(inRecovery, lag)
	}

	e.metrics.HealthScore.WithLabelValues(instance).Set(float64(score))
	return nil
}

// collectConsistency compares the probe table's row count on both sides. It
// is self-contained: two fresh connections, independent of whatever the other
// collectors used this cycle. If either side fails the check is skipped and
// the previous value stands.
func (e *Exporter) collectConsistency(ctx context.Context) error {
	primaryCount, err := e.countRows(ctx, e.cfg.Primary)
	if err != nil {
		return errors.Wrap(err, "primary row count")
	}
	standbyCount, err := e.countRows(ctx, e.cfg.Standby)
	if err != nil {
		return errors.Wrap(err, "standby row count")
	}

	consistent := 0.0
	if primaryCount == standbyCount {
		consistent = 1
	} else {
		e.logger.Warn("row counts diverged",
			"table", e.cfg.ProbeTable,
			"primary", primaryCount,
			"standby", standbyCount)
	}
	e.metrics.ConsistencyCheck.WithLabelValues(instanceCluster).Set(consistent)
	return nil
}

// countTableRows opens a dedicated connection and counts the probe table's
// rows. The identifier is quoted, so a misconfigured table name fails loudly
// instead of becoming SQL.
func (e *Exporter) countTableRows(ctx context.Context, ep config.EndpointConfig) (int64, error) {
	connCtx, cancelConnect := context.WithTimeout(ctx, e.cfg.ConnectTimeout)
	defer cancelConnect()

	conn, err := pgx.Connect(connCtx, dsnFor(ep, e.cfg.ConnectTimeout))
	if err != nil {
		return 0, err
	}
	defer conn.Close(context.Background())

	queryCtx, cancelQuery := context.WithTimeout(ctx, e.cfg.QueryTimeout)
	defer cancelQuery()

	var count int64
	sqlStmt := fmt.Sprintf("select count(*) from %s", pgx.Identifier{e.cfg.ProbeTable}.Sanitize())
	if err := conn.QueryRow(queryCtx, sqlStmt).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}
