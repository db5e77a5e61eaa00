package main

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	"gopkg.in/volatiletech/null.v6"

	"github.com/winbalf/pg-ha-lab/config"
	conf "github.com/winbalf/pg-ha-lab/recovery"
)

func sqlConnect(ctx context.Context, connInfo string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", connInfo)
	if err != nil {
		return nil, err
	}
	// One session per cycle, released when the data source closes.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Minute)
	return db, nil
}

func dsnFor(ep config.EndpointConfig, connectTimeout time.Duration) string {
	secs := int(connectTimeout / time.Second)
	if secs < 1 {
		secs = 1
	}
	dsn := fmt.Sprintf("host=%s port=%s dbname=%s user=%s sslmode=%s connect_timeout=%d",
		ep.Host, ep.Port, ep.Database, ep.User, ep.Sslmode, secs)
	if ep.Password != "" {
		dsn += fmt.Sprintf(" password=%s", ep.Password)
	}
	return dsn
}

// Postgres replication data models

// ReplicationLag is one lag sample. Fields are null when the server could not
// produce the figure; the zero value is what gets published either way, so
// "no data" and "no lag" look identical on the wire.
type ReplicationLag struct {
	Bytes   null.Int64   `db:"lag_bytes"`
	Seconds null.Float64 `db:"lag_seconds"`
}

// HasData reports whether the server returned at least one usable figure.
func (l *ReplicationLag) HasData() bool {
	return l.Bytes.Valid || l.Seconds.Valid
}

// Megabytes converts the byte lag without rounding.
func (l *ReplicationLag) Megabytes() float64 {
	return float64(l.Bytes.Int64) / (1024 * 1024)
}

type PgStatReplication struct {
	ClientAddr null.String `db:"client_addr"`
	SyncState  string      `db:"sync_state"`
}

func (sr *PgStatReplication) IsSync() bool {
	return sr.SyncState == "sync"
}

// ClientLabel stringifies the client address into a stable label value. WAL
// senders without an address (unix socket peers) all share one value.
func (sr *PgStatReplication) ClientLabel() string {
	if !sr.ClientAddr.Valid || sr.ClientAddr.String == "" {
		return nullClientAddr
	}
	return sr.ClientAddr.String
}

type SlotCounts struct {
	Total    int64 `db:"total"`
	Active   int64 `db:"active"`
	Inactive int64 `db:"inactive"`
}

// Generic type useful for mocking out the collectors.
type ReplicationDataSource interface {
	IsInRecovery(ctx context.Context) (bool, error)
	GetPrimaryLag(ctx context.Context) (*ReplicationLag, error)
	GetStandbyLag(ctx context.Context) (*ReplicationLag, error)
	GetReceiverLag(ctx context.Context) (*ReplicationLag, error)
	GetPgStatReplication(ctx context.Context) ([]*PgStatReplication, error)
	CountReplicationConnections(ctx context.Context) (int64, error)
	CountWalReceivers(ctx context.Context) (int64, error)
	GetTotalWalBytes(ctx context.Context) (int64, error)
	GetSlotCounts(ctx context.Context) (*SlotCounts, error)
	UpstreamConnInfo(ctx context.Context) (string, error)
	Close() error
}

// ConnectionProvider hands out a short-lived data source for a named
// instance. A failed acquire is an ordinary error, never fatal; the caller
// skips that instance for the cycle and tries again next tick.
type ConnectionProvider interface {
	Acquire(ctx context.Context, instance string) (ReplicationDataSource, error)
}

type pgConnectionProvider struct {
	cfg *config.Config
}

func NewPgConnectionProvider(cfg *config.Config) ConnectionProvider {
	return &pgConnectionProvider{cfg: cfg}
}

func (p *pgConnectionProvider) Acquire(ctx context.Context, instance string) (ReplicationDataSource, error) {
	ep, err := p.endpoint(instance)
	if err != nil {
		return nil, err
	}
	db, err := sqlConnect(ctx, dsnFor(ep, p.cfg.ConnectTimeout))
	if err != nil {
		return nil, errors.Wrapf(err, "connect to %s", instance)
	}
	return &pgDataSource{db: db}, nil
}

func (p *pgConnectionProvider) endpoint(instance string) (config.EndpointConfig, error) {
	switch instance {
	case instancePrimary:
		return p.cfg.Primary, nil
	case instanceStandby:
		return p.cfg.Standby, nil
	}
	return config.EndpointConfig{}, errors.Errorf("unknown instance %q", instance)
}

// Postgres connection impl of replication data source.
type pgDataSource struct {
	db *sqlx.DB
}

func (ds *pgDataSource) Close() error {
	if ds.db == nil {
		return nil
	}
	err := ds.db.Close()
	ds.db = nil
	return err
}

func (ds *pgDataSource) IsInRecovery(ctx context.Context) (bool, error) {
	var isInRecovery bool
	err := ds.db.GetContext(ctx, &isInRecovery, "select pg_catalog.pg_is_in_recovery()")
	return isInRecovery, err
}

// GetPrimaryLag measures how far the farthest-behind standby trails this
// primary. Aggregates over pg_stat_replication always return a row; with no
// connected standbys every field is null.
func (ds *pgDataSource) GetPrimaryLag(ctx context.Context) (*ReplicationLag, error) {
	sqlStmt := `
select pg_wal_lsn_diff(pg_current_wal_lsn(), min(replay_lsn))::bigint as lag_bytes,
       extract(epoch from (now() - min(pg_last_xact_replay_timestamp())))::float8 as lag_seconds
from pg_stat_replication
`
	lag := &ReplicationLag{}
	err := ds.db.GetContext(ctx, lag, sqlStmt)
	if err != nil {
		return nil, err
	}
	return lag, nil
}

// GetStandbyLag measures receive-vs-replay distance on a standby, plus the
// wall-clock age of the last replayed transaction.
func (ds *pgDataSource) GetStandbyLag(ctx context.Context) (*ReplicationLag, error) {
	sqlStmt := `
select pg_wal_lsn_diff(pg_last_wal_receive_lsn(), pg_last_wal_replay_lsn())::bigint as lag_bytes,
       extract(epoch from (now() - pg_last_xact_replay_timestamp()))::float8 as lag_seconds
`
	lag := &ReplicationLag{}
	err := ds.db.GetContext(ctx, lag, sqlStmt)
	if err != nil {
		return nil, err
	}
	return lag, nil
}

// GetReceiverLag is the scoring variant of GetStandbyLag: it reports nothing
// at all (nil, nil) when no WAL receiver is running, so callers can tell
// "receiver idle" apart from "receiver caught up".
func (ds *pgDataSource) GetReceiverLag(ctx context.Context) (*ReplicationLag, error) {
	sqlStmt := `
select pg_wal_lsn_diff(pg_last_wal_receive_lsn(), pg_last_wal_replay_lsn())::bigint as lag_bytes,
       extract(epoch from (now() - pg_last_xact_replay_timestamp()))::float8 as lag_seconds
from pg_stat_wal_receiver
`
	lag := &ReplicationLag{}
	err := ds.db.GetContext(ctx, lag, sqlStmt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return lag, nil
}

func (ds *pgDataSource) GetPgStatReplication(ctx context.Context) ([]*PgStatReplication, error) {
	stats := []*PgStatReplication{}
	err := ds.db.SelectContext(ctx, &stats, "select client_addr, sync_state from pg_stat_replication")
	return stats, err
}

func (ds *pgDataSource) CountReplicationConnections(ctx context.Context) (int64, error) {
	var count int64
	err := ds.db.GetContext(ctx, &count, "select count(*) from pg_stat_replication")
	return count, err
}

func (ds *pgDataSource) CountWalReceivers(ctx context.Context) (int64, error) {
	var count int64
	err := ds.db.GetContext(ctx, &count, "select count(*) from pg_stat_wal_receiver")
	return count, err
}

// GetTotalWalBytes returns the WAL position as a byte offset from the start
// of WAL history.
func (ds *pgDataSource) GetTotalWalBytes(ctx context.Context) (int64, error) {
	var total int64
	err := ds.db.GetContext(ctx, &total, "select pg_wal_lsn_diff(pg_current_wal_lsn(), '0/0')::bigint")
	return total, err
}

func (ds *pgDataSource) GetSlotCounts(ctx context.Context) (*SlotCounts, error) {
	sqlStmt := `
select count(*) as total,
       count(*) filter (where active) as active,
       count(*) filter (where not active) as inactive
from pg_replication_slots
`
	counts := &SlotCounts{}
	err := ds.db.GetContext(ctx, counts, sqlStmt)
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (ds *pgDataSource) UpstreamConnInfo(ctx context.Context) (string, error) {
	return conf.FetchPrimaryConninfo(ctx, ds.db)
}

func parseConnInfo(conninfo string) map[string]string {
	params := strings.Fields(conninfo)

	parsedConnInfo := make(map[string]string)
	for _, param := range params {
		kv := strings.SplitN(param, "=", 2)
		if len(kv) != 2 {
			continue
		}
		parsedConnInfo[kv[0]] = kv[1]
	}
	return parsedConnInfo
}
