package main

import (
	"context"
	"strings"
	"testing"
	"time"

	"gopkg.in/volatiletech/null.v6"

	"github.com/winbalf/pg-ha-lab/config"
)

func TestDsnForBuildsLibpqKeywords(t *testing.T) {
	ep := config.EndpointConfig{
		Host:     "pg-primary",
		Port:     "5432",
		Database: "testdb",
		User:     "postgres",
		Password: "hunter2",
		Sslmode:  "disable",
	}

	dsn := dsnFor(ep, 5*time.Second)

	expected := "host=pg-primary port=5432 dbname=testdb user=postgres sslmode=disable connect_timeout=5 password=hunter2"
	if dsn != expected {
		t.Errorf("unexpected dsn:\n got %q\nwant %q", dsn, expected)
	}
}

func TestDsnForOmitsEmptyPassword(t *testing.T) {
	ep := config.EndpointConfig{Host: "h", Port: "5432", Database: "d", User: "u", Sslmode: "disable"}

	dsn := dsnFor(ep, 5*time.Second)

	if strings.Contains(dsn, "password") {
		t.Errorf("dsn should not mention password: %q", dsn)
	}
}

func TestDsnForFloorsSubSecondTimeout(t *testing.T) {
	ep := config.EndpointConfig{Host: "h", Port: "5432", Database: "d", User: "u", Sslmode: "disable"}

	dsn := dsnFor(ep, 200*time.Millisecond)

	// libpq treats connect_timeout=0 as "wait forever".
	if !strings.Contains(dsn, "connect_timeout=1") {
		t.Errorf("expected timeout floor of 1s in %q", dsn)
	}
}

func TestParseConnInfo(t *testing.T) {
	parsed := parseConnInfo("host=pg-primary port=5432 user=replicator application_name=pg_standby")

	if parsed["host"] != "pg-primary" || parsed["port"] != "5432" {
		t.Errorf("unexpected parse result: %+v", parsed)
	}
	if parsed["application_name"] != "pg_standby" {
		t.Errorf("unexpected application_name: %q", parsed["application_name"])
	}
}

func TestParseConnInfoSkipsMalformedTokens(t *testing.T) {
	parsed := parseConnInfo("host=pg-primary garbage port=5432")

	if _, ok := parsed["garbage"]; ok {
		t.Error("malformed token should be dropped")
	}
	if parsed["host"] != "pg-primary" || parsed["port"] != "5432" {
		t.Errorf("surrounding tokens lost: %+v", parsed)
	}
}

func TestReplicationLagMegabytes(t *testing.T) {
	cases := []struct {
		bytes    int64
		expected float64
	}{
		{0, 0},
		{512 * 1024, 0.5},
		{1 << 20, 1},
		{500 * 1024, 500.0 / 1024},
		{10<<20 + 1, float64(10<<20+1) / (1 << 20)},
	}
	for _, tc := range cases {
		lag := &ReplicationLag{Bytes: null.Int64From(tc.bytes)}
		if got := lag.Megabytes(); got != tc.expected {
			t.Errorf("Megabytes(%d) = %v, want %v", tc.bytes, got, tc.expected)
		}
	}
}

func TestReplicationLagHasData(t *testing.T) {
	var empty ReplicationLag
	if empty.HasData() {
		t.Error("null sample should report no data")
	}

	withBytes := ReplicationLag{Bytes: null.Int64From(0)}
	if !withBytes.HasData() {
		t.Error("a scanned zero is still data")
	}

	withSeconds := ReplicationLag{Seconds: null.Float64From(1.5)}
	if !withSeconds.HasData() {
		t.Error("seconds alone should count as data")
	}
}

func TestClientLabelStringifiesNullAddresses(t *testing.T) {
	withAddr := &PgStatReplication{ClientAddr: null.StringFrom("10.0.0.8"), SyncState: "async"}
	if got := withAddr.ClientLabel(); got != "10.0.0.8" {
		t.Errorf("expected address label, got %q", got)
	}

	nullAddr := &PgStatReplication{SyncState: "sync"}
	if got := nullAddr.ClientLabel(); got != nullClientAddr {
		t.Errorf("expected %q for null address, got %q", nullClientAddr, got)
	}
}

func TestIsSync(t *testing.T) {
	if !(&PgStatReplication{SyncState: "sync"}).IsSync() {
		t.Error("sync row not detected")
	}
	if (&PgStatReplication{SyncState: "async"}).IsSync() {
		t.Error("async row misdetected as sync")
	}
	if (&PgStatReplication{SyncState: "potential"}).IsSync() {
		t.Error("potential rows are not yet synchronous")
	}
}

func TestAcquireRejectsUnknownInstance(t *testing.T) {
	provider := NewPgConnectionProvider(testConfig())

	_, err := provider.Acquire(context.Background(), "cluster")
	if err == nil {
		t.Fatal("expected an error for an instance with no endpoint")
	}
	if !strings.Contains(err.Error(), "unknown instance") {
		t.Errorf("unexpected error: %v", err)
	}
}
