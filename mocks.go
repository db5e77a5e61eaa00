package main

import (
	"context"

	"github.com/pkg/errors"

	conf "github.com/winbalf/pg-ha-lab/recovery"
)

// fakeDataSource plays back canned replication state. Tests flip fields to
// model cluster conditions; failures maps a method name to the error it
// should return, and calls records invocation order.
type fakeDataSource struct {
	inRecovery      bool
	primaryLag      *ReplicationLag
	standbyLag      *ReplicationLag
	receiverLag     *ReplicationLag
	statReplication []*PgStatReplication
	connections     int64
	walReceivers    int64
	totalWalBytes   int64
	slots           *SlotCounts
	upstream        string

	failures map[string]error
	calls    []string
	closed   bool
}

func (fds *fakeDataSource) call(name string) error {
	fds.calls = append(fds.calls, name)
	return fds.failures[name]
}

func (fds *fakeDataSource) Close() error {
	fds.closed = true
	return nil
}

func (fds *fakeDataSource) IsInRecovery(ctx context.Context) (bool, error) {
	if err := fds.call("IsInRecovery"); err != nil {
		return false, err
	}
	return fds.inRecovery, nil
}

func (fds *fakeDataSource) GetPrimaryLag(ctx context.Context) (*ReplicationLag, error) {
	if err := fds.call("GetPrimaryLag"); err != nil {
		return nil, err
	}
	if fds.primaryLag == nil {
		return &ReplicationLag{}, nil
	}
	return fds.primaryLag, nil
}

func (fds *fakeDataSource) GetStandbyLag(ctx context.Context) (*ReplicationLag, error) {
	if err := fds.call("GetStandbyLag"); err != nil {
		return nil, err
	}
	if fds.standbyLag == nil {
		return &ReplicationLag{}, nil
	}
	return fds.standbyLag, nil
}

func (fds *fakeDataSource) GetReceiverLag(ctx context.Context) (*ReplicationLag, error) {
	if err := fds.call("GetReceiverLag"); err != nil {
		return nil, err
	}
	return fds.receiverLag, nil
}

func (fds *fakeDataSource) GetPgStatReplication(ctx context.Context) ([]*PgStatReplication, error) {
	if err := fds.call("GetPgStatReplication"); err != nil {
		return nil, err
	}
	return fds.statReplication, nil
}

func (fds *fakeDataSource) CountReplicationConnections(ctx context.Context) (int64, error) {
	if err := fds.call("CountReplicationConnections"); err != nil {
		return 0, err
	}
	return fds.connections, nil
}

func (fds *fakeDataSource) CountWalReceivers(ctx context.Context) (int64, error) {
	if err := fds.call("CountWalReceivers"); err != nil {
		return 0, err
	}
	return fds.walReceivers, nil
}

func (fds *fakeDataSource) GetTotalWalBytes(ctx context.Context) (int64, error) {
	if err := fds.call("GetTotalWalBytes"); err != nil {
		return 0, err
	}
	return fds.totalWalBytes, nil
}

func (fds *fakeDataSource) GetSlotCounts(ctx context.Context) (*SlotCounts, error) {
	if err := fds.call("GetSlotCounts"); err != nil {
		return nil, err
	}
	if fds.slots == nil {
		return &SlotCounts{}, nil
	}
	return fds.slots, nil
}

func (fds *fakeDataSource) UpstreamConnInfo(ctx context.Context) (string, error) {
	if err := fds.call("UpstreamConnInfo"); err != nil {
		return "", err
	}
	if fds.upstream == "" {
		return "", conf.ErrMissingRecoveryConf
	}
	return fds.upstream, nil
}

// fakeProvider hands out one canned data source per instance. connectErrs
// simulates an unreachable instance.
type fakeProvider struct {
	sources     map[string]*fakeDataSource
	connectErrs map[string]error
	acquired    []string
}

func (fp *fakeProvider) Acquire(ctx context.Context, instance string) (ReplicationDataSource, error) {
	fp.acquired = append(fp.acquired, instance)
	if err := fp.connectErrs[instance]; err != nil {
		return nil, err
	}
	ds, ok := fp.sources[instance]
	if !ok {
		return nil, errors.Errorf("unknown instance %q", instance)
	}
	return ds, nil
}
