package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"ctclusterd/election"

	"github.com/google/uuid"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdStore implements ConsistentStore and election.Backend on top of
// etcd. All cluster state lives under /<cluster-name>/.
type EtcdStore struct {
	client      *clientv3.Client
	clusterName string
}

func NewEtcdStore(client *clientv3.Client, clusterName string) *EtcdStore {
	return &EtcdStore{
		client:      client,
		clusterName: clusterName,
	}
}

func (s *EtcdStore) clusterPrefix() string {
	return "/" + s.clusterName
}

func (s *EtcdStore) nodesPrefix() string {
	return s.clusterPrefix() + "/nodes"
}

func (s *EtcdStore) configKey() string {
	return s.clusterPrefix() + "/config"
}

func (s *EtcdStore) servingSTHKey() string {
	return s.clusterPrefix() + "/serving-sth"
}

func (s *EtcdStore) electionPrefix() string {
	return s.clusterPrefix() + "/election"
}

const etcdRvnKey = "/rvn"
const etcdLeaderKey = "/leader"
const etcdDurationKey = "/lease_duration_ms"

func (s *EtcdStore) SetClusterNodeState(ctx context.Context, state ClusterNodeState) error {
	stateBytes, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to marshal node state: %w", err)
	}

	key := s.nodesPrefix() + "/" + state.NodeID
	if _, err := s.client.Put(ctx, key, string(stateBytes)); err != nil {
		return fmt.Errorf("failed to write node state to etcd: %w", err)
	}

	return nil
}

func (s *EtcdStore) SetServingSTH(ctx context.Context, sth SignedTreeHead) error {
	sthBytes, err := json.Marshal(sth)
	if err != nil {
		return fmt.Errorf("failed to marshal serving STH: %w", err)
	}

	if _, err := s.client.Put(ctx, s.servingSTHKey(), string(sthBytes)); err != nil {
		return fmt.Errorf("failed to write serving STH to etcd: %w", err)
	}

	return nil
}

// SetClusterConfig is used by the init command to seed the cluster's
// serving requirements.
func (s *EtcdStore) SetClusterConfig(ctx context.Context, conf ClusterConfig) error {
	confBytes, err := json.Marshal(conf)
	if err != nil {
		return fmt.Errorf("failed to marshal cluster config: %w", err)
	}

	if _, err := s.client.Put(ctx, s.configKey(), string(confBytes)); err != nil {
		return fmt.Errorf("failed to write cluster config to etcd: %w", err)
	}

	return nil
}

func (s *EtcdStore) WatchClusterNodeStates(ctx context.Context, cb func([]Update[ClusterNodeState])) error {
	prefix := s.nodesPrefix() + "/"

	resp, err := s.client.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return fmt.Errorf("failed to get node states from etcd: %w", err)
	}

	initial := make([]Update[ClusterNodeState], 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var state ClusterNodeState
		if err := json.Unmarshal(kv.Value, &state); err != nil {
			return fmt.Errorf("failed to unmarshal node state %s: %w", kv.Key, err)
		}
		initial = append(initial, Update[ClusterNodeState]{
			Key:    strings.TrimPrefix(string(kv.Key), prefix),
			Exists: true,
			Value:  state,
		})
	}
	if len(initial) > 0 {
		cb(initial)
	}

	wch := s.client.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			return fmt.Errorf("node state watch failed: %w", err)
		}

		updates := make([]Update[ClusterNodeState], 0, len(wresp.Events))
		for _, ev := range wresp.Events {
			nodeID := strings.TrimPrefix(string(ev.Kv.Key), prefix)
			switch ev.Type {
			case clientv3.EventTypePut:
				var state ClusterNodeState
				if err := json.Unmarshal(ev.Kv.Value, &state); err != nil {
					return fmt.Errorf("failed to unmarshal node state %s: %w", ev.Kv.Key, err)
				}
				updates = append(updates, Update[ClusterNodeState]{Key: nodeID, Exists: true, Value: state})
			case clientv3.EventTypeDelete:
				updates = append(updates, Update[ClusterNodeState]{Key: nodeID, Exists: false})
			}
		}
		if len(updates) > 0 {
			cb(updates)
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("node state watch channel closed")
}

func (s *EtcdStore) WatchClusterConfig(ctx context.Context, cb func(Update[ClusterConfig])) error {
	return watchSingleKey(ctx, s.client, s.configKey(), "cluster config", cb)
}

func (s *EtcdStore) WatchServingSTH(ctx context.Context, cb func(Update[SignedTreeHead])) error {
	return watchSingleKey(ctx, s.client, s.servingSTHKey(), "serving STH", cb)
}

// watchSingleKey delivers the current value of key (if any) and then
// every subsequent change, in store order, until ctx is cancelled.
func watchSingleKey[T any](ctx context.Context, client *clientv3.Client, key string, what string, cb func(Update[T])) error {
	resp, err := client.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get %s from etcd: %w", what, err)
	}

	if len(resp.Kvs) > 0 {
		var value T
		if err := json.Unmarshal(resp.Kvs[0].Value, &value); err != nil {
			return fmt.Errorf("failed to unmarshal %s: %w", what, err)
		}
		cb(Update[T]{Key: key, Exists: true, Value: value})
	}

	wch := client.Watch(ctx, key, clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			return fmt.Errorf("%s watch failed: %w", what, err)
		}

		for _, ev := range wresp.Events {
			switch ev.Type {
			case clientv3.EventTypePut:
				var value T
				if err := json.Unmarshal(ev.Kv.Value, &value); err != nil {
					return fmt.Errorf("failed to unmarshal %s: %w", what, err)
				}
				cb(Update[T]{Key: key, Exists: true, Value: value})
			case clientv3.EventTypeDelete:
				cb(Update[T]{Key: key, Exists: false})
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%s watch channel closed", what)
}

func (s *EtcdStore) FetchCurrentLease(ctx context.Context) (*election.Lease, error) {
	getResp, err := s.client.Get(ctx, s.electionPrefix(), clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("failed to get election keys from etcd: %w", err)
	}

	if len(getResp.Kvs) == 0 {
		return nil, nil
	}

	var lease election.Lease
	for _, kv := range getResp.Kvs {
		if string(kv.Key) == s.electionPrefix()+etcdRvnKey {
			lease.RevisionVersionNumber, err = uuid.Parse(string(kv.Value))
			if err != nil {
				return nil, fmt.Errorf("failed to parse RVN: %w", err)
			}
		} else if string(kv.Key) == s.electionPrefix()+etcdLeaderKey {
			lease.Leader = string(kv.Value)
		} else if string(kv.Key) == s.electionPrefix()+etcdDurationKey {
			var durationMs int64
			if _, err := fmt.Sscanf(string(kv.Value), "%d", &durationMs); err != nil {
				return nil, fmt.Errorf("failed to parse lease duration: %w", err)
			}
			lease.Duration = time.Duration(durationMs) * time.Millisecond
		}
	}
	if lease.RevisionVersionNumber == uuid.Nil || lease.Leader == "" || lease.Duration <= 0 {
		return nil, fmt.Errorf("incomplete lease data: %+v", lease)
	}

	return &lease, nil
}

func (s *EtcdStore) AtomicCompareAndSwapLease(ctx context.Context, prevRVN *uuid.UUID, newLease election.Lease) (bool, error) {
	// By default, assume the previous lease doesn't exist.
	compare := clientv3.Compare(clientv3.CreateRevision(s.electionPrefix()+etcdRvnKey), "=", 0)
	if prevRVN != nil {
		compare = clientv3.Compare(clientv3.Value(s.electionPrefix()+etcdRvnKey), "=", prevRVN.String())
	}

	txn := s.client.Txn(ctx)
	txnResp, err := txn.If(
		compare,
	).Then(
		clientv3.OpPut(s.electionPrefix()+etcdRvnKey, newLease.RevisionVersionNumber.String()),
		clientv3.OpPut(s.electionPrefix()+etcdLeaderKey, newLease.Leader),
		clientv3.OpPut(s.electionPrefix()+etcdDurationKey, fmt.Sprintf("%d", newLease.Duration.Milliseconds())),
	).Commit()
	if err != nil {
		return false, fmt.Errorf("failed to commit lease transaction: %w", err)
	}

	return txnResp.Succeeded, nil
}
