package discovery

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/ryandielhenn/polyarea/internal/telemetry"
	"github.com/ryandielhenn/polyarea/pkg/node"
	"github.com/ryandielhenn/polyarea/pkg/rcu"
)

const DefaultPrefix = "/polyarea/nodes/"

func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// RegisterNode writes prefix+id -> addr under a lease kept alive until the
// returned cancel is called. Revoke the lease to drop the key immediately.
func RegisterNode(cli *clientv3.Client, prefix, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	ctx, cancel := context.WithCancel(context.Background())

	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	if _, err := cli.Put(ctx, Key(prefix, id), addr, clientv3.WithLease(lease.ID)); err != nil {
		cancel()
		return 0, nil, err
	}

	ch, err := cli.KeepAlive(ctx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, err
	}
	go func() {
		for range ch {
		}
	}()

	return lease.ID, cancel, nil
}

// GetPeers lists registered nodes as id -> addr with the store revision of
// the read.
func GetPeers(ctx context.Context, cli *clientv3.Client, prefix string) (map[string]string, int64, error) {
	resp, err := cli.Get(ctx, prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, 0, err
	}
	return peersFromKVs(prefix, resp.Kvs), resp.Header.Revision, nil
}

// WatchPeers calls fn with the full peer set now and after every change until
// ctx is done.
func WatchPeers(ctx context.Context, cli *clientv3.Client, prefix string, fn func(peers map[string]string)) error {
	peers, rev, err := GetPeers(ctx, cli, prefix)
	if err != nil {
		return err
	}
	fn(peers)

	wch := cli.Watch(ctx, prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			return err
		}
		peers, _, err := GetPeers(ctx, cli, prefix)
		if err != nil {
			return err
		}
		fn(peers)
	}
	return ctx.Err()
}

// WatchInto follows the registered peers in the background and publishes
// every change into cell. It returns once the first peer set is published;
// stop ends the watch and reports how it ended. Addresses without a port get
// defPort.
func WatchInto(ctx context.Context, cli *clientv3.Client, prefix string, defPort uint16, cell *rcu.Cell[Snapshot], log *zap.Logger) (stop func() error, err error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(ctx)
	publish := publisher(cell, defPort, log)
	ready := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		var once sync.Once
		err := WatchPeers(ctx, cli, prefix, func(peers map[string]string) {
			publish(peers)
			once.Do(func() { close(ready) })
		})
		if err != nil && ctx.Err() == nil {
			log.Error("etcd watch ended", zap.String("prefix", prefix), zap.Error(err))
		}
		done <- err
	}()

	select {
	case <-ready:
	case err := <-done:
		cancel()
		return nil, fmt.Errorf("discovery: etcd watch %s: %w", prefix, err)
	}

	return func() error {
		cancel()
		if err := <-done; !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}, nil
}

// publisher turns a peer set into a snapshot and replaces cell's value.
func publisher(cell *rcu.Cell[Snapshot], defPort uint16, log *zap.Logger) func(map[string]string) {
	return func(peers map[string]string) {
		snap := Endpoints(peers, defPort, log)
		cell.Set(snap)
		telemetry.DiscoveredEndpoints.Set(float64(len(snap)))
		log.Info("published endpoints from etcd", zap.Int("peers", len(snap)), zap.Stringers("endpoints", snap))
	}
}

// Endpoints turns registered addresses into a sorted, deduplicated snapshot.
// Addresses that do not resolve are logged and skipped.
func Endpoints(peers map[string]string, defPort uint16, log *zap.Logger) Snapshot {
	port := strconv.Itoa(int(defPort))
	snap := Snapshot{}
	for id, addr := range peers {
		ap, err := node.ParseEndpoint(addr, port)
		if err != nil {
			log.Warn("skipping peer with bad address", zap.String("id", id), zap.String("addr", addr), zap.Error(err))
			continue
		}
		snap = append(snap, ap)
	}
	slices.SortFunc(snap, func(a, b netip.AddrPort) int { return a.Compare(b) })
	return slices.Compact(snap)
}

func peersFromKVs(prefix string, kvs []*mvccpb.KeyValue) map[string]string {
	peers := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		id := strings.TrimPrefix(string(kv.Key), prefix)
		if id == "" {
			continue
		}
		peers[id] = string(kv.Value)
	}
	return peers
}

// Key is the registration key of id under prefix.
func Key(prefix, id string) string {
	return fmt.Sprintf("%s%s", prefix, id)
}
