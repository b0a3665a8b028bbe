package leasestore

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/pixperk/fencelock/pkg/types"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Etcd is a Backend keeping the lock record and lease under two keys. The
// record's ModRevision is its version, and the lease key is attached to an etcd
// lease so the cluster drops it once the TTL passes.
type Etcd struct {
	client *clientv3.Client
	prefix string
}

type etcdRecord struct {
	Owner      string `json:"owner"`
	FenceToken uint64 `json:"fence_token"`
}

type etcdLease struct {
	OwnerID   string           `json:"owner_id"`
	TTL       time.Duration    `json:"ttl"`
	WrittenAt time.Time        `json:"written_at"`
	LeaseID   clientv3.LeaseID `json:"lease_id"`
}

// NewEtcd returns an etcd backend. Keys live under prefix, which defaults to
// "/fencelock".
func NewEtcd(client *clientv3.Client, prefix string) *Etcd {
	if prefix == "" {
		prefix = "/fencelock"
	}
	return &Etcd{client: client, prefix: prefix}
}

func (e *Etcd) Name() string { return "etcd" }

func (e *Etcd) recordKey(name string) string {
	return e.prefix + "/" + name + "/record"
}

func (e *Etcd) leaseKey(name string) string {
	return e.prefix + "/" + name + "/lease"
}

type etcdState struct {
	record      *types.LockRecord
	lease       *etcdLease
	leaseKeyRev int64
}

// reads both keys at a single revision
func (e *Etcd) read(ctx context.Context, name string) (etcdState, error) {
	resp, err := e.client.Txn(ctx).
		Then(clientv3.OpGet(e.recordKey(name)), clientv3.OpGet(e.leaseKey(name))).
		Commit()
	if err != nil {
		return etcdState{}, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}

	var state etcdState
	if kvs := resp.Responses[0].GetResponseRange().Kvs; len(kvs) > 0 {
		var rec etcdRecord
		if err := json.Unmarshal(kvs[0].Value, &rec); err != nil {
			return etcdState{}, fmt.Errorf("decode record of %q: %w", name, err)
		}
		state.record = &types.LockRecord{
			Name:         name,
			CurrentOwner: rec.Owner,
			FenceToken:   rec.FenceToken,
			Version:      uint64(kvs[0].ModRevision),
		}
	}
	if kvs := resp.Responses[1].GetResponseRange().Kvs; len(kvs) > 0 {
		var lease etcdLease
		if err := json.Unmarshal(kvs[0].Value, &lease); err != nil {
			return etcdState{}, fmt.Errorf("decode lease of %q: %w", name, err)
		}
		state.lease = &lease
		state.leaseKeyRev = kvs[0].ModRevision
	}
	return state, nil
}

func (e *Etcd) Load(ctx context.Context, name string) (types.Snapshot, error) {
	state, err := e.read(ctx, name)
	if err != nil {
		return types.Snapshot{}, err
	}

	snap := types.Snapshot{Record: state.record}
	if state.lease != nil {
		lease := &types.Lease{
			OwnerID:   state.lease.OwnerID,
			TTL:       state.lease.TTL,
			WrittenAt: state.lease.WrittenAt,
		}
		//etcd leases are whole seconds, hide the key once the real TTL passed
		if !lease.IsExpired(time.Now()) {
			snap.Lease = lease
		}
	}
	return snap, nil
}

func (e *Etcd) Commit(ctx context.Context, cmd types.CommitCmd) error {
	if cmd.TTL <= 0 {
		return types.ErrInvalidLeaseTTL
	}

	prev, err := e.read(ctx, cmd.Name)
	if err != nil {
		return err
	}
	if prev.record != nil && prev.record.Version == cmd.ExpectVersion && cmd.FenceToken < prev.record.FenceToken {
		return types.ErrFenceRegression
	}

	granted, err := e.client.Grant(ctx, ttlSeconds(cmd.TTL))
	if err != nil {
		return fmt.Errorf("%w: grant etcd lease: %v", types.ErrStoreUnavailable, err)
	}

	recValue, err := json.Marshal(etcdRecord{Owner: cmd.OwnerID, FenceToken: cmd.FenceToken})
	if err != nil {
		return err
	}
	leaseValue, err := json.Marshal(etcdLease{
		OwnerID:   cmd.OwnerID,
		TTL:       cmd.TTL,
		WrittenAt: time.Now(),
		LeaseID:   granted.ID,
	})
	if err != nil {
		return err
	}

	recKey := e.recordKey(cmd.Name)
	cmp := clientv3.Compare(clientv3.ModRevision(recKey), "=", int64(cmd.ExpectVersion))
	if cmd.ExpectVersion == 0 {
		cmp = clientv3.Compare(clientv3.CreateRevision(recKey), "=", 0)
	}

	resp, err := e.client.Txn(ctx).
		If(cmp).
		Then(
			clientv3.OpPut(recKey, string(recValue)),
			clientv3.OpPut(e.leaseKey(cmd.Name), string(leaseValue), clientv3.WithLease(granted.ID)),
		).
		Commit()
	if err != nil {
		e.revoke(granted.ID)
		return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	if !resp.Succeeded {
		e.revoke(granted.ID)
		return types.ErrVersionConflict
	}

	//the lease key moved to the new etcd lease, drop the old one
	if prev.lease != nil && prev.lease.LeaseID != granted.ID {
		e.revoke(prev.lease.LeaseID)
	}
	return nil
}

func (e *Etcd) DeleteLease(ctx context.Context, name, ownerID string) (bool, error) {
	state, err := e.read(ctx, name)
	if err != nil {
		return false, err
	}
	if state.lease == nil || state.lease.OwnerID != ownerID {
		return false, nil
	}

	leaseKey := e.leaseKey(name)
	resp, err := e.client.Txn(ctx).
		If(clientv3.Compare(clientv3.ModRevision(leaseKey), "=", state.leaseKeyRev)).
		Then(clientv3.OpDelete(leaseKey)).
		Commit()
	if err != nil {
		return false, fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
	}
	if !resp.Succeeded {
		//renewed or taken over since we read it
		return false, nil
	}
	e.revoke(state.lease.LeaseID)

	expired := (&types.Lease{TTL: state.lease.TTL, WrittenAt: state.lease.WrittenAt}).IsExpired(time.Now())
	return !expired, nil
}

// best effort, the etcd lease runs out on its own otherwise
func (e *Etcd) revoke(id clientv3.LeaseID) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = e.client.Revoke(ctx, id)
}

func ttlSeconds(ttl time.Duration) int64 {
	secs := int64(math.Ceil(ttl.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}
