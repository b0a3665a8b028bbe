package fsm

import (
	"context"
	"fmt"
	"sync"

	tm "time"

	"github.com/pixperk/fencelock/pkg/time"
	"github.com/pixperk/fencelock/pkg/types"
)

// manages lock records and their leases
// critical :
// - a commit only lands if the record version still matches
// - fencing tokens never move backwards
// - a lease past its TTL is invisible to readers and is eventually dropped
type FSM struct {
	mu sync.RWMutex

	records map[string]*types.LockRecord // lock name -> record
	leases  map[string]*types.Lease      // lock name -> lease

	clock time.Clock
}

func NewFSM() *FSM {
	return NewFSMWithClock(time.NewClock())
}

func NewFSMWithClock(clock time.Clock) *FSM {
	return &FSM{
		records: make(map[string]*types.LockRecord),
		leases:  make(map[string]*types.Lease),
		clock:   clock,
	}
}

// applies a command to the FSM and returns the result or error
func (f *FSM) Apply(cmd types.Command) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch c := cmd.(type) {
	case types.CommitCmd:
		return f.applyCommit(c)
	case types.DeleteLeaseCmd:
		return f.applyDeleteLease(c)
	case types.ExpireLeaseCmd:
		return f.applyExpireLease(c)
	default:
		return nil, fmt.Errorf("unknown command type: %T", cmd)
	}
}

// returned when a commit lands
type CommitResponse struct {
	Version uint64
}

func (f *FSM) applyCommit(cmd types.CommitCmd) (any, error) {
	if cmd.Name == "" || cmd.OwnerID == "" {
		return nil, types.ErrInvalidArgument
	}
	if cmd.TTL <= 0 {
		return nil, types.ErrInvalidLeaseTTL
	}

	var current uint64
	rec, exists := f.records[cmd.Name]
	if exists {
		current = rec.Version
	}

	//compare and swap on the record version
	if current != cmd.ExpectVersion {
		return nil, types.ErrVersionConflict
	}

	//the token on record is the highest ever issued, never go below it
	if exists && cmd.FenceToken < rec.FenceToken {
		return nil, types.ErrFenceRegression
	}

	next := &types.LockRecord{
		Name:         cmd.Name,
		CurrentOwner: cmd.OwnerID,
		FenceToken:   cmd.FenceToken,
		Version:      current + 1,
	}
	f.records[cmd.Name] = next

	writtenAt := cmd.WrittenAt
	if writtenAt.IsZero() {
		writtenAt = f.clock.Now()
	}
	f.leases[cmd.Name] = &types.Lease{
		OwnerID:   cmd.OwnerID,
		TTL:       cmd.TTL,
		WrittenAt: writtenAt,
	}

	return CommitResponse{Version: next.Version}, nil
}

// returned when a lease delete is applied
type DeleteLeaseResponse struct {
	Deleted bool
}

func (f *FSM) applyDeleteLease(cmd types.DeleteLeaseCmd) (any, error) {
	lease, exists := f.leases[cmd.Name]
	if !exists || lease.OwnerID != cmd.OwnerID {
		return DeleteLeaseResponse{Deleted: false}, nil
	}

	delete(f.leases, cmd.Name)

	//an expired lease was already gone as far as readers are concerned
	return DeleteLeaseResponse{
		Deleted: !lease.IsExpired(f.clock.Now()),
	}, nil
}

// returned when the sweeper expires a lease
type ExpireLeaseResponse struct {
	Expired bool
}

func (f *FSM) applyExpireLease(cmd types.ExpireLeaseCmd) (any, error) {
	lease, exists := f.leases[cmd.Name]
	if !exists {
		return nil, types.ErrLeaseNotFound
	}

	//a renewal may have landed between the sweep and this apply
	if !lease.IsExpired(cmd.Now) {
		return ExpireLeaseResponse{Expired: false}, nil
	}

	delete(f.leases, cmd.Name)

	return ExpireLeaseResponse{Expired: true}, nil
}

// backend name used in metrics
func (f *FSM) Name() string { return "memory" }

// reads the record and live lease for name
func (f *FSM) Load(_ context.Context, name string) (types.Snapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var snap types.Snapshot
	if rec, ok := f.records[name]; ok {
		recCopy := *rec
		snap.Record = &recCopy
	}
	if lease, ok := f.leases[name]; ok && !lease.IsExpired(f.clock.Now()) {
		leaseCopy := *lease
		snap.Lease = &leaseCopy
	}
	return snap, nil
}

// stamps and applies a commit locally
func (f *FSM) Commit(_ context.Context, cmd types.CommitCmd) error {
	cmd.WrittenAt = f.clock.Now()
	_, err := f.Apply(cmd)
	return err
}

// deletes the lease for name if ownerID holds it
func (f *FSM) DeleteLease(_ context.Context, name, ownerID string) (bool, error) {
	result, err := f.Apply(types.DeleteLeaseCmd{Name: name, OwnerID: ownerID})
	if err != nil {
		return false, err
	}
	return result.(DeleteLeaseResponse).Deleted, nil
}

// drops every expired lease, returns how many went
func (f *FSM) Sweep(now tm.Time) int {
	expired := 0
	for _, name := range f.GetExpiredLeases(now) {
		result, err := f.Apply(types.ExpireLeaseCmd{Name: name, Now: now})
		if err == nil && result.(ExpireLeaseResponse).Expired {
			expired++
		}
	}
	return expired
}

// returns a lock record by name
func (f *FSM) GetRecord(name string) (*types.LockRecord, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	rec, exists := f.records[name]
	return rec, exists
}

// returns the stored lease by lock name, expired or not
func (f *FSM) GetLease(name string) (*types.Lease, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	lease, exists := f.leases[name]
	return lease, exists
}

// current fsm stats
type Stats struct {
	Locks         int
	Leases        int
	MaxFenceToken uint64
}

func (f *FSM) Stats() Stats {
	f.mu.RLock()
	defer f.mu.RUnlock()

	stats := Stats{
		Locks:  len(f.records),
		Leases: len(f.leases),
	}
	for _, rec := range f.records {
		if rec.FenceToken > stats.MaxFenceToken {
			stats.MaxFenceToken = rec.FenceToken
		}
	}
	return stats
}

// returns the lock names whose leases have expired at now
func (f *FSM) GetExpiredLeases(now tm.Time) []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	var expired []string
	for name, lease := range f.leases {
		if lease.IsExpired(now) {
			expired = append(expired, name)
		}
	}

	return expired
}

func (f *FSM) CurrentTime() tm.Time {
	return f.clock.Now()
}
