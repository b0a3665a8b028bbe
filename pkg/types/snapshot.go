package types

// what a backend reports for one lock name
// Record is nil until the name has been acquired once
// Lease is nil when no live lease exists
type Snapshot struct {
	Record *LockRecord
	Lease  *Lease
}

// fencing token on record, zero when the name was never acquired
func (s Snapshot) FenceToken() uint64 {
	if s.Record == nil {
		return 0
	}
	return s.Record.FenceToken
}

// record version, zero when the record does not exist
func (s Snapshot) Version() uint64 {
	if s.Record == nil {
		return 0
	}
	return s.Record.Version
}

// owner of the live lease, empty when the lock is free
func (s Snapshot) LeaseOwner() string {
	if s.Lease == nil {
		return ""
	}
	return s.Lease.OwnerID
}
