package types

// lock record is the durable, per-name half of a lock
// it survives every acquisition and carries the fencing token
// fencing token is strictly monotonic and only moves when CurrentOwner changes
type LockRecord struct {
	Name         string `json:"name"`
	CurrentOwner string `json:"current_owner"`
	FenceToken   uint64 `json:"fence_token"`
	Version      uint64 `json:"version"` // store-assigned, 0 means the record does not exist yet
}

// result of a TryAcquire call, granted or not
// callers tell the two apart by comparing CurrentOwner with their own owner ID
type AcquireResult struct {
	FenceToken   uint64
	CurrentOwner string
}

// reports whether the result names ownerID as the holder
func (r AcquireResult) GrantedTo(ownerID string) bool {
	return r.CurrentOwner != "" && r.CurrentOwner == ownerID
}
