package types

import "time"

// a lease represents a time-bound claim on a lock
// the backend removes it TTL after its last write
// absence of a lease means the lock is free, whatever the record says
type Lease struct {
	OwnerID   string        `json:"owner_id"`
	TTL       time.Duration `json:"ttl"`
	WrittenAt time.Time     `json:"written_at"` // stamped by the backend on every write
}

// when the backend will drop the lease
func (l *Lease) ExpiresAt() time.Time {
	return l.WrittenAt.Add(l.TTL)
}

// checks if the lease has expired at now
func (l *Lease) IsExpired(now time.Time) bool {
	return !now.Before(l.ExpiresAt())
}
