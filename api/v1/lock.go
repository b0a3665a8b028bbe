// Package v1 is the wire contract of the fencelock lease store service: request
// and response messages, the gRPC service description and a JSON codec so no
// generated protobuf code is needed.
package v1

import "time"

const ServiceName = "fencelock.v1.LockService"

type TryAcquireRequest struct {
	LockName         string `json:"lock_name"`
	OwnerID          string `json:"owner_id"`
	TTLMillis        int64  `json:"ttl_ms"`
	ExpectedMinFence uint64 `json:"expected_min_fence"`
}

type TryAcquireResponse struct {
	FenceToken   uint64 `json:"fence_token"`
	CurrentOwner string `json:"current_owner"`
}

type ReleaseRequest struct {
	LockName string `json:"lock_name"`
	OwnerID  string `json:"owner_id"`
}

type ReleaseResponse struct {
	Released bool `json:"released"`
}

type ValidateRequest struct {
	LockName   string `json:"lock_name"`
	OwnerID    string `json:"owner_id"`
	FenceToken uint64 `json:"fence_token"`
}

type ValidateResponse struct {
	Valid bool `json:"valid"`
}

type InspectRequest struct {
	LockName string `json:"lock_name"`
}

// InspectResponse describes a lock record and its live lease, if any.
// Exists is false when the name was never acquired.
type InspectResponse struct {
	LockName     string `json:"lock_name"`
	Exists       bool   `json:"exists"`
	CurrentOwner string `json:"current_owner,omitempty"`
	FenceToken   uint64 `json:"fence_token"`
	Version      uint64 `json:"version"`

	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseTTLMillis int64     `json:"lease_ttl_ms,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at,omitempty"`
}

type StatusRequest struct{}

type StatusResponse struct {
	NodeID        string `json:"node_id"`
	Backend       string `json:"backend"`
	IsLeader      bool   `json:"is_leader"`
	LeaderAddress string `json:"leader_address,omitempty"`
	Locks         int    `json:"locks"`
	Leases        int    `json:"leases"`
	MaxFenceToken uint64 `json:"max_fence_token"`
}
