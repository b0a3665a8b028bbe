package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeCommandRoundTrip(t *testing.T) {
	written := time.Unix(1700000000, 0).UTC()
	cmd := CommitCmd{
		Name:          "RESTORE-DB",
		ExpectVersion: 3,
		OwnerID:       "owner-1",
		FenceToken:    7,
		TTL:           20 * time.Second,
		WrittenAt:     written,
	}

	data, err := EncodeCommand(cmd)
	require.NoError(t, err)

	decoded, err := DecodeCommand(data)
	require.NoError(t, err)

	got, ok := decoded.(CommitCmd)
	require.True(t, ok, "expected CommitCmd")
	assert.Equal(t, cmd.Name, got.Name)
	assert.Equal(t, cmd.FenceToken, got.FenceToken)
	assert.True(t, written.Equal(got.WrittenAt))
}

func TestDecodeCommandUnknownType(t *testing.T) {
	_, err := DecodeCommand([]byte(`{"type":99,"payload":{}}`))
	assert.Error(t, err)
}

func TestLeaseExpiry(t *testing.T) {
	start := time.Unix(1000, 0)
	lease := &Lease{OwnerID: "a", TTL: 20 * time.Second, WrittenAt: start}

	assert.False(t, lease.IsExpired(start.Add(19*time.Second)))
	assert.True(t, lease.IsExpired(start.Add(20*time.Second)))
}

func TestAcquireResultGrantedTo(t *testing.T) {
	assert.True(t, AcquireResult{FenceToken: 1, CurrentOwner: "a"}.GrantedTo("a"))
	assert.False(t, AcquireResult{FenceToken: 1, CurrentOwner: "b"}.GrantedTo("a"))
	assert.False(t, AcquireResult{}.GrantedTo(""))
}
