package commands

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/fencelock/pkg/leasestore"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// merges the root persistent flags into serve the way Execute would
func testCmd() *cobra.Command {
	serveCmd.InheritedFlags()
	return serveCmd
}

func TestOpenMemoryBackend(t *testing.T) {
	require.NoError(t, rootCmd.PersistentFlags().Set("backend", "memory"))

	b, err := openBackend(testCmd(), hclog.NewNullLogger())
	require.NoError(t, err)
	defer b.close()

	assert.Equal(t, "memory", b.Name())
	assert.NotNil(t, b.cluster)

	store := leasestore.New(b)
	result, err := store.TryAcquire(context.Background(), "L", "owner-1", time.Minute, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), result.FenceToken)
	assert.Equal(t, 1, b.cluster.Stats().Locks)
}

func TestOpenRedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	require.NoError(t, rootCmd.PersistentFlags().Set("backend", "redis"))
	require.NoError(t, rootCmd.PersistentFlags().Set("redis-addr", mr.Addr()))
	t.Cleanup(func() { _ = rootCmd.PersistentFlags().Set("backend", "memory") })

	b, err := openBackend(testCmd(), hclog.NewNullLogger())
	require.NoError(t, err)
	defer b.close()

	assert.Equal(t, "redis", b.Name())
	assert.Nil(t, b.cluster)

	store := leasestore.New(b)
	result, err := store.TryAcquire(context.Background(), "L", "owner-1", time.Minute, 0)
	require.NoError(t, err)
	assert.True(t, result.GrantedTo("owner-1"))
}

func TestOpenUnknownBackend(t *testing.T) {
	require.NoError(t, rootCmd.PersistentFlags().Set("backend", "zookeeper"))
	t.Cleanup(func() { _ = rootCmd.PersistentFlags().Set("backend", "memory") })

	_, err := openBackend(testCmd(), hclog.NewNullLogger())
	assert.ErrorContains(t, err, "unknown backend")
}
