package commands

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvOverridesSubcommandFlags(t *testing.T) {
	t.Setenv("FENCELOCK_RUN_LOCK", "nightly-report")
	t.Setenv("FENCELOCK_RUN_TTL", "7s")
	t.Cleanup(func() {
		_ = runCmd.Flags().Set("lock", "")
		_ = runCmd.Flags().Set("ttl", "20s")
	})

	loadEnv()

	name, err := runCmd.Flags().GetString("lock")
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", name)

	ttl, err := runCmd.Flags().GetDuration("ttl")
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, ttl)
}
