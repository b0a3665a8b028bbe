package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/hashicorp/go-hclog"
	"github.com/jamiealquiza/envy"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fencelock",
	Short: "Fenced distributed lock service",
	Long: `fencelock hands out time-bounded leases on named locks together with
monotonically increasing fence tokens, over memory, raft, redis or etcd storage.`,
	SilenceUsage: true,
}

func Execute() {
	loadEnv()

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// every flag can also be set from the environment: FENCELOCK_<FLAG> for the
// persistent ones, FENCELOCK_<COMMAND>_<FLAG> for subcommand flags
func loadEnv() {
	envy.ParseCobra(rootCmd, envy.CobraConfig{Prefix: "FENCELOCK", Persistent: true, Recursive: true})
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: [trace, debug, info, warn, error]")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit logs as JSON")

	rootCmd.PersistentFlags().String("backend", "memory", "Lease storage backend: [memory, raft, redis, etcd, remote (run only)]")
	rootCmd.PersistentFlags().String("node-id", "", "Raft node ID (generates a UUID if empty)")
	rootCmd.PersistentFlags().String("raft-addr", "127.0.0.1:7000", "Raft bind address")
	rootCmd.PersistentFlags().String("data-dir", "./data", "Data directory for raft storage")
	rootCmd.PersistentFlags().Bool("bootstrap", false, "Bootstrap a new raft cluster")
	rootCmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address (comma delim. list for cluster)")
	rootCmd.PersistentFlags().String("etcd-endpoints", "localhost:2379", "etcd endpoints (comma delim. list)")
	rootCmd.PersistentFlags().String("key-prefix", "", "Key prefix for redis and etcd backends")
}

func newLogger(cmd *cobra.Command) hclog.Logger {
	level, _ := cmd.Flags().GetString("log-level")
	asJSON, _ := cmd.Flags().GetBool("log-json")

	return hclog.New(&hclog.LoggerOptions{
		Name:       "fencelock",
		Level:      hclog.LevelFromString(level),
		JSONFormat: asJSON,
		Output:     os.Stderr,
	})
}
