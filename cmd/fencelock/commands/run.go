package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/fencelock/pkg/client"
	"github.com/pixperk/fencelock/pkg/leasestore"
	"github.com/pixperk/fencelock/pkg/lock"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a fenced job under a lock",
	Long: `Repeatedly acquires the named lock and, while it is held, runs a job of
--steps steps, checking the fence token with the store before each one.`,
	RunE: run,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("server", "", "fencelock gRPC address, implies --backend remote (uses the local --backend if empty)")
	runCmd.Flags().String("lock", "", "Lock name")
	runCmd.Flags().Duration("ttl", lock.DefaultTTL, "Lease TTL")
	runCmd.Flags().Duration("retry-interval", lock.DefaultRetryInterval, "Wait between acquire attempts")
	runCmd.Flags().Duration("release-delay", lock.DefaultReleaseDelay, "Wait after a release before competing again")
	runCmd.Flags().Uint64("initial-fence", 0, "Last fence token this process is known to have seen")
	runCmd.Flags().Int("steps", 5, "Steps per job")
	runCmd.Flags().Duration("step-delay", time.Second, "Duration of each step")
	runCmd.Flags().Bool("once", false, "Make a single attempt instead of looping")

	runCmd.MarkFlagRequired("lock")
}

func run(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	name, _ := cmd.Flags().GetString("lock")
	ttl, _ := cmd.Flags().GetDuration("ttl")
	retry, _ := cmd.Flags().GetDuration("retry-interval")
	releaseDelay, _ := cmd.Flags().GetDuration("release-delay")
	initial, _ := cmd.Flags().GetUint64("initial-fence")
	once, _ := cmd.Flags().GetBool("once")

	store, closeStore, err := openLockStore(cmd, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	o, err := lock.NewOrchestrator(store, name,
		lock.WithTTL(ttl),
		lock.WithRetryInterval(retry),
		lock.WithReleaseDelay(releaseDelay),
		lock.WithInitialFenceToken(initial),
		lock.WithLogger(logger),
		lock.WithObserver(lock.Observers(lock.NewLogObserver(logger), lock.MetricsObserver{})),
	)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	work := newJob(cmd, logger)
	if once {
		held, err := o.RunOnce(ctx, work)
		if err != nil {
			return err
		}
		if !held {
			logger.Info("lock is held elsewhere", "lock", name)
		}
		return nil
	}

	err = o.Run(ctx, work)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// a job that checks its fence token before every step
func newJob(cmd *cobra.Command, logger hclog.Logger) lock.Work {
	steps, _ := cmd.Flags().GetInt("steps")
	delay, _ := cmd.Flags().GetDuration("step-delay")

	return func(ctx context.Context) error {
		h := lock.HandleFromContext(ctx)
		token := h.FenceToken()
		for i := 1; i <= steps; i++ {
			valid, err := h.Validate(ctx, token)
			if err != nil {
				return err
			}
			if !valid {
				return fmt.Errorf("fence token %d is no longer current", token)
			}

			logger.Info("step", "lock", h.Name(), "fence_token", token, "step", i, "of", steps)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		return nil
	}
}

func openLockStore(cmd *cobra.Command, logger hclog.Logger) (lock.Store, func(), error) {
	addr, _ := cmd.Flags().GetString("server")
	if kind, _ := cmd.Flags().GetString("backend"); kind == "remote" && addr == "" {
		addr = "localhost:9000"
	}
	if addr != "" {
		c, err := client.NewClient(addr)
		if err != nil {
			return nil, nil, err
		}
		return c, func() { _ = c.Close() }, nil
	}

	b, err := openBackend(cmd, logger)
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() {
		if err := b.close(); err != nil {
			logger.Warn("failed to close backend", "error", err)
		}
	}
	return leasestore.New(b, leasestore.WithLogger(logger)), closeFn, nil
}
