package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pixperk/fencelock/pkg/client"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [lock...]",
	Short: "Show node status and inspect locks on a running server",
	RunE:  status,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("server", "localhost:9000", "fencelock gRPC address")
	statusCmd.Flags().Duration("timeout", 5*time.Second, "Request timeout")
}

func status(cmd *cobra.Command, locks []string) error {
	addr, _ := cmd.Flags().GetString("server")
	timeout, _ := cmd.Flags().GetDuration("timeout")

	c, err := client.NewClient(addr)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	st, err := c.Status(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return err
	}

	for _, name := range locks {
		snap, err := c.Inspect(ctx, name)
		if err != nil {
			return err
		}
		switch {
		case snap.Record == nil:
			fmt.Printf("%s: never acquired\n", name)
		case snap.Lease == nil:
			fmt.Printf("%s: free, fence token %d\n", name, snap.Record.FenceToken)
		default:
			fmt.Printf("%s: held by %s, fence token %d, expires %s\n",
				name, snap.Lease.OwnerID, snap.Record.FenceToken, snap.Lease.ExpiresAt().Format(time.RFC3339))
		}
	}
	return nil
}
