package commands

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pixperk/fencelock/pkg/gateway"
	"github.com/pixperk/fencelock/pkg/leasestore"
	"github.com/pixperk/fencelock/pkg/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the lease store over gRPC and HTTP",
	RunE:  serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("grpc-addr", ":9000", "gRPC listen address")
	serveCmd.Flags().String("http-addr", ":8080", "HTTP gateway and metrics address")
	serveCmd.Flags().Int("max-conflict-retries", leasestore.DefaultMaxConflictRetries, "Version conflict retries per acquire")
}

func serve(cmd *cobra.Command, _ []string) error {
	logger := newLogger(cmd)
	grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
	httpAddr, _ := cmd.Flags().GetString("http-addr")
	retries, _ := cmd.Flags().GetInt("max-conflict-retries")

	b, err := openBackend(cmd, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.close(); err != nil {
			logger.Warn("failed to close backend", "error", err)
		}
	}()

	store := leasestore.New(b,
		leasestore.WithMaxConflictRetries(retries),
		leasestore.WithLogger(logger),
	)
	srv := server.NewServer(server.Config{
		Store:   store,
		Cluster: b.cluster,
		NodeID:  b.nodeID,
		Logger:  logger,
	})

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", grpcAddr, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw := gateway.NewServer(httpAddr, srv, logger)

	logger.Info("fencelock is ready", "backend", b.Name(), "grpc", grpcAddr, "http", httpAddr)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, lis)
	})
	g.Go(func() error {
		return gw.Start(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return gw.Stop(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}
