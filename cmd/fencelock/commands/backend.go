package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/pixperk/fencelock/pkg/fsm"
	"github.com/pixperk/fencelock/pkg/leasestore"
	"github.com/pixperk/fencelock/pkg/raft"
	"github.com/pixperk/fencelock/pkg/server"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// an opened lease backend and whatever must be closed with it
type backend struct {
	leasestore.Backend
	nodeID  string
	cluster server.Cluster //nil for redis and etcd
	close   func() error
}

func openBackend(cmd *cobra.Command, logger hclog.Logger) (*backend, error) {
	kind, _ := cmd.Flags().GetString("backend")
	prefix, _ := cmd.Flags().GetString("key-prefix")

	switch kind {
	case "memory":
		state := fsm.NewFSM()
		return &backend{
			Backend: state,
			nodeID:  "memory",
			cluster: server.Standalone(state),
			close:   func() error { return nil },
		}, nil

	case "raft":
		return openRaft(cmd, logger)

	case "redis":
		addrs, _ := cmd.Flags().GetString("redis-addr")
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs: strings.Split(addrs, ","),
		})
		return &backend{
			Backend: leasestore.NewRedis(client, prefix),
			nodeID:  addrs,
			close:   client.Close,
		}, nil

	case "etcd":
		endpoints, _ := cmd.Flags().GetString("etcd-endpoints")
		client, err := clientv3.New(clientv3.Config{
			Endpoints:   strings.Split(endpoints, ","),
			DialTimeout: 5 * time.Second,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to etcd: %w", err)
		}
		return &backend{
			Backend: leasestore.NewEtcd(client, prefix),
			nodeID:  endpoints,
			close:   client.Close,
		}, nil
	}

	return nil, fmt.Errorf("unknown backend %q, must be one of [memory, raft, redis, etcd]", kind)
}

func openRaft(cmd *cobra.Command, logger hclog.Logger) (*backend, error) {
	rawID, _ := cmd.Flags().GetString("node-id")
	raftAddr, _ := cmd.Flags().GetString("raft-addr")
	dataDir, _ := cmd.Flags().GetString("data-dir")
	bootstrap, _ := cmd.Flags().GetBool("bootstrap")

	nid := uuid.New()
	if rawID != "" {
		var err error
		if nid, err = uuid.Parse(rawID); err != nil {
			return nil, fmt.Errorf("invalid node id: %w", err)
		}
	} else {
		logger.Info("generated node id", "node_id", nid)
	}

	node, err := raft.NewNode(&raft.Config{
		NodeID:    nid,
		BindAddr:  raftAddr,
		DataDir:   dataDir,
		Bootstrap: bootstrap,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create raft node: %w", err)
	}

	if bootstrap {
		if err := node.WaitForLeader(10 * time.Second); err != nil {
			logger.Warn("no leader yet", "error", err)
		}
	}

	return &backend{
		Backend: node,
		nodeID:  nid.String(),
		cluster: node,
		close:   node.Shutdown,
	}, nil
}
