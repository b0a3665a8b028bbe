package raft

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/pixperk/fencelock/pkg/fsm"
	"github.com/pixperk/fencelock/pkg/metrics"
	"github.com/pixperk/fencelock/pkg/storage"
	"github.com/pixperk/fencelock/pkg/types"
)

const (
	defaultApplyTimeout  = 5 * time.Second
	defaultSweepInterval = time.Second
)

// wraps a raft inst with our fsm and serves it as a lease store backend
// writes go through the raft log, reads are served from the local fsm
type Node struct {
	raft    *raft.Raft
	fsm     *fsm.FSM
	raftFSM *fsm.RaftFSM
	storage *storage.BoltDBStorage
	cfg     *Config
	logger  hclog.Logger

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	shutdownErr  error
	wg           sync.WaitGroup
}

type Config struct {
	NodeID    uuid.UUID //unique ID for this node
	BindAddr  string    //net addr to bind Raft communication
	DataDir   string    //data directory for Raft storage
	Bootstrap bool      //if this is the first node in the cluster

	SweepInterval time.Duration //how often the leader drops expired leases
	ApplyTimeout  time.Duration //max wait for a command to commit
	Logger        hclog.Logger
}

func NewNode(cfg *Config) (*Node, error) {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ApplyTimeout <= 0 {
		cfg.ApplyTimeout = defaultApplyTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{Name: "fencelock", Output: os.Stderr, Level: hclog.Info})
	}
	logger = logger.Named("raft-node").With("node_id", cfg.NodeID.String())

	raftFSM := fsm.NewRaftFSM()
	stateMachine := raftFSM.GetFSM()

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID.String())
	raftCfg.Logger = logger.Named("raft")

	raftCfg.HeartbeatTimeout = 1000 * time.Millisecond
	raftCfg.ElectionTimeout = 1000 * time.Millisecond
	raftCfg.LeaderLeaseTimeout = 500 * time.Millisecond
	raftCfg.CommitTimeout = 50 * time.Millisecond //time to wait before committing entries
	raftCfg.SnapshotThreshold = 8192              // snapshot after 8K log entries

	//add boltDB storage, the snapshot store logs through hclog too
	raftStorage, err := storage.NewBoltDBStorageWithOptions(cfg.DataDir, storage.Options{
		LogOutput: logger.StandardWriter(&hclog.StandardLoggerOptions{InferLevels: true}),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stores: %w", err)
	}

	//tcp transport for inter-node communication
	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to resolve bind addr: %w", err)
	}

	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, 3, 10*time.Second, logger.Named("transport"))
	if err != nil {
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, raftFSM, raftStorage.LogStore, raftStorage.StableStore, raftStorage.SnapshotStore, transport)
	if err != nil {
		transport.Close()
		raftStorage.Close()
		return nil, fmt.Errorf("failed to create raft: %w", err)
	}

	//bootstrap if needed, a restarted node already has its configuration on disk
	if cfg.Bootstrap {
		configuration := raft.Configuration{
			Servers: []raft.Server{
				{
					ID:      raftCfg.LocalID,
					Address: transport.LocalAddr(),
				},
			},
		}

		if err := r.BootstrapCluster(configuration).Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
			logger.Warn("bootstrap failed", "error", err)
		}
	}

	n := &Node{
		raft:       r,
		fsm:        stateMachine,
		raftFSM:    raftFSM,
		storage:    raftStorage,
		cfg:        cfg,
		logger:     logger,
		shutdownCh: make(chan struct{}),
	}

	n.wg.Add(2)
	go n.watchLeadership()
	go n.sweepLoop()

	logger.Info("raft node started", "bind_addr", cfg.BindAddr, "bootstrap", cfg.Bootstrap)
	return n, nil
}

// apply a command to the Raft cluster
// errors returned by the fsm come back as values and are unwrapped here
func (n *Node) Apply(cmd types.Command) (any, error) {
	return n.apply(context.Background(), cmd)
}

func (n *Node) apply(ctx context.Context, cmd types.Command) (any, error) {
	data, err := types.EncodeCommand(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to encode command: %w", err)
	}

	timeout := n.cfg.ApplyTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return nil, context.DeadlineExceeded
	}

	//replicate to cluster via Raft
	future := n.raft.Apply(data, timeout)
	if err := future.Error(); err != nil {
		return nil, fmt.Errorf("failed to apply command: %w", n.raftError(err))
	}

	resp := future.Response()
	if err, ok := resp.(error); ok {
		return nil, err
	}
	return resp, nil
}

// backend name used in metrics
func (n *Node) Name() string { return "raft" }

// reads the record and live lease from the local fsm
// only a confirmed leader answers, a follower or deposed leader may lag behind the log
func (n *Node) Load(ctx context.Context, name string) (types.Snapshot, error) {
	if err := n.verifyLeader(ctx); err != nil {
		return types.Snapshot{}, err
	}
	return n.fsm.Load(ctx, name)
}

// confirms leadership with a quorum, then waits for the fsm to apply everything
// in the local log so the read reflects every committed write
func (n *Node) verifyLeader(ctx context.Context) error {
	if !n.IsLeader() {
		return fmt.Errorf("%w: leader is %q", types.ErrNotLeader, n.GetLeader())
	}
	if err := n.raft.VerifyLeader().Error(); err != nil {
		return n.raftError(err)
	}

	if n.raft.AppliedIndex() < n.raft.LastIndex() {
		timeout := n.cfg.ApplyTimeout
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < timeout {
			timeout = time.Until(deadline)
		}
		if timeout <= 0 {
			return context.DeadlineExceeded
		}
		if err := n.raft.Barrier(timeout).Error(); err != nil {
			return n.raftError(err)
		}
	}
	return nil
}

func (n *Node) raftError(err error) error {
	if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
		return fmt.Errorf("%w: leader is %q", types.ErrNotLeader, n.GetLeader())
	}
	return fmt.Errorf("%w: %v", types.ErrStoreUnavailable, err)
}

// replicates a commit, stamped with the leader's clock
func (n *Node) Commit(ctx context.Context, cmd types.CommitCmd) error {
	if !n.IsLeader() {
		return fmt.Errorf("%w: leader is %q", types.ErrNotLeader, n.GetLeader())
	}
	cmd.WrittenAt = n.fsm.CurrentTime()
	_, err := n.apply(ctx, cmd)
	return err
}

func (n *Node) DeleteLease(ctx context.Context, name, ownerID string) (bool, error) {
	result, err := n.apply(ctx, types.DeleteLeaseCmd{Name: name, OwnerID: ownerID})
	if err != nil {
		return false, err
	}
	return result.(fsm.DeleteLeaseResponse).Deleted, nil
}

// adds a node to the cluster, must be called on the leader
func (n *Node) AddVoter(id uuid.UUID, addr string) error {
	future := n.raft.AddVoter(raft.ServerID(id.String()), raft.ServerAddress(addr), 0, 0)
	if err := future.Error(); err != nil {
		return fmt.Errorf("add voter %s: %w", id, err)
	}
	n.logger.Info("voter added", "voter_id", id.String(), "addr", addr)
	return nil
}

// returns true if this node is the leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// returns the leader's address
func (n *Node) GetLeader() string {
	leaderAddr, _ := n.raft.LeaderWithID()
	return string(leaderAddr)
}

// blocks until a leader is elected
func (n *Node) WaitForLeader(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	timeoutCh := time.After(timeout)

	for {
		select {
		case <-timeoutCh:
			return fmt.Errorf("no leader elected within timeout")
		case <-ticker.C:
			if n.GetLeader() != "" {
				return nil
			}
		}
	}
}

// returns FSM statistics
func (n *Node) Stats() fsm.Stats {
	return n.fsm.Stats()
}

// drops expired leases from the replicated state, leader only
// readers already ignore them, this keeps the state from growing
func (n *Node) sweepLoop() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.shutdownCh:
			return
		case <-ticker.C:
			metrics.RaftAppliedIndex.Set(float64(n.raft.AppliedIndex()))
			if !n.IsLeader() {
				continue
			}
			n.sweep(n.fsm.CurrentTime())
		}
	}
}

func (n *Node) sweep(now time.Time) int {
	expired := 0
	for _, name := range n.fsm.GetExpiredLeases(now) {
		result, err := n.apply(context.Background(), types.ExpireLeaseCmd{Name: name, Now: now})
		if err != nil {
			if !types.IsNotFound(err) {
				n.logger.Warn("lease expiry failed", "lock", name, "error", err)
			}
			continue
		}
		if result.(fsm.ExpireLeaseResponse).Expired {
			expired++
			metrics.LeaseExpireTotal.Inc()
			n.logger.Debug("lease expired", "lock", name)
		}
	}
	return expired
}

func (n *Node) watchLeadership() {
	defer n.wg.Done()
	for {
		select {
		case <-n.shutdownCh:
			return
		case isLeader := <-n.raft.LeaderCh():
			if isLeader {
				metrics.RaftIsLeader.Set(1)
				n.logger.Info("became leader")
			} else {
				metrics.RaftIsLeader.Set(0)
				n.logger.Info("lost leadership", "leader", n.GetLeader())
			}
		}
	}
}

// gracefully shuts down the Raft node, safe to call more than once
func (n *Node) Shutdown() error {
	n.shutdownOnce.Do(func() {
		close(n.shutdownCh)
		n.wg.Wait()
		n.shutdownErr = n.raft.Shutdown().Error()
		if err := n.storage.Close(); err != nil && n.shutdownErr == nil {
			n.shutdownErr = err
		}
		metrics.RaftIsLeader.Set(0)
		n.logger.Info("raft node stopped")
	})
	return n.shutdownErr
}
