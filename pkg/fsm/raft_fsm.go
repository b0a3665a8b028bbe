package fsm

import (
	"encoding/json"
	"io"

	"github.com/hashicorp/raft"
	"github.com/pixperk/fencelock/pkg/time"
	"github.com/pixperk/fencelock/pkg/types"
)

// adapter to bridge Raft FSM with our internal FSM
type RaftFSM struct {
	fsm *FSM
}

func NewRaftFSM() *RaftFSM {
	return NewRaftFSMWithClock(time.NewClock())
}

func NewRaftFSMWithClock(clock time.Clock) *RaftFSM {
	return &RaftFSM{
		fsm: NewFSMWithClock(clock),
	}
}

// underlying state machine, used for local reads
func (rf *RaftFSM) GetFSM() *FSM {
	return rf.fsm
}

// the returned value becomes future.Response() on the leader
// errors are returned as values, raft only fails the future on replication problems
func (rf *RaftFSM) Apply(log *raft.Log) any {
	//s1 : decode the command envelope
	cmd, err := types.DecodeCommand(log.Data)
	if err != nil {
		return err
	}

	//s2 : apply to FSM
	result, err := rf.fsm.Apply(cmd)
	if err != nil {
		return err
	}

	return result
}

// create a snapshot of the current FSM state
func (rf *RaftFSM) Snapshot() (raft.FSMSnapshot, error) {
	rf.fsm.mu.RLock()
	defer rf.fsm.mu.RUnlock()

	snapshot := &fsmSnapshot{
		Records: make(map[string]*types.LockRecord, len(rf.fsm.records)),
		Leases:  make(map[string]*types.Lease, len(rf.fsm.leases)),
	}

	//deep copy records
	for name, rec := range rf.fsm.records {
		recCopy := *rec
		snapshot.Records[name] = &recCopy
	}

	//deep copy leases
	for name, lease := range rf.fsm.leases {
		leaseCopy := *lease
		snapshot.Leases[name] = &leaseCopy
	}

	return snapshot, nil
}

// restores FSM state from snapshot
// when a node falls behind and needs to catch up or a new node joins
func (rf *RaftFSM) Restore(snapshot io.ReadCloser) error {
	defer snapshot.Close()

	var snap fsmSnapshot
	if err := json.NewDecoder(snapshot).Decode(&snap); err != nil {
		return err
	}

	if snap.Records == nil {
		snap.Records = make(map[string]*types.LockRecord)
	}
	if snap.Leases == nil {
		snap.Leases = make(map[string]*types.Lease)
	}

	rf.fsm.mu.Lock()
	defer rf.fsm.mu.Unlock()

	rf.fsm.records = snap.Records
	rf.fsm.leases = snap.Leases

	return nil
}

// point-in-time snapshot of FSM state
type fsmSnapshot struct {
	Records map[string]*types.LockRecord `json:"records"`
	Leases  map[string]*types.Lease      `json:"leases"`
}

// persist snapshot to given sink
func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s); err != nil {
		sink.Cancel() //fail snapshot on error
		return err
	}
	return sink.Close() //mark snapshot as complete
}

// called when snapshot is no longer needed
// we have no resources to clean up here
func (s *fsmSnapshot) Release() {}
