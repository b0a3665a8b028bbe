package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// type of FSM command
type CommandType uint

const (
	CommandTypeCommit CommandType = iota + 1
	CommandTypeDeleteLease
	CommandTypeExpireLease
)

// interface all FSM commands implement
type Command interface {
	Type() CommandType
}

// writes a lock record and its lease in one step, guarded by the record version
// WrittenAt is stamped by the raft leader so every replica expires the lease alike
type CommitCmd struct {
	Name          string        `json:"name"`
	ExpectVersion uint64        `json:"expect_version"`
	OwnerID       string        `json:"owner_id"`
	FenceToken    uint64        `json:"fence_token"`
	TTL           time.Duration `json:"ttl"`
	WrittenAt     time.Time     `json:"written_at"`
}

func (c CommitCmd) Type() CommandType { return CommandTypeCommit }

// deletes a lease if ownerID still holds it
type DeleteLeaseCmd struct {
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

func (c DeleteLeaseCmd) Type() CommandType { return CommandTypeDeleteLease }

// drops a lease whose TTL has elapsed at Now (internal, issued by the sweeper)
type ExpireLeaseCmd struct {
	Name string    `json:"name"`
	Now  time.Time `json:"now"`
}

func (c ExpireLeaseCmd) Type() CommandType { return CommandTypeExpireLease }

// envelope written to the raft log
type commandEnvelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// serializes a command for the raft log
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(commandEnvelope{Type: cmd.Type(), Payload: payload})
}

// inverse of EncodeCommand
func DecodeCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode command envelope: %w", err)
	}

	var (
		cmd Command
		err error
	)
	switch env.Type {
	case CommandTypeCommit:
		var c CommitCmd
		err = json.Unmarshal(env.Payload, &c)
		cmd = c
	case CommandTypeDeleteLease:
		var c DeleteLeaseCmd
		err = json.Unmarshal(env.Payload, &c)
		cmd = c
	case CommandTypeExpireLease:
		var c ExpireLeaseCmd
		err = json.Unmarshal(env.Payload, &c)
		cmd = c
	default:
		return nil, fmt.Errorf("unknown command type: %d", env.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("decode command payload: %w", err)
	}
	return cmd, nil
}
