package types

import (
	"encoding/json"
	"fmt"
)

// type of state machine command
type CommandType uint

const (
	CommandTypeAcquire CommandType = iota + 1
	CommandTypeRelease
	CommandTypeRenew
	CommandTypeForceRelease
	CommandTypeExpire
)

// interface all state machine commands implement
// every command carries NowMs stamped by the submitting node so that
// replicas applying the same log entry compute identical lease timestamps
type Command interface {
	Type() CommandType
}

// attempts a non-blocking acquisition of a lock
type AcquireCmd struct {
	Namespace     string            `json:"namespace"`
	Name          string            `json:"name"`
	Owner         string            `json:"owner"`
	TTLMs         int64             `json:"ttl_ms"`
	MaxRenewals   int64             `json:"max_renewals"`
	AutoRenew     bool              `json:"auto_renew"`
	OwnerMetadata map[string]string `json:"owner_metadata,omitempty"`
	NowMs         int64             `json:"now_ms"`
}

func (c AcquireCmd) Type() CommandType { return CommandTypeAcquire }

// releases a lock held by Owner; FenceToken 0 skips the fence check
type ReleaseCmd struct {
	Namespace  string `json:"namespace"`
	Name       string `json:"name"`
	Owner      string `json:"owner"`
	FenceToken uint64 `json:"fence_token,omitempty"`
	NowMs      int64  `json:"now_ms"`
}

func (c ReleaseCmd) Type() CommandType { return CommandTypeRelease }

// extends the lease of a held lock; TTLMs 0 keeps the current TTL
type RenewCmd struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	Owner     string `json:"owner"`
	TTLMs     int64  `json:"ttl_ms,omitempty"`
	NowMs     int64  `json:"now_ms"`
}

func (c RenewCmd) Type() CommandType { return CommandTypeRenew }

// administrative release, ignores owner and fence token
type ForceReleaseCmd struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	NowMs     int64  `json:"now_ms"`
}

func (c ForceReleaseCmd) Type() CommandType { return CommandTypeForceRelease }

// transitions a lapsed lease to EXPIRED (sweeper-driven, internal)
type ExpireCmd struct {
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
	NowMs     int64  `json:"now_ms"`
}

func (c ExpireCmd) Type() CommandType { return CommandTypeExpire }

// envelope carrying a command through the raft log
type commandEnvelope struct {
	Type    CommandType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// EncodeCommand serializes a command for the replicated log.
func EncodeCommand(cmd Command) ([]byte, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("marshal command payload: %w", err)
	}
	return json.Marshal(commandEnvelope{
		Type:    cmd.Type(),
		Payload: payload,
	})
}

// DecodeCommand deserializes a command from the replicated log.
func DecodeCommand(data []byte) (Command, error) {
	var env commandEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal command envelope: %w", err)
	}

	var cmd Command
	switch env.Type {
	case CommandTypeAcquire:
		var c AcquireCmd
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CommandTypeRelease:
		var c ReleaseCmd
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CommandTypeRenew:
		var c RenewCmd
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CommandTypeForceRelease:
		var c ForceReleaseCmd
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	case CommandTypeExpire:
		var c ExpireCmd
		if err := json.Unmarshal(env.Payload, &c); err != nil {
			return nil, err
		}
		cmd = c
	default:
		return nil, fmt.Errorf("unknown command type: %d", env.Type)
	}
	return cmd, nil
}
