package consensus

import (
	"time"
)

type CommandType string

const (
	CommandAppend CommandType = "append"
)

// Command is one replicated raft log entry.
type Command struct {
	Type         CommandType `json:"type"`
	Module       string      `json:"module"`
	Position     uint64      `json:"position,omitempty"`
	Log          string      `json:"log,omitempty"`
	PreviousHash string      `json:"previous_hash,omitempty"`
	Hash         string      `json:"hash,omitempty"`
	Timestamp    time.Time   `json:"timestamp"`
}
