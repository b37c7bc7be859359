package model

import (
	"github.com/devrev/livestore/internal/value"
)

// OperationType defines the type of a logged mutation
type OperationType string

const (
	OperationTypePut    OperationType = "put"
	OperationTypeDelete OperationType = "delete"
)

// Mutation is the full post-image of one object touched by a commit.
type Mutation struct {
	Op     OperationType          `json:"op"`
	Class  string                 `json:"class"`
	Key    int64                  `json:"key"`
	Fields map[string]value.Value `json:"fields,omitempty"`
}

// CommitLogEntry represents one committed version in the commit log
type CommitLogEntry struct {
	Version   uint64     `json:"version"`
	Timestamp int64      `json:"ts"`
	Mutations []Mutation `json:"mutations"`
	Checksum  uint32     `json:"checksum"` // CRC32 of the entry encoded with a zero checksum
}
