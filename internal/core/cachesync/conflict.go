package cachesync

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// ConflictType classifies a local/remote divergence
type ConflictType string

const (
	ConflictVersion    ConflictType = "version"
	ConflictData       ConflictType = "data"
	ConflictDelete     ConflictType = "delete"
	ConflictConcurrent ConflictType = "concurrent"
	ConflictCreate     ConflictType = "create"
)

// ContentHash hashes the canonical form of a JSON document so key order and
// whitespace do not count as changes
func ContentHash(payload json.RawMessage) uint64 {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return 0
	}
	var v interface{}
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return xxhash.Sum64(trimmed)
	}
	canonical, err := json.Marshal(v)
	if err != nil {
		return xxhash.Sum64(trimmed)
	}
	return xxhash.Sum64(canonical)
}

var versionFields = []string{"version", "updated_at", "updatedAt"}

// versionMarker returns the first version-like field as a string
func versionMarker(payload json.RawMessage) string {
	var fields map[string]interface{}
	if err := json.Unmarshal(payload, &fields); err != nil {
		return ""
	}
	for _, name := range versionFields {
		if v, ok := fields[name]; ok && v != nil {
			return fmt.Sprint(v)
		}
	}
	return ""
}

// verdict is the outcome of comparing an operation with the server copy
type verdict struct {
	conflict ConflictType
	// inSync means the server already holds the desired state and no write is needed
	inSync bool
}

// detect compares the local operation with the remote copy. A remote unchanged since
// the operation's base is a clean fast-forward; otherwise any divergence is a conflict.
func detect(op Operation, remote json.RawMessage, found bool) verdict {
	localHash := ContentHash(op.Payload)

	if !found {
		switch op.Type {
		case OpUpdate:
			return verdict{conflict: ConflictDelete}
		case OpDelete:
			return verdict{inSync: true}
		}
		return verdict{}
	}

	remoteHash := ContentHash(remote)
	switch op.Type {
	case OpCreate:
		if remoteHash == localHash {
			return verdict{inSync: true}
		}
		return verdict{conflict: ConflictCreate}
	case OpDelete:
		if op.BaseHash != 0 && remoteHash != op.BaseHash {
			return verdict{conflict: ConflictConcurrent}
		}
		return verdict{}
	}

	if op.BaseHash != 0 && remoteHash == op.BaseHash {
		return verdict{}
	}
	if remoteHash == localHash {
		return verdict{inSync: true}
	}
	if lv, rv := versionMarker(op.Payload), versionMarker(remote); lv != "" && rv != "" && lv != rv {
		return verdict{conflict: ConflictVersion}
	}
	if op.BaseHash != 0 {
		return verdict{conflict: ConflictConcurrent}
	}
	return verdict{conflict: ConflictData}
}
