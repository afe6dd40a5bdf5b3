// Package ids generates the identifiers used across the bridge: task ids,
// A2A artifact ids, and WebSocket connection ids. Centralizing it keeps the
// `kind-{unix-ns}-{hex}` shape consistent wherever the spec calls for an
// auto-generated identifier.
package ids

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// hexSuffix returns a short random hex suffix, carved out of a fresh UUIDv4
// rather than hand-rolling randomness the way the teacher's
// internal/utils/uuid.go did — the ecosystem library is preferred now that
// one is wired into the module.
func hexSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// NewTaskID produces "task-{unix-ns}-{hex}", matching spec §3's
// auto-generation rule for TaskSubmission.task_id.
func NewTaskID() string {
	return fmt.Sprintf("task-%d-%s", time.Now().UnixNano(), hexSuffix())
}

// NewArtifactID produces "a2a-{unix-ns}-{hex}" for message/send responses.
func NewArtifactID() string {
	return fmt.Sprintf("a2a-%d-%s", time.Now().UnixNano(), hexSuffix())
}

// NewConnectionID identifies a WebSocket connection for logging/diagnostics.
func NewConnectionID() string {
	return uuid.NewString()
}
