// Package task defines the canonical submission and result types that flow
// through the admission pipeline and registry, independent of which wire
// protocol (REST, JSON-RPC, WebSocket) produced them.
package task

import (
	"fmt"
	"regexp"
	"time"
)

// Kind enumerates the task kinds the executor accepts.
type Kind string

const (
	KindPrompt      Kind = "prompt"
	KindCodeReview  Kind = "code-review"
	KindTranslation Kind = "translation"
)

func (k Kind) Valid() bool {
	switch k {
	case KindPrompt, KindCodeReview, KindTranslation:
		return true
	default:
		return false
	}
}

// Status is a terminal or transitional task state.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	default:
		return false
	}
}

var idPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

const (
	MaxTaskIDLen    = 128
	MaxPromptBytes  = 100_000
	MaxContextFiles = 100
	DefaultTimeout  = 300
	MinTimeout      = 1
	MaxTimeout      = 3600
	DefaultBodyCap  = 1 << 20 // 1 MiB
)

// Context carries an optional sandboxed working-directory hint and file list.
type Context struct {
	WorkingDir string   `json:"workingDir,omitempty"`
	Files      []string `json:"files,omitempty"`
}

// Submission is the canonical, protocol-agnostic task request. It is
// immutable once it has passed admission.
type Submission struct {
	TaskID         string   `json:"task_id"`
	Kind           Kind     `json:"kind"`
	Prompt         string   `json:"prompt"`
	ClientIdentity string   `json:"client_identity,omitempty"`
	Context        *Context `json:"context,omitempty"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	EscrowRef      string   `json:"escrow_ref,omitempty"`
}

// ValidateShape checks the fields that do not require sandbox or size
// context (those are checked by the admission pipeline, which knows the
// configured sandbox root and body cap). Returns every violation found.
func (s *Submission) ValidateShape() []error {
	var errs []error

	if s.TaskID != "" {
		if len(s.TaskID) > MaxTaskIDLen {
			errs = append(errs, fmt.Errorf("task_id: exceeds %d characters", MaxTaskIDLen))
		} else if !idPattern.MatchString(s.TaskID) {
			errs = append(errs, fmt.Errorf("task_id: must match [A-Za-z0-9._-]+"))
		}
	}

	if !s.Kind.Valid() {
		errs = append(errs, fmt.Errorf("kind: unknown task kind %q", s.Kind))
	}

	if s.Prompt == "" {
		errs = append(errs, fmt.Errorf("prompt: must not be empty"))
	} else if len(s.Prompt) > MaxPromptBytes {
		errs = append(errs, fmt.Errorf("prompt: exceeds %d bytes", MaxPromptBytes))
	}

	if s.Context != nil && len(s.Context.Files) > MaxContextFiles {
		errs = append(errs, fmt.Errorf("context.files: exceeds %d entries", MaxContextFiles))
	}

	if s.TimeoutSeconds == 0 {
		s.TimeoutSeconds = DefaultTimeout
	} else if s.TimeoutSeconds < MinTimeout || s.TimeoutSeconds > MaxTimeout {
		errs = append(errs, fmt.Errorf("timeout_seconds: must be between %d and %d", MinTimeout, MaxTimeout))
	}

	return errs
}

// CompletedRecord is the terminal outcome of a task, as stored by the
// registry and returned to callers.
type CompletedRecord struct {
	TaskID     string    `json:"task_id"`
	Status     Status    `json:"status"`
	Output     string    `json:"output,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	ExpiresAt  time.Time `json:"expires_at"`
}
