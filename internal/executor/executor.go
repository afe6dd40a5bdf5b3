// Package executor implements the sandboxed subprocess collaborator (spec
// §4.4, §6.4). Its invocation details are explicitly out of scope (spec
// §1) beyond the typed Executor interface; SubprocessExecutor is one
// concrete, conservative implementation: a fixed allow-listed binary run
// with its working directory canonicalized beneath a configured sandbox
// root, refusing prompts containing shell metacharacters before ever
// spawning a process.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
)

// Result is the terminal outcome of one execution (spec §6.4).
type Result struct {
	Status     task.Status
	Output     string
	Error      string
	DurationMS int64
}

// Executor is the collaborator the dispatcher drives.
type Executor interface {
	Execute(ctx context.Context, sub task.Submission) (Result, error)
	Cancel(taskID string) bool
}

// shellMetacharacters are rejected in prompts pre-invocation (spec §6.4,
// scenario 5's "; rm -rf /" example).
var shellMetacharacters = []string{";", "&&", "||", "|", "`", "$(", ">", "<", "\n"}

func containsShellMetacharacter(s string) bool {
	for _, m := range shellMetacharacters {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// SubprocessExecutor runs the configured agent binary as a child process,
// one invocation per submission, tracked by task id so Cancel can stop the
// right process.
type SubprocessExecutor struct {
	binary       string
	allowedArgs  map[string]bool
	sandboxRoot  string

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewSubprocessExecutor builds an Executor that invokes binary (which must
// itself already be on an operator-controlled allow-list external to this
// process) as "binary --kind <kind>", confined to sandboxRoot. allowedArgs
// is the allow-list of task kinds it will run; when empty, every kind is
// accepted.
func NewSubprocessExecutor(binary, sandboxRoot string, allowedArgs []string) *SubprocessExecutor {
	allowed := make(map[string]bool, len(allowedArgs))
	for _, a := range allowedArgs {
		allowed[a] = true
	}
	return &SubprocessExecutor{
		binary:      binary,
		allowedArgs: allowed,
		sandboxRoot: sandboxRoot,
		running:     make(map[string]context.CancelFunc),
	}
}

// resolveWorkDir canonicalizes the submission's working-directory hint and
// verifies it is a descendant of the sandbox root (spec §3).
func (e *SubprocessExecutor) resolveWorkDir(hint string) (string, error) {
	return ResolveSandboxPath(e.sandboxRoot, hint)
}

// ResolveSandboxPath canonicalizes hint against sandboxRoot and verifies the
// result is a descendant of it. Exported so the admission pipeline (spec
// §4.2's schema validation step) can reject an escaping context.workingDir
// before a task is ever admitted, using the exact same rule the executor
// itself enforces at dispatch time (spec §3).
func ResolveSandboxPath(sandboxRoot, hint string) (string, error) {
	if hint == "" {
		return sandboxRoot, nil
	}
	joined := filepath.Join(sandboxRoot, hint)
	clean := filepath.Clean(joined)
	rel, err := filepath.Rel(sandboxRoot, clean)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("working directory escapes sandbox root")
	}
	return clean, nil
}

// Execute runs the agent binary against sub.Prompt and waits for it to
// exit or sub.TimeoutSeconds to elapse, whichever comes first. The executor
// is expected to honor the timeout itself (spec §4.4); this is enforced
// defensively here as well via context cancellation.
func (e *SubprocessExecutor) Execute(ctx context.Context, sub task.Submission) (Result, error) {
	start := time.Now()

	if containsShellMetacharacter(sub.Prompt) {
		return Result{
			Status: task.StatusFailed,
			Error:  "Invalid characters in prompt",
		}, nil
	}

	if len(e.allowedArgs) > 0 && !e.allowedArgs[string(sub.Kind)] {
		return Result{
			Status: task.StatusFailed,
			Error:  fmt.Sprintf("task kind %q is not on the configured allow-list", sub.Kind),
		}, nil
	}

	var workDirHint string
	if sub.Context != nil {
		workDirHint = sub.Context.WorkingDir
	}
	workDir, err := e.resolveWorkDir(workDirHint)
	if err != nil {
		return Result{Status: task.StatusFailed, Error: err.Error()}, nil
	}

	timeout := time.Duration(sub.TimeoutSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	e.mu.Lock()
	e.running[sub.TaskID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.running, sub.TaskID)
		e.mu.Unlock()
	}()

	args := []string{"--kind", string(sub.Kind)}
	cmd := exec.CommandContext(execCtx, e.binary, args...)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(sub.Prompt)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	duration := time.Since(start).Milliseconds()

	if execCtx.Err() == context.DeadlineExceeded {
		return Result{Status: task.StatusTimeout, Error: "execution exceeded timeout_seconds", DurationMS: duration}, nil
	}
	if runErr != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = runErr.Error()
		}
		return Result{Status: task.StatusFailed, Error: msg, DurationMS: duration}, nil
	}

	return Result{Status: task.StatusCompleted, Output: stdout.String(), DurationMS: duration}, nil
}

// Cancel terminates an in-flight execution by cancelling its context,
// which sends the child process SIGKILL via exec.CommandContext's standard
// teardown. Returns false if no such execution is running.
func (e *SubprocessExecutor) Cancel(taskID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.running[taskID]
	if !ok {
		return false
	}
	cancel()
	delete(e.running, taskID)
	return true
}

// FakeExecutor is an in-memory Executor for tests (spec §9).
type FakeExecutor struct {
	mu        sync.Mutex
	Responses map[string]Result
	Cancelled map[string]bool
}

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		Responses: make(map[string]Result),
		Cancelled: make(map[string]bool),
	}
}

func (f *FakeExecutor) Execute(ctx context.Context, sub task.Submission) (Result, error) {
	f.mu.Lock()
	r, ok := f.Responses[sub.TaskID]
	f.mu.Unlock()
	if !ok {
		return Result{Status: task.StatusCompleted, Output: "ok (no canned response for " + strconv.Quote(sub.TaskID) + ")"}, nil
	}
	select {
	case <-ctx.Done():
		return Result{Status: task.StatusTimeout, Error: ctx.Err().Error()}, nil
	default:
	}
	return r, nil
}

func (f *FakeExecutor) Cancel(taskID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled[taskID] = true
	return true
}
