package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/registry"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
)

const defaultSyncWait = 60 * time.Second

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id, _ := s.resolveIdentity(r)
	if id.Value == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}
	agent := "unconfigured"
	if s.cfg.Escrow != nil && s.cfg.Escrow.ProviderDID != "" {
		agent = s.cfg.Escrow.ProviderDID
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"agent":  agent,
		"mode":   "single-tenant",
	})
}

// handleSubmitTask implements POST /task?wait=true|false (spec §4.1, §4.2,
// §4.10).
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var sub task.Submission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeError(w, newValidation([]Issue{{Path: "body", Reason: "invalid JSON: " + err.Error()}}))
		return
	}

	resolved, appErr := s.resolveIdentity(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	a, appErr := s.admit(r.Context(), r, sub, resolved)
	if appErr != nil {
		writeError(w, appErr)
		return
	}

	wait := r.URL.Query().Get("wait") == "true"
	s.dispatchAsync(a)

	if !wait {
		respondAsync(w, a.Submission.TaskID)
		return
	}

	done := make(chan struct{})
	timer := time.AfterFunc(defaultSyncWait, func() { close(done) })
	defer timer.Stop()

	result, ok := a.Handle.Notifier.Wait(done)
	if !ok {
		respondAsync(w, a.Submission.TaskID)
		return
	}
	rec := result.(task.CompletedRecord)
	writeJSON(w, http.StatusOK, rec)
}

func respondAsync(w http.ResponseWriter, taskID string) {
	w.Header().Set("Location", "/task/"+taskID)
	w.Header().Set("Retry-After", "5")
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": taskID,
		"status":  "running",
	})
}

// handleGetTask implements GET /task/{id} (spec §4.1, §4.3's owner gate).
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resolved, appErr := s.resolveIdentity(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	requester := resolved.Value
	if requester == "" {
		requester = anonymousIdentity(peerAddr(r))
	}

	result, rec := s.reg.Lookup(id, requester)
	switch result {
	case registry.LookupNotFound:
		writeError(w, newNotFound())
	case registry.LookupForbidden:
		writeError(w, newForbidden())
	case registry.LookupRunning:
		writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "running"})
	case registry.LookupCompleted:
		writeJSON(w, http.StatusOK, rec)
	}
}

// handleCancelTask implements DELETE /task/{id} (spec §4.3, §5's
// cancellation semantics).
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	resolved, appErr := s.resolveIdentity(r)
	if appErr != nil {
		writeError(w, appErr)
		return
	}
	requester := resolved.Value
	if requester == "" {
		requester = anonymousIdentity(peerAddr(r))
	}

	owner, exists := s.reg.Owner(id)
	if !exists {
		writeError(w, newNotFound())
		return
	}
	if owner != requester {
		writeError(w, newForbidden())
		return
	}
	if !s.dispatch.Cancel(id) {
		writeError(w, newNotCancellable())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": "cancelled"})
}

// sandboxPromptCap and sandboxOutputCap are the hardcoded limits of the
// public, unauthenticated trial endpoint (spec §4.1).
const (
	sandboxPromptCap  = 500
	sandboxOutputCap  = 500
	sandboxTimeoutSec = 30
)

// handleSandbox implements POST /sandbox: a fixed-size, heavily
// rate-limited trial that never touches the task registry (spec §4.1).
func (s *Server) handleSandbox(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, newValidation([]Issue{{Path: "body", Reason: "invalid JSON"}}))
		return
	}
	if body.Prompt == "" || len(body.Prompt) > sandboxPromptCap {
		writeError(w, newValidation([]Issue{{Path: "prompt", Reason: "must be 1-500 characters"}}))
		return
	}

	peer := peerAddr(r)
	if !s.sandboxAllow(peer) {
		writeError(w, newRateLimited(0))
		return
	}

	result := s.dispatch.Trial(r.Context(), body.Prompt, sandboxTimeoutSec)
	output := result.Output
	if len(output) > sandboxOutputCap {
		output = output[:sandboxOutputCap]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": result.Status,
		"output": output,
		"error":  result.Error,
	})
}
