// WebSocket surface (spec §4.1, §4.9, component C9).
package api

import (
	"net/http"
	"time"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/identity"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/wsgw"
)

// handleWebSocket implements the root-path WS upgrade (spec §4.1). Upgrade
// authorization (spec §4.9) happens here, before the connection is ever
// promoted, so a rejected caller gets a normal HTTP error response instead
// of an abruptly-closed socket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Upgrade") == "" {
		http.NotFound(w, r)
		return
	}

	if len(s.cfg.AllowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" && !originAllowed(origin, s.cfg.AllowedOrigins) {
			writeError(w, &AppError{Kind: "Forbidden", Status: http.StatusForbidden})
			return
		}
	}

	if s.cfg.WSAuthToken != "" {
		want := "Bearer " + s.cfg.WSAuthToken
		if r.Header.Get("Authorization") != want {
			writeError(w, newUnauthorized())
			return
		}
	}

	resolved, _ := s.resolveIdentity(r)

	_ = s.hub.Upgrade(w, r, func(sub task.Submission) wsgw.Frame {
		return s.wsSubmit(r, sub, resolved)
	})
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	return false
}

// wsSubmit admits a task received over an open WebSocket and blocks for
// its completion the same way sync REST/JSON-RPC submission does (spec
// §4.1: "type='task' admits; replies {type:'result', ...} or
// {type:'error', ...}").
func (s *Server) wsSubmit(r *http.Request, sub task.Submission, resolved identity.Identity) wsgw.Frame {
	a, appErr := s.admit(r.Context(), r, sub, resolved)
	if appErr != nil {
		return wsgw.Frame{Type: "error", Code: appErr.Kind, Message: appErr.Error()}
	}
	s.dispatchAsync(a)

	done := make(chan struct{})
	timer := time.AfterFunc(defaultSyncWait, func() { close(done) })
	defer timer.Stop()

	result, ok := a.Handle.Notifier.Wait(done)
	if !ok {
		return wsgw.Frame{
			Type:    "error",
			Code:    "TIMEOUT",
			Message: "task still running; poll GET /task/" + a.Submission.TaskID,
		}
	}
	return wsgw.Frame{Type: "result", Payload: result.(task.CompletedRecord)}
}
