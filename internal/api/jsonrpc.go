// JSON-RPC 2.0 "agent-to-agent" surface (spec §4.1, §6.2).
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/identity"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/ids"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/registry"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
)

// RPCRequest is the inbound JSON-RPC 2.0 envelope (spec §4.1).
type RPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      interface{}     `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// RPCError is the JSON-RPC 2.0 error object. Code is interface{} because
// spec §6.2 mixes the numeric protocol codes (-32600, -32601, -32602) with
// named application codes (TaskNotFound, TaskNotCancellable).
type RPCError struct {
	Code    interface{} `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RPCResponse is the outbound JSON-RPC 2.0 envelope.
type RPCResponse struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id,omitempty"`
	Result  interface{} `json:"result,omitempty"`
	Error   *RPCError   `json:"error,omitempty"`
}

func rpcOK(id interface{}, result interface{}) RPCResponse {
	return RPCResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcErr(id interface{}, err *AppError) RPCResponse {
	return RPCResponse{JSONRPC: "2.0", ID: id, Error: toRPCError(err)}
}

// handleJSONRPC implements POST / and POST /a2a (spec §4.1). JSON-RPC
// clients always receive HTTP 200; protocol and application errors are
// carried in the envelope's error field (spec §7's InvalidEnvelope /
// MethodNotFound rows).
func (s *Server) handleJSONRPC(w http.ResponseWriter, r *http.Request) {
	var req RPCRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusOK, rpcErr(nil, newInvalidEnvelope("malformed JSON-RPC request: "+err.Error())))
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" || req.ID == nil {
		writeJSON(w, http.StatusOK, rpcErr(req.ID, newInvalidEnvelope("request must include jsonrpc, id, and method")))
		return
	}

	resolved, appErr := s.resolveIdentity(r)
	if appErr != nil {
		writeJSON(w, http.StatusOK, rpcErr(req.ID, appErr))
		return
	}

	switch req.Method {
	case "message/send":
		s.rpcMessageSend(w, r, req, resolved)
	case "tasks/get":
		s.rpcTasksGet(w, r, req, resolved)
	case "tasks/cancel":
		s.rpcTasksCancel(w, r, req, resolved)
	case "agent/describe":
		writeJSON(w, http.StatusOK, rpcOK(req.ID, s.capabilityDocument()))
	case "agent/status":
		writeJSON(w, http.StatusOK, rpcOK(req.ID, s.agentStatus()))
	default:
		writeJSON(w, http.StatusOK, rpcErr(req.ID, newMethodNotFound(req.Method)))
	}
}

type a2aTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type a2aMessage struct {
	Role  string        `json:"role"`
	Parts []a2aTextPart `json:"parts"`
}

type messageSendParams struct {
	Message        a2aMessage `json:"message"`
	TaskID         string     `json:"task_id,omitempty"`
	ClientIdentity string     `json:"client_identity,omitempty"`
	Kind           string     `json:"kind,omitempty"`
	TimeoutSeconds int        `json:"timeout_seconds,omitempty"`
	EscrowRef      string     `json:"escrow_ref,omitempty"`
}

// rpcMessageSend implements the "message/send" method: admit, always block
// for completion, and wrap the terminal output as an A2A artifact (spec
// §4.1).
func (s *Server) rpcMessageSend(w http.ResponseWriter, r *http.Request, req RPCRequest, resolved identity.Identity) {
	var params messageSendParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			writeJSON(w, http.StatusOK, rpcErr(req.ID, newValidation([]Issue{{Path: "params", Reason: "invalid params: " + err.Error()}})))
			return
		}
	}

	var prompt string
	for _, p := range params.Message.Parts {
		if p.Type == "text" {
			prompt = p.Text
			break
		}
	}

	kind := task.KindPrompt
	if params.Kind != "" {
		kind = task.Kind(params.Kind)
	}

	sub := task.Submission{
		TaskID:         params.TaskID,
		Kind:           kind,
		Prompt:         prompt,
		ClientIdentity: params.ClientIdentity,
		TimeoutSeconds: params.TimeoutSeconds,
		EscrowRef:      params.EscrowRef,
	}

	a, appErr := s.admit(r.Context(), r, sub, resolved)
	if appErr != nil {
		writeJSON(w, http.StatusOK, rpcErr(req.ID, appErr))
		return
	}
	s.dispatchAsync(a)

	done := make(chan struct{})
	timer := time.AfterFunc(defaultSyncWait, func() { close(done) })
	defer timer.Stop()

	result, ok := a.Handle.Notifier.Wait(done)
	artifactID := ids.NewArtifactID()
	if !ok {
		// message/send is always synchronous (spec §4.1); a sync timeout
		// still must answer with *something*, so it reports the task as
		// still working rather than leaving the caller to guess.
		writeJSON(w, http.StatusOK, rpcOK(req.ID, a2aResult(artifactID, task.StatusRunning, task.CompletedRecord{TaskID: a.Submission.TaskID})))
		return
	}
	rec := result.(task.CompletedRecord)
	writeJSON(w, http.StatusOK, rpcOK(req.ID, a2aResult(artifactID, rec.Status, rec)))
}

// a2aResult builds the "artifact" response shape for message/send (spec
// §4.1, §8 scenario 3): result.id matches ^a2a-, status.state mirrors the
// terminal status ("working" while the task is still pending, as tasks/get
// reports it), and artifacts[0].parts[0].text carries the output.
func a2aResult(artifactID string, state task.Status, rec task.CompletedRecord) map[string]interface{} {
	text := rec.Output
	stateName := string(state)
	if state == task.StatusRunning {
		text = ""
		stateName = "working"
	} else if rec.Status != task.StatusCompleted {
		text = rec.Error
	}
	return map[string]interface{}{
		"id": artifactID,
		"status": map[string]string{
			"state": stateName,
		},
		"artifacts": []map[string]interface{}{
			{
				"parts": []a2aTextPart{{Type: "text", Text: text}},
			},
		},
	}
}

type taskIDParams struct {
	TaskID string `json:"task_id"`
	ID     string `json:"id"`
}

func (p taskIDParams) id() string {
	if p.TaskID != "" {
		return p.TaskID
	}
	return p.ID
}

// rpcTasksGet implements "tasks/get" (spec §4.1).
func (s *Server) rpcTasksGet(w http.ResponseWriter, r *http.Request, req RPCRequest, resolved identity.Identity) {
	var params taskIDParams
	_ = json.Unmarshal(req.Params, &params)
	id := params.id()

	requester := resolved.Value
	if requester == "" {
		requester = anonymousIdentity(peerAddr(r))
	}

	result, rec := s.reg.Lookup(id, requester)
	switch result {
	case registry.LookupNotFound, registry.LookupForbidden:
		writeJSON(w, http.StatusOK, rpcErr(req.ID, newForbiddenOrNotFound(result)))
	case registry.LookupRunning:
		writeJSON(w, http.StatusOK, rpcOK(req.ID, map[string]string{"task_id": id, "status": "working"}))
	case registry.LookupCompleted:
		writeJSON(w, http.StatusOK, rpcOK(req.ID, rec))
	}
}

func newForbiddenOrNotFound(result registry.LookupResult) *AppError {
	if result == registry.LookupForbidden {
		return newForbidden()
	}
	return newNotFound()
}

// rpcTasksCancel implements "tasks/cancel" (spec §4.1, §9's resolved Open
// Question: an unknown task id is reported as TaskNotCancellable, matching
// the reference behavior spec §9 describes).
func (s *Server) rpcTasksCancel(w http.ResponseWriter, r *http.Request, req RPCRequest, resolved identity.Identity) {
	var params taskIDParams
	_ = json.Unmarshal(req.Params, &params)
	id := params.id()

	requester := resolved.Value
	if requester == "" {
		requester = anonymousIdentity(peerAddr(r))
	}

	owner, exists := s.reg.Owner(id)
	if !exists {
		writeJSON(w, http.StatusOK, rpcErr(req.ID, newNotCancellable()))
		return
	}
	if owner != requester {
		writeJSON(w, http.StatusOK, rpcErr(req.ID, newForbidden()))
		return
	}
	if !s.dispatch.Cancel(id) {
		writeJSON(w, http.StatusOK, rpcErr(req.ID, newNotCancellable()))
		return
	}
	writeJSON(w, http.StatusOK, rpcOK(req.ID, map[string]string{"task_id": id, "status": "cancelled"}))
}

// agentStatus backs "agent/status" (spec §4.1).
func (s *Server) agentStatus() map[string]interface{} {
	return map[string]interface{}{
		"uptimeSeconds": int(time.Since(s.startedAt).Seconds()),
		"protocols":     []string{"rest", "jsonrpc2.0", "websocket"},
		"activeTasks":   s.reg.PendingCount(),
		"wsPeers":       s.hub.PeerCount(),
	}
}

