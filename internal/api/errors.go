// Package api implements the three protocol surfaces (component C1: REST,
// JSON-RPC, WebSocket) and the admission pipeline that sits behind all of
// them (component C2), per spec §4.1–§4.2 and the error taxonomy of §7.
package api

import (
	"encoding/json"
	"net/http"
)

// Issue is one field-level validation failure (spec §7's "rich body with
// path+reason").
type Issue struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// AppError is the single error shape produced anywhere in the admission
// pipeline or protocol handlers. Each REST handler renders it to an HTTP
// status and JSON body; each JSON-RPC handler renders it to a JSON-RPC
// error object instead (spec §7's table maps one AppError kind to both).
type AppError struct {
	Kind       string
	Status     int
	Issues     []Issue
	Reason     string      // PaymentRequired: collaborator's reason, verbatim
	Help       interface{} // Unauthorized / RateLimited: help object
	RPCCode    interface{} // JSON-RPC numeric or application string code
	RPCMessage string
}

func (e *AppError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	if e.RPCMessage != "" {
		return e.RPCMessage
	}
	return e.Kind
}

func newValidation(issues []Issue) *AppError {
	return &AppError{Kind: "ValidationError", Status: http.StatusBadRequest, Issues: issues, RPCCode: -32602, RPCMessage: "invalid params"}
}

func newUnauthorized() *AppError {
	return &AppError{
		Kind:   "Unauthorized",
		Status: http.StatusUnauthorized,
		Help: map[string]interface{}{
			"authMethods": []string{"Bearer <token>", "DID <did>:<unix-ts>:<base64url-sig>", "FreeTier <identifier>"},
			"agentCard":   "/.well-known/agent.json",
		},
	}
}

func newPaymentRequired(reason string) *AppError {
	return &AppError{Kind: "PaymentRequired", Status: http.StatusPaymentRequired, Reason: reason}
}

func newForbidden() *AppError {
	return &AppError{Kind: "Forbidden", Status: http.StatusForbidden, RPCCode: "TaskNotFound", RPCMessage: "task not found"}
}

func newNotFound() *AppError {
	return &AppError{Kind: "NotFound", Status: http.StatusNotFound, RPCCode: "TaskNotFound", RPCMessage: "task not found"}
}

func newNotCancellable() *AppError {
	return &AppError{Kind: "NotCancellable", Status: http.StatusNotFound, RPCCode: "TaskNotCancellable", RPCMessage: "task is not cancellable"}
}

func newBodyTooLarge() *AppError {
	return &AppError{Kind: "BodyTooLarge", Status: http.StatusRequestEntityTooLarge}
}

func newRateLimited(remaining int) *AppError {
	return &AppError{
		Kind:   "RateLimited",
		Status: http.StatusTooManyRequests,
		Help: map[string]interface{}{
			"message":   "free-tier daily quota exhausted; resets at the next UTC midnight",
			"remaining": remaining,
			"upgrade":   "authenticate with a DID signature or a bearer token for a higher tier",
		},
	}
}

func newCapacity() *AppError {
	return &AppError{Kind: "Capacity", Status: http.StatusServiceUnavailable}
}

func newBadGateway() *AppError {
	return &AppError{Kind: "BadGateway", Status: http.StatusBadGateway}
}

func newUnavailable() *AppError {
	return &AppError{Kind: "Unavailable", Status: http.StatusServiceUnavailable}
}

func newInvalidEnvelope(reason string) *AppError {
	return &AppError{Kind: "InvalidEnvelope", Status: http.StatusOK, RPCCode: -32600, RPCMessage: reason}
}

func newMethodNotFound(method string) *AppError {
	return &AppError{Kind: "MethodNotFound", Status: http.StatusOK, RPCCode: -32601, RPCMessage: "method not found: " + method}
}

// writeJSON writes v as a JSON body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError renders an AppError to its REST shape (spec §7). JSON-RPC
// handlers render the same AppError via toRPCError instead of calling this.
func writeError(w http.ResponseWriter, err *AppError) {
	body := map[string]interface{}{
		"error": err.Kind,
	}
	if len(err.Issues) > 0 {
		body["issues"] = err.Issues
	}
	if err.Reason != "" {
		body["reason"] = err.Reason
	}
	if err.Help != nil {
		body["help"] = err.Help
	}
	writeJSON(w, err.Status, body)
}

// toRPCError renders an AppError to a JSON-RPC error object (spec §6.2,
// §7). Kinds that carry no RPC code (Unauthorized, PaymentRequired,
// RateLimited, Capacity, Unavailable, BadGateway, BodyTooLarge) are
// rendered with the -32603 internal error code.
func toRPCError(err *AppError) *RPCError {
	code := err.RPCCode
	if code == nil {
		code = -32603
	}
	msg := err.RPCMessage
	if msg == "" {
		msg = err.Error()
	}
	var data interface{}
	if len(err.Issues) > 0 {
		data = map[string]interface{}{"issues": err.Issues}
	} else if err.Reason != "" {
		data = map[string]interface{}{"reason": err.Reason}
	}
	return &RPCError{Code: code, Message: msg, Data: data}
}
