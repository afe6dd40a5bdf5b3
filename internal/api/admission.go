package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/executor"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/identity"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/ids"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/registry"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
)

// admitted is everything a successful admission (spec §4.2) hands back to
// the caller: the final (identity-stamped, id-assigned) submission, the
// registry handle it was admitted under, and the output-truncation cap its
// identity's current trust tier carries (spec §4.7), needed by the
// dispatcher at completion time.
type admitted struct {
	Submission task.Submission
	Handle     *registry.PendingHandle
	OutputCap  int
}

// admit runs the ordered admission chain of spec §4.2, steps 2–8 (step 1,
// body size, is enforced by withBodyLimit ahead of JSON decoding; step 4,
// origin check, is WS-only and lives in ws.go). The first gate to reject
// stops the chain with no observable side effect, matching the spec's
// "steps 1–7 produce no observable side effects" invariant.
func (s *Server) admit(ctx context.Context, r *http.Request, sub task.Submission, resolved identity.Identity) (*admitted, *AppError) {
	peer := peerAddr(r)

	// Step 2: schema validation.
	var issues []Issue
	for _, e := range sub.ValidateShape() {
		issues = append(issues, Issue{Path: "body", Reason: e.Error()})
	}
	if sub.Context != nil && sub.Context.WorkingDir != "" {
		if _, err := executor.ResolveSandboxPath(s.cfg.SandboxRoot, sub.Context.WorkingDir); err != nil {
			issues = append(issues, Issue{Path: "context.workingDir", Reason: err.Error()})
		}
	}
	if sub.EscrowRef != "" {
		if _, err := parseEscrowRef(sub.EscrowRef); err != nil {
			issues = append(issues, Issue{Path: "escrow_ref", Reason: err.Error()})
		}
	}
	if len(issues) > 0 {
		return nil, newValidation(issues)
	}

	// Identity precedence (spec §4.2): the authenticated identity wins over
	// any client_identity in the body; unauthenticated callers fall back to
	// a valid client_identity, else a stable anonymous identity.
	effective := resolved.Value
	if effective == "" {
		if sub.ClientIdentity != "" && freeTierIdentifierValid(sub.ClientIdentity) {
			effective = sub.ClientIdentity
		} else {
			effective = anonymousIdentity(peer)
		}
	}
	sub.ClientIdentity = effective
	if sub.TaskID == "" {
		sub.TaskID = ids.NewTaskID()
	}

	profile := s.trustDB.Get(effective)
	limits := profile.Limits()

	// Step 5: quota check. Only free-tier identities (the FreeTier scheme,
	// or no scheme at all) are metered (spec §4.6).
	isFreeTier := resolved.Scheme == identity.SchemeFreeTier || resolved.Scheme == identity.SchemeNone
	if isFreeTier && s.cfg.FreeTierEnabled {
		if !s.limiter.Allow(effective, peer, limits.DailyCap) {
			return nil, newRateLimited(s.limiter.Remaining(effective, limits.DailyCap))
		}
	}

	// Step 6: escrow check.
	if sub.EscrowRef != "" {
		ok, reason, err := s.dispatch.ValidateEscrow(ctx, sub)
		if err != nil {
			return nil, newUnavailable()
		}
		if !ok {
			return nil, newPaymentRequired(reason)
		}
	}

	// Steps 7–8: capacity check and atomic ownership claim.
	handle, err := s.reg.Admit(sub, effective)
	if err != nil {
		if _, ok := err.(registry.ErrCapacity); ok {
			return nil, newCapacity()
		}
		return nil, &AppError{Kind: "Internal", Status: http.StatusInternalServerError}
	}

	return &admitted{Submission: sub, Handle: handle, OutputCap: limits.OutputCapChars}, nil
}

// dispatchAsync hands the admitted task to the dispatcher off the
// request-serving goroutine (spec §5's scheduling model) and broadcasts the
// result to the WebSocket hub once it lands.
func (s *Server) dispatchAsync(a *admitted) {
	go func() {
		s.dispatch.Dispatch(context.Background(), a.Submission, a.OutputCap)
	}()
}

func freeTierIdentifierValid(id string) bool {
	if len(id) == 0 || len(id) > 128 {
		return false
	}
	for _, r := range id {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '.' || r == '_' || r == '-') {
			return false
		}
	}
	return true
}

func parseEscrowRef(ref string) (int64, error) {
	n, err := strconv.ParseInt(ref, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("must be a decimal-encoded integer")
	}
	return n, nil
}
