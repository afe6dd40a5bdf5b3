// Package dispatcher implements the executor dispatch and escrow handshake
// (spec §4.4, component C4): the collaborator that turns an admitted
// PendingRecord into a terminal CompletedRecord, driving the escrow
// validate/confirm_delivery calls and the trust store update around it.
package dispatcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/escrow"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/executor"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/registry"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/trust"
)

// OnComplete is invoked after a task reaches a terminal state, after the
// registry has already stored the record. Used by the WebSocket hub to
// broadcast (spec §4.9) without the dispatcher importing wsgw directly.
type OnComplete func(rec task.CompletedRecord)

// Dispatcher wires the registry, executor, escrow collaborator, and trust
// store together (spec §4.4's dependency on C3/C7 and the escrow/executor
// collaborators).
type Dispatcher struct {
	reg          *registry.Registry
	exec         executor.Executor
	escrowClient escrow.EscrowClient
	trustStore   *trust.Store
	providerDID  string
	log          *zap.Logger
	onComplete   OnComplete
}

// New builds a Dispatcher. escrowClient may be nil when no escrow
// collaborator is configured (spec §6.6's all-or-nothing escrow triplet).
func New(reg *registry.Registry, exec executor.Executor, escrowClient escrow.EscrowClient, trustStore *trust.Store, providerDID string, log *zap.Logger, onComplete OnComplete) *Dispatcher {
	return &Dispatcher{
		reg:          reg,
		exec:         exec,
		escrowClient: escrowClient,
		trustStore:   trustStore,
		providerDID:  providerDID,
		log:          log,
		onComplete:   onComplete,
	}
}

// ValidateEscrow performs step 1 of spec §4.4: if the submission carries an
// escrow_ref and an escrow collaborator is configured, it must validate
// before the executor is ever invoked. Returns ok=true when dispatch may
// proceed.
func (d *Dispatcher) ValidateEscrow(ctx context.Context, sub task.Submission) (ok bool, reason string, err error) {
	if sub.EscrowRef == "" || d.escrowClient == nil {
		return true, "", nil
	}
	result, err := d.escrowClient.Validate(ctx, sub.EscrowRef, d.providerDID)
	if err != nil {
		return false, "", fmt.Errorf("dispatcher: escrow validate: %w", err)
	}
	if !result.Valid {
		return false, result.Reason, nil
	}
	return true, "", nil
}

// Dispatch hands an admitted submission to the executor and, on its
// result, completes the registry record, records trust, and best-effort
// confirms delivery to escrow (spec §4.4 steps 2–3). Intended to run on its
// own goroutine per task, off the request-serving path.
func (d *Dispatcher) Dispatch(ctx context.Context, sub task.Submission, outputCapChars int) {
	start := time.Now()
	result, err := d.exec.Execute(ctx, sub)
	if err != nil {
		result = executor.Result{Status: task.StatusFailed, Error: err.Error()}
	}

	output := result.Output
	if outputCapChars > 0 && len(output) > outputCapChars {
		output = output[:outputCapChars]
	}

	rec := task.CompletedRecord{
		TaskID:     sub.TaskID,
		Status:     result.Status,
		Output:     output,
		Error:      result.Error,
		DurationMS: result.DurationMS,
	}
	if rec.DurationMS == 0 {
		rec.DurationMS = time.Since(start).Milliseconds()
	}

	d.reg.Complete(sub.TaskID, rec)

	success := result.Status == task.StatusCompleted
	if d.trustStore != nil {
		d.trustStore.RecordCompletion(sub.ClientIdentity, success)
	}

	if success && sub.EscrowRef != "" && d.escrowClient != nil {
		go d.confirmDeliveryWithRetry(sub.EscrowRef, output)
	}

	if d.onComplete != nil {
		d.onComplete(rec)
	}
}

// confirmDeliveryWithRetry implements spec §4.4 step 3c: best-effort
// confirm_delivery with exponential backoff (base 1s, multiplier 2, up to
// 5 attempts). Failures are logged and never propagate (spec §7).
func (d *Dispatcher) confirmDeliveryWithRetry(escrowRef, output string) {
	hash := sha256.Sum256([]byte(output))

	const maxAttempts = 5
	backoff := time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		txRef, err := d.escrowClient.ConfirmDelivery(ctx, escrowRef, hash)
		cancel()
		if err == nil {
			if d.log != nil {
				d.log.Info("escrow delivery confirmed", zap.String("escrow_ref", escrowRef), zap.String("tx_ref", txRef))
			}
			return
		}
		lastErr = err
		if attempt < maxAttempts {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	if d.log != nil {
		d.log.Warn("escrow confirm_delivery exhausted retries", zap.String("escrow_ref", escrowRef), zap.Error(lastErr))
	}
}

// Trial runs a prompt straight through the executor, bypassing the
// registry, escrow, and trust store entirely. It backs the `/sandbox`
// public-trial endpoint (spec §4.1), which is a separately-rate-limited,
// synchronous surface that never produces a task_id or a persisted record.
func (d *Dispatcher) Trial(ctx context.Context, prompt string, timeoutSeconds int) executor.Result {
	sub := task.Submission{
		TaskID:         "sandbox-trial",
		Kind:           task.KindPrompt,
		Prompt:         prompt,
		TimeoutSeconds: timeoutSeconds,
	}
	result, err := d.exec.Execute(ctx, sub)
	if err != nil {
		return executor.Result{Status: task.StatusFailed, Error: err.Error()}
	}
	return result
}

// Cancel implements the owner-gated cancel path (spec §4.3's cancel
// operation): it asks the executor to terminate the task and, when it
// confirms, completes the registry record with status cancelled.
func (d *Dispatcher) Cancel(taskID string) bool {
	handle, ok := d.reg.PendingHandleFor(taskID)
	if !ok {
		return false
	}
	if !d.exec.Cancel(taskID) {
		return false
	}
	d.reg.Complete(taskID, task.CompletedRecord{
		TaskID:     taskID,
		Status:     task.StatusCancelled,
		DurationMS: time.Since(handle.AdmittedAt).Milliseconds(),
	})
	return true
}
