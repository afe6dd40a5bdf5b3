package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/escrow"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/executor"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/registry"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
	"github.com/agoramesh-ai/agoramesh-sub001/internal/trust"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *executor.FakeExecutor) {
	t.Helper()
	reg := registry.New(10, 10, time.Minute)
	exec := executor.NewFakeExecutor()
	trustStore := trust.NewStore(100, "")
	d := New(reg, exec, nil, trustStore, "did:key:provider", nil, nil)
	return d, reg, exec
}

func TestDispatchCompletesTaskAndRecordsTrust(t *testing.T) {
	d, reg, exec := newTestDispatcher(t)
	sub := task.Submission{TaskID: "t1", Kind: task.KindPrompt, Prompt: "hi", ClientIdentity: "alice"}
	exec.Responses["t1"] = executor.Result{Status: task.StatusCompleted, Output: "world"}
	_, err := reg.Admit(sub, "alice")
	require.NoError(t, err)

	d.Dispatch(context.Background(), sub, 0)

	result, rec := reg.Lookup("t1", "alice")
	assert.Equal(t, registry.LookupCompleted, result)
	require.NotNil(t, rec)
	assert.Equal(t, "world", rec.Output)
}

func TestDispatchTruncatesOutputToCap(t *testing.T) {
	d, reg, exec := newTestDispatcher(t)
	sub := task.Submission{TaskID: "t1", Kind: task.KindPrompt, Prompt: "hi", ClientIdentity: "alice"}
	exec.Responses["t1"] = executor.Result{Status: task.StatusCompleted, Output: "0123456789"}
	_, err := reg.Admit(sub, "alice")
	require.NoError(t, err)

	d.Dispatch(context.Background(), sub, 4)

	_, rec := reg.Lookup("t1", "alice")
	require.NotNil(t, rec)
	assert.Equal(t, "0123", rec.Output)
}

func TestValidateEscrowPassesWithoutRef(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	ok, _, err := d.ValidateEscrow(context.Background(), task.Submission{})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestValidateEscrowUsesFakeClient(t *testing.T) {
	reg := registry.New(10, 10, time.Minute)
	exec := executor.NewFakeExecutor()
	fake := escrow.NewFakeEscrowClient(map[string]escrow.ValidationResult{
		"42": {Valid: false, Reason: "insufficient funds"},
	})
	trustStore := trust.NewStore(100, "")
	d := New(reg, exec, fake, trustStore, "did:key:provider", nil, nil)

	ok, reason, err := d.ValidateEscrow(context.Background(), task.Submission{EscrowRef: "42"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "insufficient funds", reason)
}

func TestDispatchConfirmsDeliveryOnSuccess(t *testing.T) {
	reg := registry.New(10, 10, time.Minute)
	exec := executor.NewFakeExecutor()
	exec.Responses["t1"] = executor.Result{Status: task.StatusCompleted, Output: "done"}
	fake := escrow.NewFakeEscrowClient(map[string]escrow.ValidationResult{"42": {Valid: true}})
	trustStore := trust.NewStore(100, "")
	d := New(reg, exec, fake, trustStore, "did:key:provider", nil, nil)

	sub := task.Submission{TaskID: "t1", Kind: task.KindPrompt, Prompt: "hi", ClientIdentity: "alice", EscrowRef: "42"}
	_, err := reg.Admit(sub, "alice")
	require.NoError(t, err)

	d.Dispatch(context.Background(), sub, 0)

	assert.Eventually(t, func() bool {
		_, ok := fake.Confirmed["42"]
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestCancelCompletesTaskAsCancelled(t *testing.T) {
	d, reg, _ := newTestDispatcher(t)
	sub := task.Submission{TaskID: "t1", Kind: task.KindPrompt, Prompt: "hi"}
	_, err := reg.Admit(sub, "alice")
	require.NoError(t, err)

	assert.True(t, d.Cancel("t1"))

	result, rec := reg.Lookup("t1", "alice")
	assert.Equal(t, registry.LookupCompleted, result)
	require.NotNil(t, rec)
	assert.Equal(t, task.StatusCancelled, rec.Status)
}

func TestCancelReturnsFalseForUnknownTask(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	assert.False(t, d.Cancel("never-admitted"))
}

func TestTrialBypassesRegistry(t *testing.T) {
	d, reg, exec := newTestDispatcher(t)
	exec.Responses["sandbox-trial"] = executor.Result{Status: task.StatusCompleted, Output: "trial output"}

	result := d.Trial(context.Background(), "say hi", 10)
	assert.Equal(t, task.StatusCompleted, result.Status)
	assert.Equal(t, "trial output", result.Output)
	assert.Equal(t, 0, reg.PendingCount())
}
