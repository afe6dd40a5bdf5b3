package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agoramesh-ai/agoramesh-sub001/internal/task"
)

func TestContainsShellMetacharacter(t *testing.T) {
	assert.True(t, containsShellMetacharacter("list files; rm -rf /"))
	assert.True(t, containsShellMetacharacter("echo $(whoami)"))
	assert.True(t, containsShellMetacharacter("a | b"))
	assert.False(t, containsShellMetacharacter("a perfectly normal prompt"))
}

func TestExecuteRejectsShellMetacharacters(t *testing.T) {
	e := NewSubprocessExecutor("/bin/true", t.TempDir(), nil)
	result, err := e.Execute(context.Background(), task.Submission{
		TaskID:         "t1",
		Kind:           task.KindPrompt,
		Prompt:         "rm -rf /; echo done",
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "Invalid characters")
}

func TestExecuteRejectsKindOutsideAllowList(t *testing.T) {
	e := NewSubprocessExecutor("/bin/true", t.TempDir(), []string{"prompt"})
	result, err := e.Execute(context.Background(), task.Submission{
		TaskID:         "t1",
		Kind:           task.KindTranslation,
		Prompt:         "hello",
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusFailed, result.Status)
	assert.Contains(t, result.Error, "not on the configured allow-list")
}

func TestExecuteAllowsKindOnAllowList(t *testing.T) {
	e := NewSubprocessExecutor("/bin/true", t.TempDir(), []string{"prompt"})
	result, err := e.Execute(context.Background(), task.Submission{
		TaskID:         "t1",
		Kind:           task.KindPrompt,
		Prompt:         "hello",
		TimeoutSeconds: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, result.Status)
}

func TestResolveSandboxPathRejectsEscape(t *testing.T) {
	root := t.TempDir()
	_, err := ResolveSandboxPath(root, "../../etc")
	assert.Error(t, err)
}

func TestResolveSandboxPathAllowsDescendant(t *testing.T) {
	root := t.TempDir()
	resolved, err := ResolveSandboxPath(root, "subdir")
	require.NoError(t, err)
	assert.Contains(t, resolved, root)
}

func TestResolveSandboxPathEmptyHintReturnsRoot(t *testing.T) {
	root := t.TempDir()
	resolved, err := ResolveSandboxPath(root, "")
	require.NoError(t, err)
	assert.Equal(t, root, resolved)
}

func TestCancelReportsFalseForUnknownTask(t *testing.T) {
	e := NewSubprocessExecutor("/bin/true", t.TempDir(), nil)
	assert.False(t, e.Cancel("never-ran"))
}

func TestFakeExecutorReturnsCannedResponse(t *testing.T) {
	f := NewFakeExecutor()
	f.Responses["t1"] = Result{Status: task.StatusCompleted, Output: "canned"}
	result, err := f.Execute(context.Background(), task.Submission{TaskID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, "canned", result.Output)
}

func TestFakeExecutorCancelRecordsCancellation(t *testing.T) {
	f := NewFakeExecutor()
	assert.True(t, f.Cancel("t1"))
	assert.True(t, f.Cancelled["t1"])
}
