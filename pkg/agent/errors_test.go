package agent

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKindOfClassifiesAppErrorsAndPlainErrors(t *testing.T) {
	require.Equal(t, ErrNotFound, KindOf(NotFound("nope")))
	require.Equal(t, ErrUnavailable, KindOf(Unavailable("full")))
	require.Equal(t, ErrFatal, KindOf(errors.New("plain")))
}

func TestWrapPreservesKindThroughLayers(t *testing.T) {
	inner := NotFound("task not found: t1")
	wrapped := Wrap(inner, "continue_context previous_task_id")
	require.Equal(t, ErrNotFound, KindOf(wrapped))
	require.Contains(t, wrapped.Error(), "continue_context")

	require.Nil(t, Wrap(nil, "no-op"))
}

func TestKindOfSeesThroughErrorsAsChains(t *testing.T) {
	err := Transient("store write", errors.New("connection reset"))
	outer := &AppError{Kind: err.Kind, Message: "outer", Err: err}
	require.Equal(t, ErrTransient, KindOf(outer))
	require.ErrorContains(t, outer, "connection reset")
}

func TestHTTPStatusMapping(t *testing.T) {
	require.Equal(t, http.StatusBadRequest, HTTPStatus(Validation("bad")))
	require.Equal(t, http.StatusServiceUnavailable, HTTPStatus(Unavailable("full")))
	require.Equal(t, http.StatusNotFound, HTTPStatus(NotFound("gone")))
	require.Equal(t, http.StatusConflict, HTTPStatus(AlreadyTerminal("done")))
	require.Equal(t, http.StatusInternalServerError, HTTPStatus(errors.New("plain")))
}

func TestTaskStatusTerminality(t *testing.T) {
	require.False(t, TaskPending.IsTerminal())
	require.False(t, TaskRunning.IsTerminal())
	require.True(t, TaskCompleted.IsTerminal())
	require.True(t, TaskFailed.IsTerminal())
	require.True(t, TaskCancelled.IsTerminal())
}

func TestStageTerminality(t *testing.T) {
	require.True(t, StageFinished.IsTerminal())
	require.True(t, StageFailed.IsTerminal())
	require.True(t, StageCancelled.IsTerminal())
	require.False(t, StageExecuting.IsTerminal())
}
