package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lybic/agentcore/pkg/agent"
)

func newRecord(id string, createdAt time.Time) agent.Record {
	return agent.Record{Task: agent.Task{
		TaskID:      id,
		Instruction: "do " + id,
		Status:      agent.TaskPending,
		CreatedAt:   createdAt,
	}}
}

func TestMemoryCreateRejectsDuplicateID(t *testing.T) {
	s := NewMemoryStore()
	rec := newRecord("t1", time.Now())
	require.NoError(t, s.Create(context.Background(), rec))

	err := s.Create(context.Background(), rec)
	require.Error(t, err)
	require.Equal(t, agent.ErrValidation, agent.KindOf(err))
}

func TestMemoryGetNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, agent.ErrNotFound, agent.KindOf(err))
}

func TestMemoryUpdateAppliesPatchFields(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), newRecord("t1", time.Now())))

	status := agent.TaskRunning
	started := time.Now().UTC().UnixNano()
	stats := agent.Stats{Steps: 3, InputTokens: 100}
	plan := agent.Plan{Remaining: []agent.Subtask{{Name: "A"}}}
	require.NoError(t, s.Update(context.Background(), "t1", Patch{
		Status:    &status,
		StartedAt: &started,
		Stats:     &stats,
		Plan:      &plan,
	}))

	rec, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, agent.TaskRunning, rec.Status)
	require.NotNil(t, rec.StartedAt)
	require.Equal(t, 3, rec.Stats.Steps)
	require.Equal(t, "A", rec.Plan.Remaining[0].Name)
	// Unpatched fields survive.
	require.Equal(t, "do t1", rec.Instruction)
}

func TestMemoryUpdateNotFound(t *testing.T) {
	s := NewMemoryStore()
	status := agent.TaskRunning
	err := s.Update(context.Background(), "missing", Patch{Status: &status})
	require.Error(t, err)
	require.Equal(t, agent.ErrNotFound, agent.KindOf(err))
}

func TestMemoryListReverseChronologicalWithPaging(t *testing.T) {
	s := NewMemoryStore()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("t%d", i)
		require.NoError(t, s.Create(context.Background(), newRecord(id, base.Add(time.Duration(i)*time.Minute))))
	}

	recs, total, err := s.List(context.Background(), 2, 0)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, recs, 2)
	require.Equal(t, "t4", recs[0].TaskID)
	require.Equal(t, "t3", recs[1].TaskID)

	recs, total, err = s.List(context.Background(), 2, 4)
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, recs, 1)
	require.Equal(t, "t0", recs[0].TaskID)

	recs, _, err = s.List(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestMemoryAppendConversationGrowsOneArray(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), newRecord("t1", time.Now())))

	require.NoError(t, s.AppendConversation(context.Background(), "t1", []byte(`[{"role":"user","content":"hi"}]`)))
	require.NoError(t, s.AppendConversation(context.Background(), "t1", []byte(`[{"role":"assistant","content":"hello"}]`)))

	rec, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	require.JSONEq(t,
		`[{"role":"user","content":"hi"},{"role":"assistant","content":"hello"}]`,
		string(rec.Conversation))
}

func TestMemoryConcurrentReadersSingleWriter(t *testing.T) {
	s := NewMemoryStore()
	require.NoError(t, s.Create(context.Background(), newRecord("t1", time.Now())))

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			stats := agent.Stats{Steps: i}
			_ = s.Update(context.Background(), "t1", Patch{Stats: &stats})
		}
	}()
	for i := 0; i < 100; i++ {
		rec, err := s.Get(context.Background(), "t1")
		require.NoError(t, err)
		require.Equal(t, "t1", rec.TaskID)
	}
	<-done
}
