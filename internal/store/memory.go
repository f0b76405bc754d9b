package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/lybic/agentcore/pkg/agent"
)

// MemoryStore is a guarded-map State Store. Writes are synchronous; an
// auxiliary slice of task ids kept in insertion order is copied and
// stable-sorted by CreatedAt, newest first, on every List call.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]agent.Record
	order   []string // insertion order, oldest first
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory State Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]agent.Record)}
}

func (s *MemoryStore) Create(ctx context.Context, rec agent.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.TaskID]; exists {
		return agent.Validation("task already exists: " + rec.TaskID)
	}
	s.records[rec.TaskID] = rec
	s.order = append(s.order, rec.TaskID)
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, taskID string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	if !ok {
		return agent.NotFound("task not found: " + taskID)
	}
	applyPatch(&rec, patch)
	s.records[taskID] = rec
	return nil
}

func applyPatch(rec *agent.Record, patch Patch) {
	if patch.Status != nil {
		rec.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		t := time.Unix(0, *patch.StartedAt).UTC()
		rec.StartedAt = &t
	}
	if patch.EndedAt != nil {
		t := time.Unix(0, *patch.EndedAt).UTC()
		rec.EndedAt = &t
	}
	if patch.SandboxID != nil {
		rec.SandboxID = *patch.SandboxID
	}
	if patch.Stats != nil {
		rec.Stats = *patch.Stats
	}
	if patch.FinalMessage != nil {
		rec.FinalMessage = *patch.FinalMessage
	}
	if patch.Plan != nil {
		rec.Plan = *patch.Plan
	}
}

func (s *MemoryStore) Get(ctx context.Context, taskID string) (agent.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[taskID]
	if !ok {
		return agent.Record{}, agent.NotFound("task not found: " + taskID)
	}
	return rec, nil
}

func (s *MemoryStore) List(ctx context.Context, limit, offset int) ([]agent.Record, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, len(s.order))
	copy(ids, s.order)
	sort.SliceStable(ids, func(i, j int) bool {
		return s.records[ids[i]].CreatedAt.After(s.records[ids[j]].CreatedAt)
	})

	total := len(ids)
	if offset >= total {
		return []agent.Record{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	out := make([]agent.Record, 0, end-offset)
	for _, id := range ids[offset:end] {
		out = append(out, s.records[id])
	}
	return out, total, nil
}

func (s *MemoryStore) AppendConversation(ctx context.Context, taskID string, messages []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[taskID]
	if !ok {
		return agent.NotFound("task not found: " + taskID)
	}
	merged, err := appendJSONArray(rec.Conversation, messages)
	if err != nil {
		return agent.Validation("appending conversation: " + err.Error())
	}
	rec.Conversation = merged
	s.records[taskID] = rec
	return nil
}

// appendJSONArray merges a new batch of messages (itself a JSON array) onto
// the end of an existing opaque conversation array, shared by the Memory
// and SQL backends so both grow the same JSON array shape rather than
// concatenating raw byte fragments. An empty existing array starts fresh.
func appendJSONArray(existing json.RawMessage, messages []byte) (json.RawMessage, error) {
	var current []json.RawMessage
	if len(existing) > 0 {
		if err := json.Unmarshal(existing, &current); err != nil {
			return nil, err
		}
	}
	var incoming []json.RawMessage
	if err := json.Unmarshal(messages, &incoming); err != nil {
		return nil, err
	}
	merged, err := json.Marshal(append(current, incoming...))
	if err != nil {
		return nil, err
	}
	return merged, nil
}

func (s *MemoryStore) Close() error { return nil }
