package state

import (
	"context"
	"sync"
	"time"

	contractx "github.com/tanpawarit/Chative-Expert-Panel/agent/contract"
)

// MemoryStore is the process-local history used when no Redis is configured.
type MemoryStore struct {
	mu       sync.Mutex
	maxTurns int
	sessions map[string][]contractx.Turn
}

var _ contractx.ConversationStore = (*MemoryStore)(nil)

func NewMemoryStore(maxTurns int) *MemoryStore {
	if maxTurns <= 0 {
		maxTurns = defaultMaxTurns
	}
	return &MemoryStore{maxTurns: maxTurns, sessions: make(map[string][]contractx.Turn)}
}

func (m *MemoryStore) History(_ context.Context, sessionID string) ([]contractx.Turn, error) {
	if sessionID == "" {
		return nil, ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	turns := m.sessions[sessionID]
	out := make([]contractx.Turn, len(turns))
	copy(out, turns)
	return out, nil
}

func (m *MemoryStore) Append(_ context.Context, sessionID string, turns ...contractx.Turn) error {
	if sessionID == "" {
		return ErrInvalidSession
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	history := m.sessions[sessionID]
	for _, t := range turns {
		if t.At.IsZero() {
			t.At = time.Now().UTC()
		}
		history = append(history, t)
	}
	if len(history) > m.maxTurns {
		history = append([]contractx.Turn(nil), history[len(history)-m.maxTurns:]...)
	}
	m.sessions[sessionID] = history
	return nil
}
