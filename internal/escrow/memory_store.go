package escrow

import (
	"context"
	"sync"
	"time"

	xerrors "AgentPay-Chain/internal/errors"
)

// MemoryStore keeps sessions in process. It is meant for tests and
// single-node development; state does not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	events   map[string][]Event
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		events:   make(map[string][]Event),
	}
}

func (m *MemoryStore) Create(_ context.Context, s *Session, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return xerrors.New(xerrors.CodeConflict, "session already exists")
	}
	m.sessions[s.ID] = s.clone()
	m.events[s.ID] = append(m.events[s.ID], events...)
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, notFound(id)
	}
	return s.clone(), nil
}

func (m *MemoryStore) Activate(_ context.Context, id string, amount int64, txHash string, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if s.Status != StatusCreated {
		return errStateChanged
	}
	s.Status = StatusActive
	s.Deposited = amount
	s.ActivationTx = txHash
	s.UpdatedAt = ev.Timestamp
	m.events[id] = append(m.events[id], ev)
	return nil
}

func (m *MemoryStore) SetAgent(_ context.Context, id, agent string, authorized bool, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if s.Status == StatusClosed {
		return errStateChanged
	}
	agents := s.AuthorizedAgents[:0:0]
	for _, a := range s.AuthorizedAgents {
		if a != agent {
			agents = append(agents, a)
		}
	}
	if authorized {
		agents = append(agents, agent)
	}
	s.AuthorizedAgents = agents
	s.UpdatedAt = ev.Timestamp
	m.events[id] = append(m.events[id], ev)
	return nil
}

func (m *MemoryStore) ReserveRelease(_ context.Context, id string, amount int64, now time.Time, ev Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if ev.ExecutionID != "" && m.liveRelease(id, ev.ExecutionID) != nil {
		return errDuplicateExecution
	}
	if s.Status != StatusActive || s.Expired(now) || s.Remaining() < amount {
		return errBudgetExhausted
	}
	s.Released += amount
	s.UpdatedAt = ev.Timestamp
	m.events[id] = append(m.events[id], ev)
	return nil
}

func (m *MemoryStore) ReverseRelease(_ context.Context, id, eventID string, amount int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if !m.markReversed(id, eventID) {
		return nil
	}
	s.Released -= amount
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) markReversed(id, eventID string) bool {
	events := m.events[id]
	for i := range events {
		if events[i].ID == eventID && !events[i].Reversed {
			events[i].Reversed = true
			return true
		}
	}
	return false
}

func (m *MemoryStore) FindRelease(_ context.Context, id, executionID string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev := m.liveRelease(id, executionID); ev != nil {
		found := *ev
		return &found, nil
	}
	return nil, nil
}

func (m *MemoryStore) liveRelease(id, executionID string) *Event {
	events := m.events[id]
	for i := range events {
		if events[i].Type == EventRelease && events[i].ExecutionID == executionID && !events[i].Reversed {
			return &events[i]
		}
	}
	return nil
}

func (m *MemoryStore) ReserveClose(_ context.Context, id string, from Status, refund int64, result CloseResult, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if s.Status != from || s.Remaining() < refund {
		return errStateChanged
	}
	s.Refunded += refund
	s.Status = StatusClosed
	cr := result
	s.CloseResult = &cr
	s.UpdatedAt = result.ClosedAt
	m.events[id] = append(m.events[id], events...)
	return nil
}

func (m *MemoryStore) ReverseClose(_ context.Context, id string, from Status, refund int64, eventIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	if s.Status != StatusClosed {
		return errStateChanged
	}
	for _, eid := range eventIDs {
		m.markReversed(id, eid)
	}
	s.Refunded -= refund
	s.Status = from
	s.CloseResult = nil
	s.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ConfirmTx(_ context.Context, id string, eventIDs []string, txHash string, closing bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return notFound(id)
	}
	events := m.events[id]
	for _, eid := range eventIDs {
		for i := range events {
			if events[i].ID == eid {
				events[i].TxHash = txHash
			}
		}
	}
	if closing && s.CloseResult != nil {
		s.CloseResult.TxHash = txHash
	}
	return nil
}

func (m *MemoryStore) Events(_ context.Context, id string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return nil, notFound(id)
	}
	return append([]Event(nil), m.events[id]...), nil
}
