package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/model"
)

// MemorySessionStore implements SessionStore in process memory. It is used
// for single-instance deployments and tests.
type MemorySessionStore struct {
	mu          sync.RWMutex
	sessions    map[string]*model.Session
	byHash      map[string]string
	balances    map[string]int64
	settlements map[string]*model.Settlement
}

// NewMemorySessionStore creates an empty store
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:    make(map[string]*model.Session),
		byHash:      make(map[string]string),
		balances:    make(map[string]int64),
		settlements: make(map[string]*model.Settlement),
	}
}

func (s *MemorySessionStore) CreateSession(ctx context.Context, session *model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[session.ID]; ok {
		return ErrDuplicate
	}
	if _, ok := s.byHash[session.PaymentHash]; ok {
		return ErrDuplicate
	}
	cp := *session
	s.sessions[session.ID] = &cp
	s.byHash[session.PaymentHash] = session.ID
	return nil
}

func (s *MemorySessionStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *session
	return &cp, nil
}

func (s *MemorySessionStore) ListSessionsByState(ctx context.Context, state model.SessionState) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Session
	for _, session := range s.sessions {
		if session.State == state {
			cp := *session
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemorySessionStore) SessionStates(ctx context.Context, ids []string) (map[string]model.SessionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]model.SessionState, len(ids))
	for _, id := range ids {
		if session, ok := s.sessions[id]; ok {
			out[id] = session.State
		}
	}
	return out, nil
}

func (s *MemorySessionStore) UpdateSession(ctx context.Context, session *model.Session, from model.SessionState, credits ...model.Credit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[session.ID]
	if !ok {
		return ErrNotFound
	}
	if current.State != from {
		return ErrStateChanged
	}
	cp := *session
	cp.UpdatedAt = time.Now()
	s.sessions[session.ID] = &cp
	s.applyCredits(credits)
	return nil
}

func (s *MemorySessionStore) GetBalance(ctx context.Context, account string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balances[account], nil
}

func (s *MemorySessionStore) BeginSettlement(ctx context.Context, st *model.Settlement) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.settlements[st.SessionID]; ok {
		return false, nil
	}
	cp := *st
	s.settlements[st.SessionID] = &cp
	return true, nil
}

func (s *MemorySessionStore) FinishSettlement(ctx context.Context, st *model.Settlement, credits ...model.Credit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.settlements[st.SessionID]
	if !ok {
		return ErrNotFound
	}
	if current.Method != model.SettlementPending {
		return ErrStateChanged
	}
	cp := *st
	s.settlements[st.SessionID] = &cp
	s.applyCredits(credits)
	return nil
}

func (s *MemorySessionStore) GetSettlement(ctx context.Context, sessionID string) (*model.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settlements[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *st
	return &cp, nil
}

func (s *MemorySessionStore) ListUnsettledEnded(ctx context.Context, pendingBefore time.Time) ([]*model.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Session
	for id, session := range s.sessions {
		if session.State != model.SessionEnded {
			continue
		}
		st, ok := s.settlements[id]
		if ok && (st.Method != model.SettlementPending || !st.UpdatedAt.Before(pendingBefore)) {
			continue
		}
		cp := *session
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.Before(out[j].EndedAt) })
	return out, nil
}

func (s *MemorySessionStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemorySessionStore) Close() {}

func (s *MemorySessionStore) applyCredits(credits []model.Credit) {
	for _, c := range credits {
		if c.Amount != 0 {
			s.balances[c.Account] += c.Amount
		}
	}
}
