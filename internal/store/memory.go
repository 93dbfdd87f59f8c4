package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/seongmin1117/stock-quest-sub011/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*model.ChallengeSession
	orders      map[string][]model.Order            // sessionID → orders
	positions   map[string]*model.PortfolioPosition // sessionID|key → position
	mappings    map[string][]model.InstrumentMapping
	leaderboard map[string][]model.LeaderboardEntry
	bars        map[string][]model.Bar // ticker → bars sorted by timestamp
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*model.ChallengeSession),
		orders:      make(map[string][]model.Order),
		positions:   make(map[string]*model.PortfolioPosition),
		mappings:    make(map[string][]model.InstrumentMapping),
		leaderboard: make(map[string][]model.LeaderboardEntry),
		bars:        make(map[string][]model.Bar),
	}
}

func posKey(sessionID, instrumentKey string) string {
	return sessionID + "|" + instrumentKey
}

// --- Sessions ---

func (s *MemoryStore) CreateSession(_ context.Context, sess *model.ChallengeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; ok {
		return fmt.Errorf("session %s already exists", sess.ID)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*model.ChallengeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess *model.ChallengeSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) ListSessionsByChallenge(_ context.Context, challengeID string, statuses ...model.SessionStatus) ([]model.ChallengeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[model.SessionStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var out []model.ChallengeSession
	for _, sess := range s.sessions {
		if sess.ChallengeID != challengeID {
			continue
		}
		if len(want) > 0 && !want[sess.Status] {
			continue
		}
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListStaleReadySessions(_ context.Context, cutoff time.Time, limit, offset int) ([]model.ChallengeSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []model.ChallengeSession
	for _, sess := range s.sessions {
		if sess.Status == model.SessionReady && sess.CreatedAt.Before(cutoff) {
			stale = append(stale, *sess)
		}
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].CreatedAt.Before(stale[j].CreatedAt) })

	if offset >= len(stale) {
		return nil, nil
	}
	stale = stale[offset:]
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func (s *MemoryStore) ListChallengeIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool)
	var ids []string
	for _, sess := range s.sessions {
		if !seen[sess.ChallengeID] {
			seen[sess.ChallengeID] = true
			ids = append(ids, sess.ChallengeID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Orders ---

func (s *MemoryStore) InsertOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orders[o.SessionID] = append(s.orders[o.SessionID], *o)
	return nil
}

func (s *MemoryStore) CommitFill(_ context.Context, sess *model.ChallengeSession, pos *model.PortfolioPosition, deletePosition bool, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sess.ID]; !ok {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	if deletePosition {
		delete(s.positions, posKey(pos.SessionID, pos.InstrumentKey))
	} else {
		cp := *pos
		s.positions[posKey(pos.SessionID, pos.InstrumentKey)] = &cp
	}
	cs := *sess
	s.sessions[sess.ID] = &cs
	s.orders[o.SessionID] = append(s.orders[o.SessionID], *o)
	return nil
}

func (s *MemoryStore) ListOrdersBySession(_ context.Context, sessionID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Order, len(s.orders[sessionID]))
	copy(out, s.orders[sessionID])
	return out, nil
}

// --- Positions ---

func (s *MemoryStore) GetPosition(_ context.Context, sessionID, instrumentKey string) (*model.PortfolioPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[posKey(sessionID, instrumentKey)]
	if !ok {
		return nil, fmt.Errorf("position %s/%s: %w", sessionID, instrumentKey, ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) UpsertPosition(_ context.Context, p *model.PortfolioPosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	s.positions[posKey(p.SessionID, p.InstrumentKey)] = &cp
	return nil
}

func (s *MemoryStore) DeletePosition(_ context.Context, sessionID, instrumentKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.positions, posKey(sessionID, instrumentKey))
	return nil
}

func (s *MemoryStore) ListPositions(_ context.Context, sessionID string) ([]model.PortfolioPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PortfolioPosition
	for _, p := range s.positions {
		if p.SessionID == sessionID {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentKey < out[j].InstrumentKey })
	return out, nil
}

// --- Instrument mappings ---

func (s *MemoryStore) InsertMappings(_ context.Context, ms []model.InstrumentMapping) error {
	if len(ms) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	challengeID := ms[0].ChallengeID
	if len(s.mappings[challengeID]) > 0 {
		return fmt.Errorf("mappings for challenge %s already exist", challengeID)
	}
	cp := make([]model.InstrumentMapping, len(ms))
	copy(cp, ms)
	s.mappings[challengeID] = cp
	return nil
}

func (s *MemoryStore) GetMappings(_ context.Context, challengeID string) ([]model.InstrumentMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ms := s.mappings[challengeID]
	out := make([]model.InstrumentMapping, len(ms))
	copy(out, ms)
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentKey < out[j].InstrumentKey })
	return out, nil
}

func (s *MemoryStore) MarkRevealed(_ context.Context, challengeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ms, ok := s.mappings[challengeID]
	if !ok {
		return fmt.Errorf("mappings for challenge %s: %w", challengeID, ErrNotFound)
	}
	for i := range ms {
		ms[i].Revealed = true
	}
	return nil
}

// --- Leaderboard ---

func (s *MemoryStore) ReplaceLeaderboard(_ context.Context, challengeID string, entries []model.LeaderboardEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]model.LeaderboardEntry, len(entries))
	copy(cp, entries)
	s.leaderboard[challengeID] = cp
	return nil
}

func (s *MemoryStore) GetLeaderboard(_ context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	es := s.leaderboard[challengeID]
	out := make([]model.LeaderboardEntry, len(es))
	copy(out, es)
	sort.Slice(out, func(i, j int) bool { return out[i].Rank < out[j].Rank })
	return out, nil
}

// --- Historical bars ---

func (s *MemoryStore) InsertBars(_ context.Context, bars []model.Bar) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range bars {
		s.bars[b.Ticker] = append(s.bars[b.Ticker], b)
	}
	for ticker := range s.bars {
		bs := s.bars[ticker]
		sort.Slice(bs, func(i, j int) bool { return bs[i].Timestamp.Before(bs[j].Timestamp) })
	}
	return nil
}

func (s *MemoryStore) GetBarAt(_ context.Context, ticker string, at time.Time) (*model.Bar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bs := s.bars[ticker]
	// Latest bar with timestamp <= at.
	idx := sort.Search(len(bs), func(i int) bool { return bs[i].Timestamp.After(at) }) - 1
	if idx < 0 {
		return nil, fmt.Errorf("ticker %s at %s: %w", ticker, at.Format(time.RFC3339), ErrBarNotFound)
	}
	cp := bs[idx]
	return &cp, nil
}
