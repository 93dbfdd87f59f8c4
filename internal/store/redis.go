package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seongmin1117/stock-quest-sub011/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Historical bars are
// immutable, so they cache with a longer TTL than sessions.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	barTTL  time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
		barTTL:  10 * ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.ChallengeSession) error {
	if err := s.primary.CreateSession(ctx, sess); err != nil {
		return err
	}
	s.cacheSession(ctx, sess)
	return nil
}

func (s *CachedStore) UpdateSession(ctx context.Context, sess *model.ChallengeSession) error {
	if err := s.primary.UpdateSession(ctx, sess); err != nil {
		return err
	}
	// Invalidate; next read re-populates.
	s.rdb.Del(ctx, sessionKey(sess.ID))
	return nil
}

func (s *CachedStore) InsertOrder(ctx context.Context, o *model.Order) error {
	return s.primary.InsertOrder(ctx, o)
}

func (s *CachedStore) CommitFill(ctx context.Context, sess *model.ChallengeSession, pos *model.PortfolioPosition, deletePosition bool, o *model.Order) error {
	if err := s.primary.CommitFill(ctx, sess, pos, deletePosition, o); err != nil {
		return err
	}
	s.rdb.Del(ctx, sessionKey(sess.ID), positionsKey(sess.ID))
	return nil
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.PortfolioPosition) error {
	if err := s.primary.UpsertPosition(ctx, p); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(p.SessionID))
	return nil
}

func (s *CachedStore) DeletePosition(ctx context.Context, sessionID, instrumentKey string) error {
	if err := s.primary.DeletePosition(ctx, sessionID, instrumentKey); err != nil {
		return err
	}
	s.rdb.Del(ctx, positionsKey(sessionID))
	return nil
}

func (s *CachedStore) InsertMappings(ctx context.Context, ms []model.InstrumentMapping) error {
	if err := s.primary.InsertMappings(ctx, ms); err != nil {
		return err
	}
	if len(ms) > 0 {
		s.rdb.Del(ctx, mappingsKey(ms[0].ChallengeID))
	}
	return nil
}

func (s *CachedStore) MarkRevealed(ctx context.Context, challengeID string) error {
	if err := s.primary.MarkRevealed(ctx, challengeID); err != nil {
		return err
	}
	s.rdb.Del(ctx, mappingsKey(challengeID))
	return nil
}

func (s *CachedStore) ReplaceLeaderboard(ctx context.Context, challengeID string, entries []model.LeaderboardEntry) error {
	if err := s.primary.ReplaceLeaderboard(ctx, challengeID, entries); err != nil {
		return err
	}
	s.rdb.Del(ctx, leaderboardKey(challengeID))
	return nil
}

func (s *CachedStore) InsertBars(ctx context.Context, bars []model.Bar) error {
	return s.primary.InsertBars(ctx, bars)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetSession(ctx context.Context, id string) (*model.ChallengeSession, error) {
	data, err := s.rdb.Get(ctx, sessionKey(id)).Bytes()
	if err == nil {
		var sess model.ChallengeSession
		if json.Unmarshal(data, &sess) == nil {
			return &sess, nil
		}
	}

	sess, err := s.primary.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheSession(ctx, sess)
	return sess, nil
}

func (s *CachedStore) GetMappings(ctx context.Context, challengeID string) ([]model.InstrumentMapping, error) {
	data, err := s.rdb.Get(ctx, mappingsKey(challengeID)).Bytes()
	if err == nil {
		var ms []model.InstrumentMapping
		if json.Unmarshal(data, &ms) == nil {
			return ms, nil
		}
	}

	ms, err := s.primary.GetMappings(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(ms); err == nil {
		s.rdb.Set(ctx, mappingsKey(challengeID), data, s.ttl)
	}
	return ms, nil
}

func (s *CachedStore) ListPositions(ctx context.Context, sessionID string) ([]model.PortfolioPosition, error) {
	data, err := s.rdb.Get(ctx, positionsKey(sessionID)).Bytes()
	if err == nil {
		var ps []model.PortfolioPosition
		if json.Unmarshal(data, &ps) == nil {
			return ps, nil
		}
	}

	ps, err := s.primary.ListPositions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(ps); err == nil {
		s.rdb.Set(ctx, positionsKey(sessionID), data, s.ttl)
	}
	return ps, nil
}

func (s *CachedStore) GetLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	data, err := s.rdb.Get(ctx, leaderboardKey(challengeID)).Bytes()
	if err == nil {
		var es []model.LeaderboardEntry
		if json.Unmarshal(data, &es) == nil {
			return es, nil
		}
	}

	es, err := s.primary.GetLeaderboard(ctx, challengeID)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(es); err == nil {
		s.rdb.Set(ctx, leaderboardKey(challengeID), data, s.ttl)
	}
	return es, nil
}

func (s *CachedStore) GetBarAt(ctx context.Context, ticker string, at time.Time) (*model.Bar, error) {
	key := barKey(ticker, at)
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var b model.Bar
		if json.Unmarshal(data, &b) == nil {
			return &b, nil
		}
	}

	b, err := s.primary.GetBarAt(ctx, ticker, at)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(b); err == nil {
		s.rdb.Set(ctx, key, data, s.barTTL)
	}
	return b, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListSessionsByChallenge(ctx context.Context, challengeID string, statuses ...model.SessionStatus) ([]model.ChallengeSession, error) {
	return s.primary.ListSessionsByChallenge(ctx, challengeID, statuses...)
}

func (s *CachedStore) ListStaleReadySessions(ctx context.Context, cutoff time.Time, limit, offset int) ([]model.ChallengeSession, error) {
	return s.primary.ListStaleReadySessions(ctx, cutoff, limit, offset)
}

func (s *CachedStore) ListChallengeIDs(ctx context.Context) ([]string, error) {
	return s.primary.ListChallengeIDs(ctx)
}

func (s *CachedStore) ListOrdersBySession(ctx context.Context, sessionID string) ([]model.Order, error) {
	return s.primary.ListOrdersBySession(ctx, sessionID)
}

func (s *CachedStore) GetPosition(ctx context.Context, sessionID, instrumentKey string) (*model.PortfolioPosition, error) {
	return s.primary.GetPosition(ctx, sessionID, instrumentKey)
}

// --- Cache helpers ---

func (s *CachedStore) cacheSession(ctx context.Context, sess *model.ChallengeSession) {
	if data, err := json.Marshal(sess); err == nil {
		s.rdb.Set(ctx, sessionKey(sess.ID), data, s.ttl)
	}
}

func sessionKey(id string) string     { return fmt.Sprintf("session:%s", id) }
func positionsKey(id string) string   { return fmt.Sprintf("positions:%s", id) }
func mappingsKey(id string) string    { return fmt.Sprintf("mappings:%s", id) }
func leaderboardKey(id string) string { return fmt.Sprintf("leaderboard:%s", id) }
func barKey(t string, at time.Time) string {
	return fmt.Sprintf("bar:%s:%d", t, at.Unix())
}
