// Package store defines the persistence interface for the challenge
// trading engine. Implementations include PostgreSQL (source of truth),
// Redis (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/seongmin1117/stock-quest-sub011/internal/model"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrBarNotFound is returned when no bar exists at or before the
	// requested timestamp for a ticker.
	ErrBarNotFound = errors.New("store: no bar at or before timestamp")
)

// Store is the persistence interface. The engine only requires it to
// support per-session atomic read-modify-write; callers serialize writes
// to one session behind a per-session lock.
type Store interface {
	// --- Sessions ---

	// CreateSession persists a new challenge session.
	CreateSession(ctx context.Context, s *model.ChallengeSession) error

	// GetSession retrieves a session by its ID.
	GetSession(ctx context.Context, id string) (*model.ChallengeSession, error)

	// UpdateSession overwrites a session's mutable fields.
	UpdateSession(ctx context.Context, s *model.ChallengeSession) error

	// ListSessionsByChallenge returns a challenge's sessions filtered by
	// status. No filter returns every session of the challenge.
	ListSessionsByChallenge(ctx context.Context, challengeID string, statuses ...model.SessionStatus) ([]model.ChallengeSession, error)

	// ListStaleReadySessions pages through READY sessions created before
	// the cutoff. Used by the stale-session sweeper.
	ListStaleReadySessions(ctx context.Context, cutoff time.Time, limit, offset int) ([]model.ChallengeSession, error)

	// ListChallengeIDs returns every challenge that has at least one session.
	ListChallengeIDs(ctx context.Context) ([]string, error)

	// --- Orders ---

	// InsertOrder appends a resolved (EXECUTED or REJECTED) order.
	InsertOrder(ctx context.Context, o *model.Order) error

	// CommitFill atomically persists the outcome of one executed order:
	// the order row, the mutated position (or its removal when the
	// quantity reached zero), and the session's new balance. Either
	// every write lands or none do, so a failed fill is safe to retry.
	CommitFill(ctx context.Context, sess *model.ChallengeSession, pos *model.PortfolioPosition, deletePosition bool, o *model.Order) error

	// ListOrdersBySession returns a session's orders in submission order.
	ListOrdersBySession(ctx context.Context, sessionID string) ([]model.Order, error)

	// --- Positions ---

	// GetPosition retrieves one session's position in one instrument.
	GetPosition(ctx context.Context, sessionID, instrumentKey string) (*model.PortfolioPosition, error)

	// UpsertPosition creates or overwrites a position row.
	UpsertPosition(ctx context.Context, p *model.PortfolioPosition) error

	// DeletePosition removes a position row (quantity reached zero).
	DeletePosition(ctx context.Context, sessionID, instrumentKey string) error

	// ListPositions returns all positions for a session.
	ListPositions(ctx context.Context, sessionID string) ([]model.PortfolioPosition, error)

	// --- Instrument mappings ---

	// InsertMappings persists a challenge's masked instrument set.
	InsertMappings(ctx context.Context, ms []model.InstrumentMapping) error

	// GetMappings returns a challenge's mappings ordered by instrument key.
	GetMappings(ctx context.Context, challengeID string) ([]model.InstrumentMapping, error)

	// MarkRevealed flips the revealed flag for every mapping of a challenge.
	MarkRevealed(ctx context.Context, challengeID string) error

	// --- Leaderboard ---

	// ReplaceLeaderboard atomically swaps a challenge's ranking snapshot.
	ReplaceLeaderboard(ctx context.Context, challengeID string, entries []model.LeaderboardEntry) error

	// GetLeaderboard returns the latest ranking snapshot in rank order.
	GetLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error)

	// --- Historical bars ---

	// InsertBars loads historical OHLCV bars into the dataset.
	InsertBars(ctx context.Context, bars []model.Bar) error

	// GetBarAt returns the bar for a ticker at or immediately before the
	// given timestamp, or ErrBarNotFound.
	GetBarAt(ctx context.Context, ticker string, at time.Time) (*model.Bar, error)
}
