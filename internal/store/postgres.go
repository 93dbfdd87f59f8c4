package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/seongmin1117/stock-quest-sub011/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const sessionColumns = `id, challenge_id, user_id, status,
	seed_balance::TEXT, current_balance::TEXT, speed_factor,
	period_start, period_end, started_at, completed_at,
	final_balance::TEXT, final_return_rate::TEXT, created_at`

func scanSession(row pgx.Row) (*model.ChallengeSession, error) {
	var s model.ChallengeSession
	var seed, current, final, finalRate string

	err := row.Scan(&s.ID, &s.ChallengeID, &s.UserID, &s.Status,
		&seed, &current, &s.SpeedFactor,
		&s.PeriodStart, &s.PeriodEnd, &s.StartedAt, &s.CompletedAt,
		&final, &finalRate, &s.CreatedAt)
	if err != nil {
		return nil, err
	}

	s.SeedBalance, _ = decimal.NewFromString(seed)
	s.CurrentBalance, _ = decimal.NewFromString(current)
	s.FinalBalance, _ = decimal.NewFromString(final)
	s.FinalReturnRate, _ = decimal.NewFromString(finalRate)
	return &s, nil
}

// --- Sessions ---

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.ChallengeSession) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO challenge_sessions
		 (id, challenge_id, user_id, status, seed_balance, current_balance,
		  speed_factor, period_start, period_end, started_at, completed_at,
		  final_balance, final_return_rate, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7, $8, $9, $10, $11,
		         $12::NUMERIC, $13::NUMERIC, $14)`,
		sess.ID, sess.ChallengeID, sess.UserID, sess.Status,
		sess.SeedBalance.String(), sess.CurrentBalance.String(),
		sess.SpeedFactor, sess.PeriodStart, sess.PeriodEnd,
		sess.StartedAt, sess.CompletedAt,
		sess.FinalBalance.String(), sess.FinalReturnRate.String(),
		sess.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.ChallengeSession, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM challenge_sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.ChallengeSession) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE challenge_sessions
		 SET status = $2, current_balance = $3::NUMERIC, started_at = $4,
		     completed_at = $5, final_balance = $6::NUMERIC,
		     final_return_rate = $7::NUMERIC
		 WHERE id = $1`,
		sess.ID, sess.Status, sess.CurrentBalance.String(),
		sess.StartedAt, sess.CompletedAt,
		sess.FinalBalance.String(), sess.FinalReturnRate.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListSessionsByChallenge(ctx context.Context, challengeID string, statuses ...model.SessionStatus) ([]model.ChallengeSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM challenge_sessions WHERE challenge_id = $1`
	args := []any{challengeID}
	if len(statuses) > 0 {
		query += ` AND status = ANY($2)`
		ss := make([]string, len(statuses))
		for i, st := range statuses {
			ss[i] = string(st)
		}
		args = append(args, ss)
	}
	query += ` ORDER BY id`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ChallengeSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) ListStaleReadySessions(ctx context.Context, cutoff time.Time, limit, offset int) ([]model.ChallengeSession, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+sessionColumns+`
		 FROM challenge_sessions
		 WHERE status = 'READY' AND created_at < $1
		 ORDER BY created_at
		 LIMIT $2 OFFSET $3`, cutoff, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ChallengeSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) ListChallengeIDs(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT challenge_id FROM challenge_sessions ORDER BY challenge_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Orders ---

func (s *PostgresStore) InsertOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders
		 (id, session_id, instrument_key, side, type, quantity, limit_price,
		  status, reason, executed_price, slippage_rate, fee, ordered_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
		o.ID, o.SessionID, o.InstrumentKey, o.Side, o.Type,
		o.Quantity.String(), o.LimitPrice.String(),
		o.Status, o.Reason,
		o.ExecutedPrice.String(), o.SlippageRate.String(), o.Fee.String(),
		o.OrderedAt, o.ExecutedAt,
	)
	return err
}

// CommitFill wraps the position change, the balance update, and the order
// row in one transaction so a mid-write failure cannot leave the ledger
// half applied.
func (s *PostgresStore) CommitFill(ctx context.Context, sess *model.ChallengeSession, pos *model.PortfolioPosition, deletePosition bool, o *model.Order) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin fill tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if deletePosition {
		_, err = tx.Exec(ctx,
			`DELETE FROM positions WHERE session_id = $1 AND instrument_key = $2`,
			pos.SessionID, pos.InstrumentKey)
	} else {
		_, err = tx.Exec(ctx,
			`INSERT INTO positions (session_id, instrument_key, quantity, average_price, realized_pnl, updated_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
			 ON CONFLICT (session_id, instrument_key) DO UPDATE
			 SET quantity = EXCLUDED.quantity,
			     average_price = EXCLUDED.average_price,
			     realized_pnl = EXCLUDED.realized_pnl,
			     updated_at = EXCLUDED.updated_at`,
			pos.SessionID, pos.InstrumentKey,
			pos.Quantity.String(), pos.AveragePrice.String(), pos.RealizedPnL.String(),
			pos.UpdatedAt,
		)
	}
	if err != nil {
		return fmt.Errorf("fill position write: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE challenge_sessions SET current_balance = $2::NUMERIC WHERE id = $1`,
		sess.ID, sess.CurrentBalance.String())
	if err != nil {
		return fmt.Errorf("fill balance write: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrNotFound)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO orders
		 (id, session_id, instrument_key, side, type, quantity, limit_price,
		  status, reason, executed_price, slippage_rate, fee, ordered_at, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9,
		         $10::NUMERIC, $11::NUMERIC, $12::NUMERIC, $13, $14)`,
		o.ID, o.SessionID, o.InstrumentKey, o.Side, o.Type,
		o.Quantity.String(), o.LimitPrice.String(),
		o.Status, o.Reason,
		o.ExecutedPrice.String(), o.SlippageRate.String(), o.Fee.String(),
		o.OrderedAt, o.ExecutedAt,
	); err != nil {
		return fmt.Errorf("fill order write: %w", err)
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) ListOrdersBySession(ctx context.Context, sessionID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, instrument_key, side, type,
		        quantity::TEXT, limit_price::TEXT, status, reason,
		        executed_price::TEXT, slippage_rate::TEXT, fee::TEXT,
		        ordered_at, executed_at
		 FROM orders WHERE session_id = $1 ORDER BY ordered_at, id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var qty, limit, price, slip, fee string
		if err := rows.Scan(&o.ID, &o.SessionID, &o.InstrumentKey, &o.Side, &o.Type,
			&qty, &limit, &o.Status, &o.Reason,
			&price, &slip, &fee,
			&o.OrderedAt, &o.ExecutedAt); err != nil {
			return nil, err
		}
		o.Quantity, _ = decimal.NewFromString(qty)
		o.LimitPrice, _ = decimal.NewFromString(limit)
		o.ExecutedPrice, _ = decimal.NewFromString(price)
		o.SlippageRate, _ = decimal.NewFromString(slip)
		o.Fee, _ = decimal.NewFromString(fee)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// --- Positions ---

func (s *PostgresStore) GetPosition(ctx context.Context, sessionID, instrumentKey string) (*model.PortfolioPosition, error) {
	var p model.PortfolioPosition
	var qty, avg, pnl string

	err := s.pool.QueryRow(ctx,
		`SELECT session_id, instrument_key, quantity::TEXT, average_price::TEXT,
		        realized_pnl::TEXT, updated_at
		 FROM positions WHERE session_id = $1 AND instrument_key = $2`,
		sessionID, instrumentKey).
		Scan(&p.SessionID, &p.InstrumentKey, &qty, &avg, &pnl, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("position %s/%s: %w", sessionID, instrumentKey, ErrNotFound)
		}
		return nil, fmt.Errorf("get position %s/%s: %w", sessionID, instrumentKey, err)
	}

	p.Quantity, _ = decimal.NewFromString(qty)
	p.AveragePrice, _ = decimal.NewFromString(avg)
	p.RealizedPnL, _ = decimal.NewFromString(pnl)
	return &p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.PortfolioPosition) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO positions (session_id, instrument_key, quantity, average_price, realized_pnl, updated_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6)
		 ON CONFLICT (session_id, instrument_key) DO UPDATE
		 SET quantity = EXCLUDED.quantity,
		     average_price = EXCLUDED.average_price,
		     realized_pnl = EXCLUDED.realized_pnl,
		     updated_at = EXCLUDED.updated_at`,
		p.SessionID, p.InstrumentKey,
		p.Quantity.String(), p.AveragePrice.String(), p.RealizedPnL.String(),
		p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) DeletePosition(ctx context.Context, sessionID, instrumentKey string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM positions WHERE session_id = $1 AND instrument_key = $2`,
		sessionID, instrumentKey)
	return err
}

func (s *PostgresStore) ListPositions(ctx context.Context, sessionID string) ([]model.PortfolioPosition, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT session_id, instrument_key, quantity::TEXT, average_price::TEXT,
		        realized_pnl::TEXT, updated_at
		 FROM positions WHERE session_id = $1 ORDER BY instrument_key`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.PortfolioPosition
	for rows.Next() {
		var p model.PortfolioPosition
		var qty, avg, pnl string
		if err := rows.Scan(&p.SessionID, &p.InstrumentKey, &qty, &avg, &pnl, &p.UpdatedAt); err != nil {
			return nil, err
		}
		p.Quantity, _ = decimal.NewFromString(qty)
		p.AveragePrice, _ = decimal.NewFromString(avg)
		p.RealizedPnL, _ = decimal.NewFromString(pnl)
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// --- Instrument mappings ---

func (s *PostgresStore) InsertMappings(ctx context.Context, ms []model.InstrumentMapping) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, m := range ms {
		if _, err := tx.Exec(ctx,
			`INSERT INTO instrument_mappings
			 (challenge_id, instrument_key, actual_ticker, actual_name, hidden_name, type, revealed)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			m.ChallengeID, m.InstrumentKey, m.ActualTicker, m.ActualName,
			m.HiddenName, m.Type, m.Revealed,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetMappings(ctx context.Context, challengeID string) ([]model.InstrumentMapping, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT challenge_id, instrument_key, actual_ticker, actual_name,
		        hidden_name, type, revealed
		 FROM instrument_mappings WHERE challenge_id = $1 ORDER BY instrument_key`,
		challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []model.InstrumentMapping
	for rows.Next() {
		var m model.InstrumentMapping
		if err := rows.Scan(&m.ChallengeID, &m.InstrumentKey, &m.ActualTicker,
			&m.ActualName, &m.HiddenName, &m.Type, &m.Revealed); err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

func (s *PostgresStore) MarkRevealed(ctx context.Context, challengeID string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE instrument_mappings SET revealed = TRUE WHERE challenge_id = $1`,
		challengeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mappings for challenge %s: %w", challengeID, ErrNotFound)
	}
	return nil
}

// --- Leaderboard ---

func (s *PostgresStore) ReplaceLeaderboard(ctx context.Context, challengeID string, entries []model.LeaderboardEntry) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`DELETE FROM leaderboard_entries WHERE challenge_id = $1`, challengeID); err != nil {
		return err
	}
	for _, e := range entries {
		if _, err := tx.Exec(ctx,
			`INSERT INTO leaderboard_entries
			 (challenge_id, session_id, user_id, rank, pnl, return_percentage, calculated_at)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
			e.ChallengeID, e.SessionID, e.UserID, e.Rank,
			e.PnL.String(), e.ReturnPercentage.String(), e.CalculatedAt,
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetLeaderboard(ctx context.Context, challengeID string) ([]model.LeaderboardEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT challenge_id, session_id, user_id, rank,
		        pnl::TEXT, return_percentage::TEXT, calculated_at
		 FROM leaderboard_entries WHERE challenge_id = $1 ORDER BY rank`,
		challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LeaderboardEntry
	for rows.Next() {
		var e model.LeaderboardEntry
		var pnl, ret string
		if err := rows.Scan(&e.ChallengeID, &e.SessionID, &e.UserID, &e.Rank,
			&pnl, &ret, &e.CalculatedAt); err != nil {
			return nil, err
		}
		e.PnL, _ = decimal.NewFromString(pnl)
		e.ReturnPercentage, _ = decimal.NewFromString(ret)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Historical bars ---

func (s *PostgresStore) InsertBars(ctx context.Context, bars []model.Bar) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, b := range bars {
		if _, err := tx.Exec(ctx,
			`INSERT INTO price_bars (ticker, timestamp, open, high, low, close, volume)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)
			 ON CONFLICT (ticker, timestamp) DO NOTHING`,
			b.Ticker, b.Timestamp,
			b.Open.String(), b.High.String(), b.Low.String(),
			b.Close.String(), b.Volume.String(),
		); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetBarAt(ctx context.Context, ticker string, at time.Time) (*model.Bar, error) {
	var b model.Bar
	var open, high, low, closeP, volume string

	err := s.pool.QueryRow(ctx,
		`SELECT ticker, timestamp, open::TEXT, high::TEXT, low::TEXT, close::TEXT, volume::TEXT
		 FROM price_bars
		 WHERE ticker = $1 AND timestamp <= $2
		 ORDER BY timestamp DESC LIMIT 1`, ticker, at).
		Scan(&b.Ticker, &b.Timestamp, &open, &high, &low, &closeP, &volume)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("ticker %s at %s: %w", ticker, at.Format(time.RFC3339), ErrBarNotFound)
		}
		return nil, fmt.Errorf("get bar %s: %w", ticker, err)
	}

	b.Open, _ = decimal.NewFromString(open)
	b.High, _ = decimal.NewFromString(high)
	b.Low, _ = decimal.NewFromString(low)
	b.Close, _ = decimal.NewFromString(closeP)
	b.Volume, _ = decimal.NewFromString(volume)
	return &b, nil
}
