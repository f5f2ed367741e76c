package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ailightning/ailightning/coordinator/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id       TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	node_id          TEXT NOT NULL,
	owner_id         TEXT NOT NULL,
	model            TEXT NOT NULL,
	context_size     INTEGER NOT NULL DEFAULT 0,
	minutes          INTEGER NOT NULL,
	price_per_minute BIGINT NOT NULL,
	amount           BIGINT NOT NULL,
	payment_hash     TEXT NOT NULL UNIQUE,
	payment_request  TEXT NOT NULL,
	state            TEXT NOT NULL,
	port             INTEGER NOT NULL DEFAULT 0,
	end_reason       TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ,
	started_at       TIMESTAMPTZ,
	ended_at         TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS sessions_state_idx ON sessions (state);

CREATE TABLE IF NOT EXISTS balances (
	account    TEXT PRIMARY KEY,
	amount     BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS settlements (
	session_id   TEXT PRIMARY KEY REFERENCES sessions (session_id),
	node_id      TEXT NOT NULL,
	owner_id     TEXT NOT NULL,
	billable     BIGINT NOT NULL,
	share        BIGINT NOT NULL,
	refund       BIGINT NOT NULL,
	method       TEXT NOT NULL,
	invoice_hash TEXT NOT NULL DEFAULT '',
	proof        TEXT NOT NULL DEFAULT '',
	error        TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL
);
`

const sessionColumns = `session_id, user_id, node_id, owner_id, model, context_size, minutes, price_per_minute,
	amount, payment_hash, payment_request, state, port, end_reason,
	created_at, updated_at, expires_at, started_at, ended_at`

// PostgresSessionStore implements SessionStore for PostgreSQL
type PostgresSessionStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresSessionStore connects to PostgreSQL and ensures the schema
func NewPostgresSessionStore(ctx context.Context, dsn string, maxConns, minConns int, maxLifetime time.Duration, logger *zap.Logger) (*PostgresSessionStore, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}
	config.MaxConns = int32(maxConns)
	config.MinConns = int32(minConns)
	config.MaxConnLifetime = maxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &PostgresSessionStore{
		pool:   pool,
		logger: logger,
	}, nil
}

// CreateSession inserts a pending session; a reused payment hash is rejected
func (s *PostgresSessionStore) CreateSession(ctx context.Context, session *model.Session) error {
	query := `INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`

	_, err := s.pool.Exec(ctx, query, sessionArgs(session)...)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session
func (s *PostgresSessionStore) GetSession(ctx context.Context, sessionID string) (*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE session_id = $1`

	session, err := scanSession(s.pool.QueryRow(ctx, query, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessionsByState retrieves all sessions in state, oldest first
func (s *PostgresSessionStore) ListSessionsByState(ctx context.Context, state model.SessionState) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE state = $1 ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, string(state))
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// SessionStates looks up the state of each id
func (s *PostgresSessionStore) SessionStates(ctx context.Context, ids []string) (map[string]model.SessionState, error) {
	out := make(map[string]model.SessionState, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := s.pool.Query(ctx, `SELECT session_id, state FROM sessions WHERE session_id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query session states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, err
		}
		out[id] = model.SessionState(state)
	}
	return out, rows.Err()
}

// UpdateSession performs a conditional state transition and applies credits
// in one transaction
func (s *PostgresSessionStore) UpdateSession(ctx context.Context, session *model.Session, from model.SessionState, credits ...model.Credit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE sessions
			SET state = $2, port = $3, end_reason = $4, updated_at = $5,
				expires_at = $6, started_at = $7, ended_at = $8
			WHERE session_id = $1 AND state = $9
		`
		tag, err := tx.Exec(ctx, query,
			session.ID,
			string(session.State),
			session.Port,
			string(session.EndReason),
			time.Now(),
			nullTime(session.ExpiresAt),
			nullTime(session.StartedAt),
			nullTime(session.EndedAt),
			string(from),
		)
		if err != nil {
			return fmt.Errorf("failed to update session: %w", err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE session_id = $1)`, session.ID).Scan(&exists); err != nil {
				return err
			}
			if !exists {
				return ErrNotFound
			}
			return ErrStateChanged
		}
		return applyCredits(ctx, tx, credits)
	})
}

// GetBalance returns the balance of account, zero if it never received credit
func (s *PostgresSessionStore) GetBalance(ctx context.Context, account string) (int64, error) {
	var amount int64
	err := s.pool.QueryRow(ctx, `SELECT amount FROM balances WHERE account = $1`, account).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return amount, nil
}

// BeginSettlement claims the session's single settlement row
func (s *PostgresSessionStore) BeginSettlement(ctx context.Context, st *model.Settlement) (bool, error) {
	query := `
		INSERT INTO settlements (session_id, node_id, owner_id, billable, share, refund, method,
			invoice_hash, proof, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (session_id) DO NOTHING
	`
	tag, err := s.pool.Exec(ctx, query,
		st.SessionID, st.NodeID, st.OwnerID, st.Billable, st.Share, st.Refund, string(st.Method),
		st.InvoiceHash, st.Proof, st.Error, st.CreatedAt, st.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to begin settlement: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FinishSettlement records the outcome of a pending settlement
func (s *PostgresSessionStore) FinishSettlement(ctx context.Context, st *model.Settlement, credits ...model.Credit) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		query := `
			UPDATE settlements
			SET method = $2, invoice_hash = $3, proof = $4, error = $5, updated_at = $6
			WHERE session_id = $1 AND method = $7
		`
		tag, err := tx.Exec(ctx, query,
			st.SessionID, string(st.Method), st.InvoiceHash, st.Proof, st.Error, time.Now(),
			string(model.SettlementPending),
		)
		if err != nil {
			return fmt.Errorf("failed to finish settlement: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrStateChanged
		}
		return applyCredits(ctx, tx, credits)
	})
}

// GetSettlement retrieves the settlement of a session
func (s *PostgresSessionStore) GetSettlement(ctx context.Context, sessionID string) (*model.Settlement, error) {
	query := `
		SELECT session_id, node_id, owner_id, billable, share, refund, method,
			invoice_hash, proof, error, created_at, updated_at
		FROM settlements WHERE session_id = $1
	`
	var st model.Settlement
	var method string
	err := s.pool.QueryRow(ctx, query, sessionID).Scan(
		&st.SessionID, &st.NodeID, &st.OwnerID, &st.Billable, &st.Share, &st.Refund, &method,
		&st.InvoiceHash, &st.Proof, &st.Error, &st.CreatedAt, &st.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get settlement: %w", err)
	}
	st.Method = model.SettlementMethod(method)
	return &st, nil
}

// ListUnsettledEnded finds ended sessions whose settlement never started or
// was interrupted
func (s *PostgresSessionStore) ListUnsettledEnded(ctx context.Context, pendingBefore time.Time) ([]*model.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions
		WHERE state = $1 AND (
			NOT EXISTS (SELECT 1 FROM settlements st WHERE st.session_id = sessions.session_id)
			OR EXISTS (SELECT 1 FROM settlements st WHERE st.session_id = sessions.session_id
				AND st.method = $2 AND st.updated_at < $3)
		)
		ORDER BY ended_at`

	rows, err := s.pool.Query(ctx, query, string(model.SessionEnded), string(model.SettlementPending), pendingBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list unsettled sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// Ping checks the database connection
func (s *PostgresSessionStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close closes the connection pool
func (s *PostgresSessionStore) Close() {
	s.pool.Close()
}

func applyCredits(ctx context.Context, tx pgx.Tx, credits []model.Credit) error {
	for _, c := range credits {
		if c.Amount == 0 {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO balances (account, amount, updated_at) VALUES ($1, $2, now())
			ON CONFLICT (account) DO UPDATE SET amount = balances.amount + EXCLUDED.amount, updated_at = now()
		`, c.Account, c.Amount)
		if err != nil {
			return fmt.Errorf("failed to credit %s: %w", c.Account, err)
		}
	}
	return nil
}

func sessionArgs(s *model.Session) []interface{} {
	return []interface{}{
		s.ID, s.UserID, s.NodeID, s.OwnerID, s.Model, s.Context, s.Minutes, s.PricePerMinute,
		s.Amount, s.PaymentHash, s.PaymentRequest, string(s.State), s.Port, string(s.EndReason),
		s.CreatedAt, s.UpdatedAt, nullTime(s.ExpiresAt), nullTime(s.StartedAt), nullTime(s.EndedAt),
	}
}

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	var state, reason string
	var expiresAt, startedAt, endedAt *time.Time
	err := row.Scan(
		&s.ID, &s.UserID, &s.NodeID, &s.OwnerID, &s.Model, &s.Context, &s.Minutes, &s.PricePerMinute,
		&s.Amount, &s.PaymentHash, &s.PaymentRequest, &state, &s.Port, &reason,
		&s.CreatedAt, &s.UpdatedAt, &expiresAt, &startedAt, &endedAt,
	)
	if err != nil {
		return nil, err
	}
	s.State = model.SessionState(state)
	s.EndReason = model.EndReason(reason)
	s.ExpiresAt = derefTime(expiresAt)
	s.StartedAt = derefTime(startedAt)
	s.EndedAt = derefTime(endedAt)
	return &s, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
