package sessionset

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore implements Store on PostgreSQL.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
//
// Concurrency model:
//   - One row per account holds the active set as a text[] in insertion order.
//   - TryAdmit and Swap lock the row (SELECT ... FOR UPDATE) and write with an
//     UPDATE whose WHERE clause repeats the capacity/membership predicate, so the
//     write can never apply to a state it was not decided on.
//   - Remove is a single conditional UPDATE.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	retry  retrier
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "sessiongate").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("sessionset: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("sessionset: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithPostgresRetry overrides the transient-failure retry policy.
func WithPostgresRetry(p RetryPolicy) PostgresOption {
	return func(s *PostgresStore) error {
		s.retry = newRetrier(p, isTransientPG)
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "sessiongate",
		retry:  newRetrier(DefaultRetryPolicy(), isTransientPG),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("sessionset: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

func (s *PostgresStore) accounts() string { return pgIdent(s.schema, "accounts") }

// EnsureSchema creates the schema and table if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE SCHEMA IF NOT EXISTS ` + pgx.Identifier{s.schema}.Sanitize(),
		`CREATE TABLE IF NOT EXISTS ` + s.accounts() + ` (
			account_id text PRIMARY KEY,
			sessions   text[] NOT NULL DEFAULT '{}',
			evicted    text[] NOT NULL DEFAULT '{}',
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
	}
	for _, q := range stmts {
		if _, err := s.pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("sessionset: ensure schema: %w", err)
		}
	}
	return nil
}

// EnsureAccount inserts the account row if missing.
func (s *PostgresStore) EnsureAccount(ctx context.Context, accountID string) (bool, error) {
	const op = "sessionset.EnsureAccount"
	if err := checkAccount(op, accountID); err != nil {
		return false, err
	}

	var created bool
	err := s.retry.do(ctx, op, func() error {
		tag, err := s.pool.Exec(ctx,
			`INSERT INTO `+s.accounts()+` (account_id) VALUES ($1)
			 ON CONFLICT (account_id) DO NOTHING`,
			accountID,
		)
		if err != nil {
			return err
		}
		created = tag.RowsAffected() == 1
		return nil
	})
	return created, err
}

// Contains reports whether sessionID is active.
func (s *PostgresStore) Contains(ctx context.Context, accountID, sessionID string) (bool, error) {
	m, err := s.Lookup(ctx, accountID, sessionID)
	if err != nil {
		return false, err
	}
	return m == MemberActive, nil
}

// Lookup classifies sessionID for the account.
func (s *PostgresStore) Lookup(ctx context.Context, accountID, sessionID string) (Membership, error) {
	const op = "sessionset.Lookup"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return MemberUnknown, err
	}

	var active, evicted bool
	err := s.retry.do(ctx, op, func() error {
		return s.pool.QueryRow(ctx,
			`SELECT $2 = ANY(sessions), $2 = ANY(evicted)
			 FROM `+s.accounts()+`
			 WHERE account_id = $1`,
			accountID, sessionID,
		).Scan(&active, &evicted)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return MemberUnknown, accountNotFound(op)
	}
	if err != nil {
		return MemberUnknown, err
	}

	switch {
	case active:
		return MemberActive, nil
	case evicted:
		return MemberEvicted, nil
	default:
		return MemberUnknown, nil
	}
}

// List returns the active set in insertion order.
func (s *PostgresStore) List(ctx context.Context, accountID string) ([]string, error) {
	const op = "sessionset.List"
	if err := checkAccount(op, accountID); err != nil {
		return nil, err
	}

	var active []string
	err := s.retry.do(ctx, op, func() error {
		return s.pool.QueryRow(ctx,
			`SELECT sessions FROM `+s.accounts()+` WHERE account_id = $1`,
			accountID,
		).Scan(&active)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, accountNotFound(op)
	}
	if err != nil {
		return nil, err
	}
	return cloneSet(active), nil
}

// TryAdmit appends sessionID iff absent and below capacity.
func (s *PostgresStore) TryAdmit(ctx context.Context, accountID, sessionID string, maxSessions int) (AdmitResult, error) {
	const op = "sessionset.TryAdmit"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return AdmitResult{}, err
	}
	if maxSessions <= 0 {
		return AdmitResult{}, invalidInput(op, "max sessions")
	}

	var res AdmitResult
	err := s.retry.do(ctx, op, func() error {
		var err error
		res, err = s.tryAdmitTx(ctx, accountID, sessionID, maxSessions)
		return err
	})
	return res, err
}

func (s *PostgresStore) tryAdmitTx(ctx context.Context, accountID, sessionID string, maxSessions int) (AdmitResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return AdmitResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	active, _, err := s.lockRow(ctx, tx, accountID, "sessionset.TryAdmit")
	if err != nil {
		return AdmitResult{}, err
	}

	if indexOf(active, sessionID) >= 0 {
		return AdmitResult{Outcome: AdmitAlreadyActive, Active: cloneSet(active)}, nil
	}
	if len(active) >= maxSessions {
		return AdmitResult{Outcome: AdmitCapacityConflict, Active: cloneSet(active)}, nil
	}

	var after []string
	err = tx.QueryRow(ctx,
		`UPDATE `+s.accounts()+`
		 SET sessions = array_append(sessions, $2::text),
		     evicted = array_remove(evicted, $2::text),
		     updated_at = now()
		 WHERE account_id = $1
		   AND NOT ($2 = ANY(sessions))
		   AND cardinality(sessions) < $3
		 RETURNING sessions`,
		accountID, sessionID, maxSessions,
	).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		// The row is locked by this transaction; a mismatch means the lock did not hold.
		return AdmitResult{}, OpError{Op: "sessionset.TryAdmit", Kind: ErrUnexpectedReply, Msg: "conditional update did not apply"}
	}
	if err != nil {
		return AdmitResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return AdmitResult{}, err
	}
	return AdmitResult{Outcome: AdmitAdmitted, Active: cloneSet(after)}, nil
}

// Remove deletes sessionID with a single conditional UPDATE.
func (s *PostgresStore) Remove(ctx context.Context, accountID, sessionID string) (RemoveOutcome, error) {
	const op = "sessionset.Remove"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return 0, err
	}

	var out RemoveOutcome
	err := s.retry.do(ctx, op, func() error {
		tag, err := s.pool.Exec(ctx,
			`UPDATE `+s.accounts()+`
			 SET sessions = array_remove(sessions, $2::text), updated_at = now()
			 WHERE account_id = $1 AND $2 = ANY(sessions)`,
			accountID, sessionID,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 1 {
			out = Removed
			return nil
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM `+s.accounts()+` WHERE account_id = $1)`,
			accountID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return accountNotFound(op)
		}
		out = NotFound
		return nil
	})
	return out, err
}

// Swap evicts victimID and appends newID in one transaction.
func (s *PostgresStore) Swap(ctx context.Context, accountID, victimID, newID string) (SwapResult, error) {
	const op = "sessionset.Swap"
	if err := checkPair(op, accountID, victimID); err != nil {
		return SwapResult{}, err
	}
	if !validID(newID) {
		return SwapResult{}, invalidInput(op, "new session id")
	}

	var res SwapResult
	err := s.retry.do(ctx, op, func() error {
		var err error
		res, err = s.swapTx(ctx, accountID, victimID, newID)
		return err
	})
	return res, err
}

func (s *PostgresStore) swapTx(ctx context.Context, accountID, victimID, newID string) (SwapResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return SwapResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	active, evicted, err := s.lockRow(ctx, tx, accountID, "sessionset.Swap")
	if err != nil {
		return SwapResult{}, err
	}

	if victimID == newID {
		return SwapResult{Outcome: SwapSelfRejected, Active: cloneSet(active)}, nil
	}
	if indexOf(active, victimID) < 0 {
		return SwapResult{Outcome: SwapVictimNotFound, Active: cloneSet(active)}, nil
	}
	if indexOf(active, newID) >= 0 {
		return SwapResult{Outcome: SwapNewAlreadyActive, Active: cloneSet(active)}, nil
	}

	evicted = rememberEvicted(forgetEvicted(evicted, newID), victimID)

	var after []string
	err = tx.QueryRow(ctx,
		`UPDATE `+s.accounts()+`
		 SET sessions = array_append(array_remove(sessions, $2::text), $3::text),
		     evicted = $4,
		     updated_at = now()
		 WHERE account_id = $1
		   AND $2 = ANY(sessions)
		   AND NOT ($3 = ANY(sessions))
		 RETURNING sessions`,
		accountID, victimID, newID, evicted,
	).Scan(&after)
	if errors.Is(err, pgx.ErrNoRows) {
		return SwapResult{}, OpError{Op: "sessionset.Swap", Kind: ErrUnexpectedReply, Msg: "conditional update did not apply"}
	}
	if err != nil {
		return SwapResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SwapResult{}, err
	}
	return SwapResult{Outcome: SwapSwapped, Active: cloneSet(after)}, nil
}

func (s *PostgresStore) lockRow(ctx context.Context, tx pgx.Tx, accountID, op string) (active, evicted []string, err error) {
	err = tx.QueryRow(ctx,
		`SELECT sessions, evicted
		 FROM `+s.accounts()+`
		 WHERE account_id = $1
		 FOR UPDATE`,
		accountID,
	).Scan(&active, &evicted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, accountNotFound(op)
	}
	if err != nil {
		return nil, nil, err
	}
	return active, evicted, nil
}

// isTransientPG reports errors worth retrying: serialization failures,
// deadlocks, lock timeouts, and connection errors that are safe to retry.
func isTransientPG(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}

var _ Store = (*PostgresStore)(nil)
