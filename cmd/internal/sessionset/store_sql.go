package sessionset

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

const (
	stateActive  = "active"
	stateEvicted = "evicted"
)

type accountRow struct {
	bun.BaseModel `bun:"table:sg_accounts"`

	AccountID string    `bun:"account_id,pk"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

// sessionRow stores one session of one account. Insertion order is the
// autoincrement id; evicted rows are kept as tombstones and pruned.
type sessionRow struct {
	bun.BaseModel `bun:"table:sg_account_sessions"`

	ID        int64     `bun:"id,pk,autoincrement"`
	AccountID string    `bun:"account_id,notnull,unique:sg_account_session"`
	SessionID string    `bun:"session_id,notnull,unique:sg_account_session"`
	State     string    `bun:"state,notnull"`
	ChangedAt time.Time `bun:"changed_at,notnull"`
}

// SQLStore implements Store on an embedded SQLite database through bun.
//
// The database handle is limited to one open connection, so transactions from
// this process are serialized. Writers in other processes are handled by
// SQLite's own locking; SQLITE_BUSY is classified transient and retried.
type SQLStore struct {
	db    *bun.DB
	own   bool
	retry retrier
	now   func() time.Time
}

// SQLOption configures SQLStore behavior.
type SQLOption func(*SQLStore)

// WithSQLRetry overrides the transient-failure retry policy.
func WithSQLRetry(p RetryPolicy) SQLOption {
	return func(s *SQLStore) { s.retry = newRetrier(p, isTransientSQLite) }
}

// WithOwnedDB makes Close close the underlying database.
func WithOwnedDB() SQLOption {
	return func(s *SQLStore) { s.own = true }
}

// OpenSQLite opens a SQLite file with the pragmas SQLStore relies on.
func OpenSQLite(path string) (*bun.DB, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("sessionset: empty sqlite path")
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sessionset: open sqlite: %w", err)
	}
	sqldb.SetMaxOpenConns(1)
	sqldb.SetMaxIdleConns(1)
	sqldb.SetConnMaxLifetime(0)
	return bun.NewDB(sqldb, sqlitedialect.New()), nil
}

// NewSQLStore constructs a bun/SQLite-backed Store.
func NewSQLStore(db *bun.DB, opts ...SQLOption) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("sessionset: nil bun db")
	}
	s := &SQLStore{
		db:    db,
		retry: newRetrier(DefaultRetryPolicy(), isTransientSQLite),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// Close closes the database when the store owns it.
func (s *SQLStore) Close() error {
	if s.own {
		return s.db.Close()
	}
	return nil
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	models := []interface{}{(*accountRow)(nil), (*sessionRow)(nil)}
	for _, m := range models {
		if _, err := s.db.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("sessionset: ensure schema: %w", err)
		}
	}
	_, err := s.db.NewCreateIndex().
		Model((*sessionRow)(nil)).
		Index("sg_account_sessions_state_idx").
		Column("account_id", "state", "id").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sessionset: ensure schema: %w", err)
	}
	return nil
}

func (s *SQLStore) inTx(ctx context.Context, op string, fn func(ctx context.Context, tx bun.Tx) error) error {
	return s.retry.do(ctx, op, func() error {
		return s.db.RunInTx(ctx, nil, fn)
	})
}

// EnsureAccount inserts the account row if missing.
func (s *SQLStore) EnsureAccount(ctx context.Context, accountID string) (bool, error) {
	const op = "sessionset.EnsureAccount"
	if err := checkAccount(op, accountID); err != nil {
		return false, err
	}

	var created bool
	err := s.retry.do(ctx, op, func() error {
		res, err := s.db.NewInsert().
			Model(&accountRow{AccountID: accountID, CreatedAt: s.now()}).
			On("CONFLICT (account_id) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	return created, err
}

// Contains reports whether sessionID is active.
func (s *SQLStore) Contains(ctx context.Context, accountID, sessionID string) (bool, error) {
	m, err := s.Lookup(ctx, accountID, sessionID)
	if err != nil {
		return false, err
	}
	return m == MemberActive, nil
}

// Lookup classifies sessionID for the account.
func (s *SQLStore) Lookup(ctx context.Context, accountID, sessionID string) (Membership, error) {
	const op = "sessionset.Lookup"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return MemberUnknown, err
	}

	m := MemberUnknown
	err := s.inTx(ctx, op, func(ctx context.Context, tx bun.Tx) error {
		if err := requireAccount(ctx, tx, op, accountID); err != nil {
			return err
		}
		var state string
		err := tx.NewSelect().
			Model((*sessionRow)(nil)).
			Column("state").
			Where("account_id = ?", accountID).
			Where("session_id = ?", sessionID).
			Scan(ctx, &state)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			m = MemberUnknown
		case err != nil:
			return err
		case state == stateActive:
			m = MemberActive
		case state == stateEvicted:
			m = MemberEvicted
		}
		return nil
	})
	return m, err
}

// List returns the active set in insertion order.
func (s *SQLStore) List(ctx context.Context, accountID string) ([]string, error) {
	const op = "sessionset.List"
	if err := checkAccount(op, accountID); err != nil {
		return nil, err
	}

	var active []string
	err := s.inTx(ctx, op, func(ctx context.Context, tx bun.Tx) error {
		if err := requireAccount(ctx, tx, op, accountID); err != nil {
			return err
		}
		var err error
		active, err = listActive(ctx, tx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return active, nil
}

// TryAdmit appends sessionID iff absent and below capacity.
//
// The insert is conditional on the active count, so even a writer outside this
// process holding a stale view cannot push the set past maxSessions.
func (s *SQLStore) TryAdmit(ctx context.Context, accountID, sessionID string, maxSessions int) (AdmitResult, error) {
	const op = "sessionset.TryAdmit"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return AdmitResult{}, err
	}
	if maxSessions <= 0 {
		return AdmitResult{}, invalidInput(op, "max sessions")
	}

	var res AdmitResult
	err := s.inTx(ctx, op, func(ctx context.Context, tx bun.Tx) error {
		if err := requireAccount(ctx, tx, op, accountID); err != nil {
			return err
		}
		active, err := listActive(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if indexOf(active, sessionID) >= 0 {
			res = AdmitResult{Outcome: AdmitAlreadyActive, Active: active}
			return nil
		}
		if len(active) >= maxSessions {
			res = AdmitResult{Outcome: AdmitCapacityConflict, Active: active}
			return nil
		}

		if err := dropEvicted(ctx, tx, accountID, sessionID); err != nil {
			return err
		}
		out, err := tx.ExecContext(ctx,
			`INSERT INTO sg_account_sessions (account_id, session_id, state, changed_at)
			 SELECT ?, ?, ?, ?
			 WHERE (SELECT count(*) FROM sg_account_sessions WHERE account_id = ? AND state = ?) < ?`,
			accountID, sessionID, stateActive, s.now(),
			accountID, stateActive, maxSessions,
		)
		if err != nil {
			return err
		}
		if n, err := out.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return OpError{Op: op, Kind: ErrUnexpectedReply, Msg: "conditional insert did not apply"}
		}

		after, err := listActive(ctx, tx, accountID)
		if err != nil {
			return err
		}
		res = AdmitResult{Outcome: AdmitAdmitted, Active: after}
		return nil
	})
	return res, err
}

// Remove deletes sessionID from the active set.
func (s *SQLStore) Remove(ctx context.Context, accountID, sessionID string) (RemoveOutcome, error) {
	const op = "sessionset.Remove"
	if err := checkPair(op, accountID, sessionID); err != nil {
		return 0, err
	}

	var outcome RemoveOutcome
	err := s.inTx(ctx, op, func(ctx context.Context, tx bun.Tx) error {
		if err := requireAccount(ctx, tx, op, accountID); err != nil {
			return err
		}
		res, err := tx.NewDelete().
			Model((*sessionRow)(nil)).
			Where("account_id = ?", accountID).
			Where("session_id = ?", sessionID).
			Where("state = ?", stateActive).
			Exec(ctx)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 1 {
			outcome = Removed
		} else {
			outcome = NotFound
		}
		return nil
	})
	return outcome, err
}

// Swap evicts victimID and appends newID.
func (s *SQLStore) Swap(ctx context.Context, accountID, victimID, newID string) (SwapResult, error) {
	const op = "sessionset.Swap"
	if err := checkPair(op, accountID, victimID); err != nil {
		return SwapResult{}, err
	}
	if !validID(newID) {
		return SwapResult{}, invalidInput(op, "new session id")
	}

	var res SwapResult
	err := s.inTx(ctx, op, func(ctx context.Context, tx bun.Tx) error {
		if err := requireAccount(ctx, tx, op, accountID); err != nil {
			return err
		}
		active, err := listActive(ctx, tx, accountID)
		if err != nil {
			return err
		}
		switch {
		case victimID == newID:
			res = SwapResult{Outcome: SwapSelfRejected, Active: active}
			return nil
		case indexOf(active, victimID) < 0:
			res = SwapResult{Outcome: SwapVictimNotFound, Active: active}
			return nil
		case indexOf(active, newID) >= 0:
			res = SwapResult{Outcome: SwapNewAlreadyActive, Active: active}
			return nil
		}

		now := s.now()
		upd, err := tx.NewUpdate().
			Model((*sessionRow)(nil)).
			Set("state = ?", stateEvicted).
			Set("changed_at = ?", now).
			Where("account_id = ?", accountID).
			Where("session_id = ?", victimID).
			Where("state = ?", stateActive).
			Exec(ctx)
		if err != nil {
			return err
		}
		if n, err := upd.RowsAffected(); err != nil {
			return err
		} else if n != 1 {
			return OpError{Op: op, Kind: ErrUnexpectedReply, Msg: "victim update did not apply"}
		}

		if err := dropEvicted(ctx, tx, accountID, newID); err != nil {
			return err
		}
		row := &sessionRow{AccountID: accountID, SessionID: newID, State: stateActive, ChangedAt: now}
		if _, err := tx.NewInsert().Model(row).Exec(ctx); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM sg_account_sessions
			 WHERE account_id = ? AND state = ?
			   AND id NOT IN (
			     SELECT id FROM sg_account_sessions
			     WHERE account_id = ? AND state = ?
			     ORDER BY changed_at DESC, id DESC
			     LIMIT ?
			   )`,
			accountID, stateEvicted, accountID, stateEvicted, MaxEvictedRemembered,
		); err != nil {
			return err
		}

		after, err := listActive(ctx, tx, accountID)
		if err != nil {
			return err
		}
		res = SwapResult{Outcome: SwapSwapped, Active: after}
		return nil
	})
	return res, err
}

func requireAccount(ctx context.Context, tx bun.Tx, op, accountID string) error {
	ok, err := tx.NewSelect().
		Model((*accountRow)(nil)).
		Where("account_id = ?", accountID).
		Exists(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return accountNotFound(op)
	}
	return nil
}

func listActive(ctx context.Context, tx bun.Tx, accountID string) ([]string, error) {
	var ids []string
	err := tx.NewSelect().
		Model((*sessionRow)(nil)).
		Column("session_id").
		Where("account_id = ?", accountID).
		Where("state = ?", stateActive).
		Order("id ASC").
		Scan(ctx, &ids)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	return cloneSet(ids), nil
}

func dropEvicted(ctx context.Context, tx bun.Tx, accountID, sessionID string) error {
	_, err := tx.NewDelete().
		Model((*sessionRow)(nil)).
		Where("account_id = ?", accountID).
		Where("session_id = ?", sessionID).
		Where("state = ?", stateEvicted).
		Exec(ctx)
	return err
}

func isTransientSQLite(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	default:
		return false
	}
}

var _ Store = (*SQLStore)(nil)
