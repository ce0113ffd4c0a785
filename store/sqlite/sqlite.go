/*
Package sqlite provides the SQLite-backed implementation of the
storage contract.

PURPOSE:
  Implements core.TxStore on a single SQLite file. In production the
  same patterns apply to PostgreSQL - only minor SQL dialect
  differences.

KEY TABLES:
  members:        covered people and their fees
  users:          agents, admins, super admin
  payments:       collected payments
  allocations:    payment-to-period application
  ledger_entries: immutable double-entry journal
  receipts:       numbered proofs of payment
  counters:       atomic serial counters (receipt:<year>)
  outbox_events:  integration events awaiting dispatch

MONEY:
  Amounts are stored as integer centavos so balance derivation stays a
  plain SUM; they convert back to decimals at the scan boundary.

TIME:
  Timestamps are stored as fixed-width UTC text so lexicographic
  comparison in SQL matches chronological order.

APPEND-ONLY ENFORCEMENT:
  ledger_entries never sees UPDATE or DELETE. Corrections happen via
  reversal pairs. UNIQUE(payment_id, side) refuses a second pair for
  the same payment; a windowed scope check refuses duplicate synthetic
  transfers.

CONCURRENCY:
  A store-level RWMutex serializes WithTx blocks. That is what makes
  read-check-write inside a transaction safe here - two posting
  pipelines never interleave between their debt re-check and their
  commit. With PostgreSQL, database-level concurrency control would
  take over.

USAGE:
  store, err := sqlite.New("./data/cobranza.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - core/store.go: interface definition
  - core/ledger.go: pair semantics and scope keys
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/previsora/cobranza-engine/core"
)

// DefaultDedupWindow bounds the scope-level duplicate check for
// synthetic transfers.
const DefaultDedupWindow = 10 * time.Minute

// Store implements core.TxStore using SQLite.
type Store struct {
	db          *sql.DB
	mu          sync.RWMutex
	dedupWindow time.Duration
	now         func() time.Time
}

// Option tweaks store construction.
type Option func(*Store)

// WithDedupWindow overrides how far back the synthetic-transfer
// duplicate check looks.
func WithDedupWindow(d time.Duration) Option {
	return func(s *Store) { s.dedupWindow = d }
}

// WithClock injects the clock the duplicate window measures against.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL"
	if dbPath == ":memory:" {
		// Every pooled connection must see the same in-memory
		// database, not a fresh empty one.
		dsn = "file::memory:?cache=shared&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, dedupWindow: DefaultDedupWindow, now: time.Now}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Members (covered people)
	CREATE TABLE IF NOT EXISTS members (
		id TEXT PRIMARY KEY,
		group_id INTEGER NOT NULL,
		agent_id INTEGER NOT NULL,
		full_name TEXT NOT NULL,
		document TEXT NOT NULL DEFAULT '',
		position INTEGER NOT NULL DEFAULT 0,
		role TEXT NOT NULL DEFAULT 'dependent',
		birth_date TEXT,
		cremation INTEGER NOT NULL DEFAULT 0,
		plot INTEGER NOT NULL DEFAULT 0,
		plan TEXT NOT NULL DEFAULT '',
		joined_at TEXT NOT NULL,
		cancelled_at TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		historical_fee_cents INTEGER NOT NULL DEFAULT 0,
		ideal_fee_cents INTEGER NOT NULL DEFAULT 0,
		use_ideal INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_members_group ON members(group_id);
	CREATE INDEX IF NOT EXISTS idx_members_agent ON members(agent_id, active);

	-- Operating users
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		role TEXT NOT NULL,
		agent_id INTEGER NOT NULL DEFAULT 0,
		default_account TEXT NOT NULL DEFAULT '',
		commission_base_rate TEXT NOT NULL DEFAULT '0',
		commission_grace_days INTEGER NOT NULL DEFAULT 0,
		commission_penalty_per_day TEXT NOT NULL DEFAULT '0',
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	-- One user per collection route
	CREATE UNIQUE INDEX IF NOT EXISTS idx_users_agent
		ON users(agent_id) WHERE agent_id > 0;

	-- Payments
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		member_id TEXT NOT NULL REFERENCES members(id),
		group_id INTEGER NOT NULL DEFAULT 0,
		agent_id INTEGER NOT NULL DEFAULT 0,
		agent_user_id TEXT NOT NULL DEFAULT '',
		actor_user_id TEXT NOT NULL DEFAULT '',
		amount_cents INTEGER NOT NULL,
		currency TEXT NOT NULL,
		method TEXT NOT NULL,
		channel TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT 'payment',
		status TEXT NOT NULL,
		intended_period TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		idempotency_key TEXT,
		external_ref TEXT NOT NULL DEFAULT '',
		meta TEXT NOT NULL DEFAULT '{}',
		arrears_at_post INTEGER NOT NULL DEFAULT 0,
		collected_at TEXT,
		posted_at TEXT,
		created_at TEXT NOT NULL
	);

	-- Duplicate idempotency keys must collide at the storage level;
	-- the uniqueness constraint is what serializes concurrent replays.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_payments_idem
		ON payments(idempotency_key) WHERE idempotency_key IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_payments_agent_posted
		ON payments(agent_id, posted_at DESC);
	CREATE INDEX IF NOT EXISTS idx_payments_member_status
		ON payments(member_id, status);

	-- Payment-to-period application, written once at posting time
	CREATE TABLE IF NOT EXISTS allocations (
		payment_id TEXT NOT NULL REFERENCES payments(id) ON DELETE CASCADE,
		period TEXT NOT NULL,
		amount_cents INTEGER NOT NULL,
		status_after TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (payment_id, period)
	);

	CREATE INDEX IF NOT EXISTS idx_allocations_period ON allocations(period);

	-- Ledger (append-only double-entry journal)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		payment_id TEXT NOT NULL,
		actor_user_id TEXT NOT NULL DEFAULT '',
		owner_user_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL,
		side TEXT NOT NULL CHECK (side IN ('debit','credit')),
		account_code TEXT NOT NULL,
		amount_cents INTEGER NOT NULL CHECK (amount_cents > 0),
		currency TEXT NOT NULL,
		from_label TEXT NOT NULL DEFAULT '',
		to_label TEXT NOT NULL DEFAULT '',
		dim_agent_id INTEGER NOT NULL DEFAULT 0,
		dim_group_id INTEGER NOT NULL DEFAULT 0,
		dim_channel TEXT NOT NULL DEFAULT '',
		dim_plan TEXT NOT NULL DEFAULT '',
		dim_note TEXT NOT NULL DEFAULT '',
		posted_at TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (payment_id, side)
	);

	CREATE INDEX IF NOT EXISTS idx_ledger_payment
		ON ledger_entries(payment_id);
	CREATE INDEX IF NOT EXISTS idx_ledger_account_posted
		ON ledger_entries(account_code, posted_at);
	CREATE INDEX IF NOT EXISTS idx_ledger_owner
		ON ledger_entries(owner_user_id, account_code, currency);
	CREATE INDEX IF NOT EXISTS idx_ledger_dim_agent
		ON ledger_entries(dim_agent_id, account_code);

	-- Windowed duplicate detection for synthetic transfers
	CREATE INDEX IF NOT EXISTS idx_ledger_scope
		ON ledger_entries(kind, currency, dim_note, posted_at);

	-- Receipts
	CREATE TABLE IF NOT EXISTS receipts (
		payment_id TEXT PRIMARY KEY REFERENCES payments(id),
		serial INTEGER NOT NULL,
		year INTEGER NOT NULL,
		qr_payload TEXT NOT NULL DEFAULT '',
		pdf_uri TEXT NOT NULL DEFAULT '',
		render_failed INTEGER NOT NULL DEFAULT 0,
		voided INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		UNIQUE (year, serial)
	);

	-- Atomic serial counters
	CREATE TABLE IF NOT EXISTS counters (
		key TEXT PRIMARY KEY,
		value INTEGER NOT NULL
	);

	-- Transactional outbox
	CREATE TABLE IF NOT EXISTS outbox_events (
		id TEXT PRIMARY KEY,
		topic TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		published_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_outbox_status
		ON outbox_events(status, created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// ===== TRANSACTIONS =====

// executor is satisfied by both *sql.DB and *sql.Tx, so every query
// helper runs unchanged inside and outside transactions.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes fn within a database transaction. The closure gets
// a Store view bound to the transaction; returning an error rolls
// everything back. Blocks are serialized by the store mutex, so the
// closure must not call back into the outer store.
func (s *Store) WithTx(ctx context.Context, fn func(core.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(&txStore{tx: tx, parent: s}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore is the transaction-bound view of the store. It reuses the
// package query helpers with the tx as executor and never touches the
// parent mutex (WithTx already holds it).
type txStore struct {
	tx     *sql.Tx
	parent *Store
}

// ===== CONVERSIONS =====

// cents converts a decimal amount to integer centavos for storage.
func cents(d decimal.Decimal) int64 {
	return d.Round(core.MoneyPlaces).Shift(core.MoneyPlaces).IntPart()
}

// money converts stored centavos back to a decimal amount.
func money(c int64) decimal.Decimal { return decimal.New(c, -core.MoneyPlaces) }

// timeLayout is fixed-width so string comparison in SQL is
// chronological. RFC3339Nano drops trailing zeros, which would break
// that.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func timeText(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTimeText(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: timeText(*t), Valid: true}
}

func scanNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// placeholders renders "?,?,?" for IN clauses.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
