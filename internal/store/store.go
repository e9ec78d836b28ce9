// Package store persists accounts, transaction records, processed mention
// ids and pipeline state in SQLite.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"mentionbot/internal/domain"
	"mentionbot/internal/idempotency"
)

// ErrNotFound is returned when a keyed row does not exist.
var ErrNotFound = errors.New("not found")

// Store is a SQLite-backed store. It implements domain.TransactionRecorder.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Account maps a handle to its ledger account.
type Account struct {
	Handle     string    `json:"handle"`
	AccountID  string    `json:"account_id"`
	ExternalID string    `json:"external_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// MentionLog is one handled mention, kept for operators.
type MentionLog struct {
	MentionID    string    `json:"mention_id"`
	Source       string    `json:"source"`
	AuthorHandle string    `json:"author_handle"`
	Command      string    `json:"command"`
	Rule         string    `json:"rule"`
	Outcome      string    `json:"outcome"`
	Reply        string    `json:"reply"`
	CreatedAt    time.Time `json:"created_at"`
}

// Open opens (creating if needed) the database at dbPath and migrates it.
func Open(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := RunMigrations(db, logger); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying handle for diagnostics.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Snapshot writes a consistent copy of the database to path, which must not
// exist. Safe while other connections are writing.
func (s *Store) Snapshot(ctx context.Context, path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("snapshot target %s already exists", path)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("vacuum into: %w", err)
	}
	return nil
}

func normHandle(h string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(h), "@"))
}

// --- Accounts ---

// AccountID returns the account linked to handle, or "" if none.
func (s *Store) AccountID(ctx context.Context, handle string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT account_id FROM accounts WHERE handle = ?`, normHandle(handle),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query account: %w", err)
	}
	return id, nil
}

// SaveAccount links a handle to an account, replacing any previous link.
func (s *Store) SaveAccount(ctx context.Context, a Account) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (handle, account_id, external_id, source, created_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(handle) DO UPDATE SET account_id = excluded.account_id,
		   external_id = excluded.external_id, source = excluded.source`,
		normHandle(a.Handle), a.AccountID, a.ExternalID, a.Source, a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

func (s *Store) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT handle, account_id, external_id, source, created_at FROM accounts ORDER BY handle`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.Handle, &a.AccountID, &a.ExternalID, &a.Source, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// --- Transactions ---

func (s *Store) RecordTransaction(ctx context.Context, rec domain.TransactionRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transactions (id, sender, receiver, tx_id, kind, amount, unit, memo, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Sender, rec.Receiver, rec.TxID, rec.Kind, rec.Amount, rec.Unit, rec.Memo, rec.Status, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

// Transactions returns the newest records where party is sender or receiver.
func (s *Store) Transactions(ctx context.Context, party string, limit int) ([]domain.TransactionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, sender, receiver, tx_id, kind, amount, unit, memo, status, created_at
		 FROM transactions WHERE sender = ? OR receiver = ?
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		party, party, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.TransactionRecord
	for rows.Next() {
		var r domain.TransactionRecord
		if err := rows.Scan(&r.ID, &r.Sender, &r.Receiver, &r.TxID, &r.Kind, &r.Amount, &r.Unit, &r.Memo, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Processed mentions ---

// SaveProcessed replaces the stored processed-id set with recs.
func (s *Store) SaveProcessed(ctx context.Context, recs []idempotency.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM processed_mentions`); err != nil {
		return fmt.Errorf("clear processed: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO processed_mentions (mention_id, processed_at, skipped) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()
	for _, r := range recs {
		skipped := 0
		if r.Skipped {
			skipped = 1
		}
		if _, err := stmt.ExecContext(ctx, r.ID, r.ProcessedAt.UnixMilli(), skipped); err != nil {
			return fmt.Errorf("insert processed %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

// LoadProcessed returns the stored processed ids, oldest first.
func (s *Store) LoadProcessed(ctx context.Context) ([]idempotency.Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT mention_id, processed_at, skipped FROM processed_mentions ORDER BY processed_at, mention_id`)
	if err != nil {
		return nil, fmt.Errorf("load processed: %w", err)
	}
	defer rows.Close()

	var out []idempotency.Record
	for rows.Next() {
		var (
			id      string
			millis  int64
			skipped int
		)
		if err := rows.Scan(&id, &millis, &skipped); err != nil {
			return nil, err
		}
		out = append(out, idempotency.Record{ID: id, ProcessedAt: time.UnixMilli(millis).UTC(), Skipped: skipped != 0})
	}
	return out, rows.Err()
}

// --- Pipeline state ---

// State returns the value stored under key, or ErrNotFound.
func (s *Store) State(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM pipeline_state WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query state %s: %w", key, err)
	}
	return v, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_state (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// --- Mention log ---

func (s *Store) LogMention(ctx context.Context, l MentionLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO mention_log (mention_id, source, author_handle, command, rule, outcome, reply, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		l.MentionID, l.Source, normHandle(l.AuthorHandle), l.Command, l.Rule, l.Outcome, l.Reply, l.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("log mention: %w", err)
	}
	return nil
}

// MentionHistory returns the newest handled mentions of handle, or of
// everyone when handle is empty.
func (s *Store) MentionHistory(ctx context.Context, handle string, limit int) ([]MentionLog, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT mention_id, source, author_handle, command, rule, outcome, reply, created_at
		FROM mention_log`
	args := []any{}
	if handle != "" {
		query += ` WHERE author_handle = ?`
		args = append(args, normHandle(handle))
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query mention log: %w", err)
	}
	defer rows.Close()

	var out []MentionLog
	for rows.Next() {
		var l MentionLog
		if err := rows.Scan(&l.MentionID, &l.Source, &l.AuthorHandle, &l.Command, &l.Rule, &l.Outcome, &l.Reply, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}
