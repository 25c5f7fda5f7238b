package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/swap-cli/internal/errors"
	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"
)

const defaultListLimit = 20

// Store journals swap and approval attempts in sqlite. Writers from
// concurrent processes are serialized through a file lock.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
}

var journalSchema = []string{
	"PRAGMA journal_mode=WAL;",
	"PRAGMA synchronous=NORMAL;",
	`CREATE TABLE IF NOT EXISTS swap_actions (
		action_id  TEXT PRIMARY KEY,
		intent     TEXT NOT NULL,
		status     TEXT NOT NULL,
		chain_id   TEXT NOT NULL,
		tx_hash    TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		payload    BLOB NOT NULL
	);`,
	"CREATE INDEX IF NOT EXISTS idx_swap_actions_updated ON swap_actions(updated_at DESC);",
	"CREATE INDEX IF NOT EXISTS idx_swap_actions_tx ON swap_actions(tx_hash);",
}

func OpenStore(path, lockPath string) (*Store, error) {
	for _, dir := range []string{filepath.Dir(path), filepath.Dir(lockPath)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open journal sqlite: %w", err)
	}
	for _, q := range journalSchema {
		if _, err := db.Exec(q); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("init journal schema: %w", err)
		}
	}
	return &Store{db: db, lock: flock.New(lockPath)}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Save upserts action. The row keeps its first created_at.
func (s *Store) Save(ctx context.Context, action Action) error {
	if strings.TrimSpace(action.ActionID) == "" {
		return fmt.Errorf("save action: missing action id")
	}
	unlock, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	payload, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("marshal action: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO swap_actions (action_id, intent, status, chain_id, tx_hash, created_at, updated_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(action_id) DO UPDATE SET
			status=excluded.status,
			tx_hash=excluded.tx_hash,
			updated_at=excluded.updated_at,
			payload=excluded.payload
	`, action.ActionID, action.IntentType, action.Status, action.ChainID, action.txHash(),
		unixOrNow(action.CreatedAt), unixOrNow(action.UpdatedAt), payload)
	if err != nil {
		return fmt.Errorf("save action: %w", err)
	}
	return nil
}

func (s *Store) acquire(ctx context.Context) (func(), error) {
	lockCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	locked, err := s.lock.TryLockContext(lockCtx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("lock journal: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("lock journal: timeout acquiring lock")
	}
	return func() { _ = s.lock.Unlock() }, nil
}

func (s *Store) Get(ctx context.Context, actionID string) (Action, error) {
	row := s.db.QueryRowContext(ctx, "SELECT payload FROM swap_actions WHERE action_id = ?", actionID)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("action not found: %s", actionID))
	}
	return action, err
}

// FindByTxHash returns the most recent action whose swap or approval landed
// in hash.
func (s *Store) FindByTxHash(ctx context.Context, hash string) (Action, error) {
	needle := strings.ToLower(strings.TrimSpace(hash))
	row := s.db.QueryRowContext(ctx, "SELECT payload FROM swap_actions WHERE tx_hash = ? ORDER BY updated_at DESC LIMIT 1", needle)
	action, err := scanAction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Action{}, clierr.New(clierr.CodeUsage, fmt.Sprintf("no action recorded for transaction %s", hash))
	}
	return action, err
}

// ListFilter narrows List. Empty fields match everything.
type ListFilter struct {
	Status  ActionStatus
	Intent  string
	ChainID string
	Limit   int
}

// List returns the most recently updated actions matching f.
func (s *Store) List(ctx context.Context, f ListFilter) ([]Action, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Intent != "" {
		where = append(where, "intent = ?")
		args = append(args, f.Intent)
	}
	if f.ChainID != "" {
		where = append(where, "chain_id = ?")
		args = append(args, f.ChainID)
	}
	query := "SELECT payload FROM swap_actions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query += " ORDER BY updated_at DESC, created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	actions := make([]Action, 0)
	for rows.Next() {
		action, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate action rows: %w", err)
	}
	return actions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (Action, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Action{}, err
		}
		return Action{}, fmt.Errorf("read action: %w", err)
	}
	var action Action
	if err := json.Unmarshal(payload, &action); err != nil {
		return Action{}, fmt.Errorf("decode action payload: %w", err)
	}
	return action, nil
}

func unixOrNow(v string) int64 {
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Now().UTC().Unix()
	}
	return t.UTC().Unix()
}
