// Package review persists gray-zone verdicts for human review.
package review

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xweirdfor/xweirdfor/internal/pipeline"
	"github.com/xweirdfor/xweirdfor/internal/policy"
)

var (
	ErrNotFound        = errors.New("review item not found")
	ErrInvalidStatus   = errors.New("invalid review status")
	ErrAlreadyResolved = errors.New("review item already resolved")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusDismissed Status = "dismissed"
)

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToLower(s)); st {
	case StatusPending, StatusConfirmed, StatusDismissed:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

// Item is one queued verdict.
type Item struct {
	ID           int64           `json:"id"`
	RecordID     string          `json:"record_id"`
	Score        float64         `json:"score"`
	Risk         string          `json:"risk"`
	Disagreement float64         `json:"disagreement"`
	Rules        []string        `json:"rules"`
	Verdict      json.RawMessage `json:"verdict"`
	Status       Status          `json:"status"`
	Note         string          `json:"note,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

type Query struct {
	Status Status
	Limit  int
	Offset int
}

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS review_items (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id     TEXT NOT NULL,
    score         REAL NOT NULL,
    risk          TEXT NOT NULL,
    disagreement  REAL NOT NULL DEFAULT 0.0,
    rules         TEXT NOT NULL DEFAULT '[]',
    verdict       TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    note          TEXT NOT NULL DEFAULT '',
    created_at    TEXT NOT NULL,
    resolved_at   TEXT
);
CREATE INDEX IF NOT EXISTS idx_review_status ON review_items(status, id);
CREATE INDEX IF NOT EXISTS idx_review_record ON review_items(record_id);
`,
	},
}

// Store is a SQLite-backed review queue. It implements pipeline.Reporter,
// enqueueing only gray-zone verdicts.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the queue database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Report(ctx context.Context, o pipeline.Outcome) error {
	if o.Verdict == nil || !o.Verdict.GrayZone {
		return nil
	}
	_, err := s.Enqueue(ctx, o.ID, *o.Verdict)
	return err
}

// Enqueue stores a verdict as a pending item and returns its ID.
func (s *Store) Enqueue(ctx context.Context, recordID string, v policy.Verdict) (int64, error) {
	verdict, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode verdict: %w", err)
	}
	ruleIDs := v.Rules
	if ruleIDs == nil {
		ruleIDs = []string{}
	}
	rules, err := json.Marshal(ruleIDs)
	if err != nil {
		return 0, fmt.Errorf("encode rules: %w", err)
	}

	result, err := s.db.ExecContext(ctx, `
        INSERT INTO review_items(record_id, score, risk, disagreement, rules, verdict, status, created_at)
        VALUES(?,?,?,?,?,?,?,?)
    `,
		recordID, v.Score, string(v.Risk), v.Evidence.Disagreement,
		string(rules), string(verdict), string(StatusPending),
		formatTime(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", recordID, err)
	}
	return result.LastInsertId()
}

const selectItem = `SELECT id,record_id,score,risk,disagreement,rules,verdict,status,note,created_at,resolved_at FROM review_items`

// List returns items oldest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, q Query) ([]Item, error) {
	query := selectItem + ` WHERE 1=1`
	args := []any{}
	if q.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	query += ` ORDER BY id ASC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d OFFSET %d`, q.Limit, q.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) Get(ctx context.Context, id int64) (Item, error) {
	item, err := scanItem(s.db.QueryRowContext(ctx, selectItem+` WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return item, err
}

// Resolve closes a pending item as confirmed or dismissed.
func (s *Store) Resolve(ctx context.Context, id int64, status Status, note string) error {
	if status != StatusConfirmed && status != StatusDismissed {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM review_items WHERE id=?`, id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	if Status(current) != StatusPending {
		return fmt.Errorf("%w: %d is %s", ErrAlreadyResolved, id, current)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE review_items SET status=?, note=?, resolved_at=? WHERE id=?`,
		string(status), note, formatTime(s.now()), id); err != nil {
		return err
	}
	return tx.Commit()
}

// Counts returns the number of items per status.
func (s *Store) Counts(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM review_items GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[Status]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (Item, error) {
	var (
		item              Item
		rules, verdict    string
		status, createdAt string
		resolvedAt        sql.NullString
	)
	if err := row.Scan(&item.ID, &item.RecordID, &item.Score, &item.Risk, &item.Disagreement,
		&rules, &verdict, &status, &item.Note, &createdAt, &resolvedAt); err != nil {
		return Item{}, err
	}
	if err := json.Unmarshal([]byte(rules), &item.Rules); err != nil {
		return Item{}, fmt.Errorf("decode rules for item %d: %w", item.ID, err)
	}
	item.Verdict = json.RawMessage(verdict)
	item.Status = Status(status)
	item.CreatedAt, _ = parseTime(createdAt)
	if resolvedAt.Valid {
		t, err := parseTime(resolvedAt.String)
		if err == nil {
			item.ResolvedAt = &t
		}
	}
	return item, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
