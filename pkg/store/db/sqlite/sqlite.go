package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dotsetgreg/companion/pkg/store"
)

// DB is the default local driver, a single-file modernc sqlite database.
type DB struct {
	db *sql.DB
}

// NewDB opens (creating if needed) the database at path.
func NewDB(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create chat db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One shared connection keeps writers from contending on the file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA busy_timeout=5000;`,
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", stmt, err)
		}
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_session (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_session_user_idx ON chat_session(user_id, created_at_ms DESC);`,
		`CREATE TABLE IF NOT EXISTS chat_turn (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id TEXT NOT NULL,
			user_id TEXT NOT NULL DEFAULT '',
			sender TEXT NOT NULL,
			text TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS chat_turn_session_idx ON chat_turn(session_id, id DESC);`,
		`CREATE TABLE IF NOT EXISTS memory_record (
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			summary TEXT NOT NULL,
			last_update_ms INTEGER NOT NULL,
			PRIMARY KEY (user_id, session_id)
		);`,
	}
	for _, stmt := range stmts {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init sqlite schema failed on %q: %w", trimSQL(stmt), err)
		}
	}
	return nil
}

func trimSQL(sql string) string {
	line := strings.TrimSpace(sql)
	if len(line) > 96 {
		return line[:96] + "..."
	}
	return line
}

func (d *DB) CreateSession(ctx context.Context, create *store.Session) (*store.Session, error) {
	_, err := d.db.ExecContext(ctx,
		`INSERT INTO chat_session(id, user_id, created_at_ms) VALUES(?, ?, ?)`,
		create.ID, create.UserID, create.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	out := *create
	out.CreatedAt = time.UnixMilli(create.CreatedAt.UnixMilli())
	return &out, nil
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.UserID; v != nil {
		where, args = append(where, "user_id = ?"), append(args, *v)
	}
	query := fmt.Sprintf(`SELECT id, user_id, created_at_ms FROM chat_session WHERE %s ORDER BY created_at_ms DESC, rowid DESC`,
		strings.Join(where, " AND "))
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var list []*store.Session
	for rows.Next() {
		var createdMS int64
		s := &store.Session{}
		if err := rows.Scan(&s.ID, &s.UserID, &createdMS); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.CreatedAt = time.UnixMilli(createdMS)
		list = append(list, s)
	}
	return list, rows.Err()
}

func (d *DB) CreateTurn(ctx context.Context, create *store.Turn) (*store.Turn, error) {
	res, err := d.db.ExecContext(ctx,
		`INSERT INTO chat_turn(session_id, user_id, sender, text, created_at_ms) VALUES(?, ?, ?, ?, ?)`,
		create.SessionID, create.UserID, string(create.Sender), create.Text, create.CreatedAt.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read turn id: %w", err)
	}
	out := *create
	out.ID = id
	out.CreatedAt = time.UnixMilli(create.CreatedAt.UnixMilli())
	return &out, nil
}

func (d *DB) ListTurns(ctx context.Context, find *store.FindTurn) ([]*store.Turn, error) {
	where, args := []string{"session_id = ?"}, []any{find.SessionID}
	if v := find.UserID; v != nil {
		where, args = append(where, "user_id = ?"), append(args, *v)
	}
	if v := find.BeforeID; v != nil {
		where, args = append(where, "id < ?"), append(args, *v)
	}
	order := "ASC"
	if find.Desc {
		order = "DESC"
	}
	query := fmt.Sprintf(`SELECT id, session_id, user_id, sender, text, created_at_ms FROM chat_turn WHERE %s ORDER BY id %s`,
		strings.Join(where, " AND "), order)
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	list := []*store.Turn{}
	for rows.Next() {
		var createdMS int64
		var sender string
		t := &store.Turn{}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &sender, &t.Text, &createdMS); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Sender = store.Sender(sender)
		t.CreatedAt = time.UnixMilli(createdMS)
		list = append(list, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return list, nil
}

func (d *DB) DeleteTurns(ctx context.Context, del *store.DeleteTurn) error {
	if _, err := d.db.ExecContext(ctx, `DELETE FROM chat_turn WHERE session_id = ? AND user_id = ?`, del.SessionID, del.UserID); err != nil {
		return fmt.Errorf("delete turns: %w", err)
	}
	return nil
}

func (d *DB) UpsertMemoryRecord(ctx context.Context, upsert *store.MemoryRecord) (*store.MemoryRecord, error) {
	_, err := d.db.ExecContext(ctx, `
INSERT INTO memory_record(user_id, session_id, summary, last_update_ms)
VALUES(?, ?, ?, ?)
ON CONFLICT(user_id, session_id) DO UPDATE SET
	summary = excluded.summary,
	last_update_ms = excluded.last_update_ms`,
		upsert.UserID, upsert.SessionID, upsert.Summary, upsert.LastUpdate.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("upsert memory record: %w", err)
	}
	out := *upsert
	out.LastUpdate = time.UnixMilli(upsert.LastUpdate.UnixMilli())
	return &out, nil
}

func (d *DB) GetMemoryRecord(ctx context.Context, find *store.FindMemoryRecord) (*store.MemoryRecord, error) {
	row := d.db.QueryRowContext(ctx, `
SELECT user_id, session_id, summary, last_update_ms
FROM memory_record WHERE user_id = ? AND session_id = ?`, find.UserID, find.SessionID)
	var lastMS int64
	rec := &store.MemoryRecord{}
	if err := row.Scan(&rec.UserID, &rec.SessionID, &rec.Summary, &lastMS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get memory record: %w", err)
	}
	rec.LastUpdate = time.UnixMilli(lastMS)
	return rec, nil
}
