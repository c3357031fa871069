package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/dotsetgreg/companion/pkg/store"
)

// DB talks to a managed Postgres instance.
type DB struct {
	db *sql.DB
}

func NewDB(dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres db: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func placeholder(n int) string {
	return "$" + strconv.Itoa(n)
}

func (d *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chat_session (
			id            TEXT   PRIMARY KEY,
			user_id       TEXT   NOT NULL,
			created_at_ms BIGINT NOT NULL,
			seq           BIGSERIAL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_session_user ON chat_session(user_id, created_at_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS chat_turn (
			id            BIGSERIAL PRIMARY KEY,
			session_id    TEXT   NOT NULL,
			user_id       TEXT   NOT NULL DEFAULT '',
			sender        TEXT   NOT NULL,
			text          TEXT   NOT NULL,
			created_at_ms BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_turn_session ON chat_turn(session_id, id DESC)`,
		`CREATE TABLE IF NOT EXISTS memory_record (
			user_id        TEXT   NOT NULL,
			session_id     TEXT   NOT NULL,
			summary        TEXT   NOT NULL,
			last_update_ms BIGINT NOT NULL,
			PRIMARY KEY (user_id, session_id)
		)`,
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("init postgres schema: %w", err)
		}
	}
	return nil
}

func (d *DB) CreateSession(ctx context.Context, create *store.Session) (*store.Session, error) {
	stmt := `INSERT INTO chat_session (id, user_id, created_at_ms) VALUES ($1, $2, $3) RETURNING created_at_ms`
	var createdMS int64
	if err := d.db.QueryRowContext(ctx, stmt, create.ID, create.UserID, create.CreatedAt.UnixMilli()).Scan(&createdMS); err != nil {
		return nil, err
	}
	out := *create
	out.CreatedAt = time.UnixMilli(createdMS)
	return &out, nil
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.UserID; v != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	query := fmt.Sprintf(
		`SELECT id, user_id, created_at_ms FROM chat_session WHERE %s ORDER BY created_at_ms DESC, seq DESC`,
		strings.Join(where, " AND "),
	)
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var list []*store.Session
	for rows.Next() {
		var createdMS int64
		s := &store.Session{}
		if err := rows.Scan(&s.ID, &s.UserID, &createdMS); err != nil {
			return nil, err
		}
		s.CreatedAt = time.UnixMilli(createdMS)
		list = append(list, s)
	}
	return list, rows.Err()
}

func (d *DB) CreateTurn(ctx context.Context, create *store.Turn) (*store.Turn, error) {
	stmt := `INSERT INTO chat_turn (session_id, user_id, sender, text, created_at_ms)
	         VALUES ($1, $2, $3, $4, $5)
	         RETURNING id`
	out := *create
	if err := d.db.QueryRowContext(ctx, stmt,
		create.SessionID, create.UserID, string(create.Sender), create.Text, create.CreatedAt.UnixMilli(),
	).Scan(&out.ID); err != nil {
		return nil, err
	}
	out.CreatedAt = time.UnixMilli(create.CreatedAt.UnixMilli())
	return &out, nil
}

func (d *DB) ListTurns(ctx context.Context, find *store.FindTurn) ([]*store.Turn, error) {
	where, args := []string{"session_id = $1"}, []any{find.SessionID}
	if v := find.UserID; v != nil {
		where, args = append(where, "user_id = "+placeholder(len(args)+1)), append(args, *v)
	}
	if v := find.BeforeID; v != nil {
		where, args = append(where, "id < "+placeholder(len(args)+1)), append(args, *v)
	}
	order := "ASC"
	if find.Desc {
		order = "DESC"
	}
	query := fmt.Sprintf(
		`SELECT id, session_id, user_id, sender, text, created_at_ms
		 FROM chat_turn WHERE %s ORDER BY id %s`,
		strings.Join(where, " AND "), order,
	)
	if find.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", find.Limit)
	}
	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	list := []*store.Turn{}
	for rows.Next() {
		var createdMS int64
		var sender string
		t := &store.Turn{}
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserID, &sender, &t.Text, &createdMS); err != nil {
			return nil, err
		}
		t.Sender = store.Sender(sender)
		t.CreatedAt = time.UnixMilli(createdMS)
		list = append(list, t)
	}
	return list, rows.Err()
}

func (d *DB) DeleteTurns(ctx context.Context, del *store.DeleteTurn) error {
	_, err := d.db.ExecContext(ctx, `DELETE FROM chat_turn WHERE session_id = $1 AND user_id = $2`, del.SessionID, del.UserID)
	return err
}

func (d *DB) UpsertMemoryRecord(ctx context.Context, upsert *store.MemoryRecord) (*store.MemoryRecord, error) {
	stmt := `INSERT INTO memory_record (user_id, session_id, summary, last_update_ms)
	         VALUES ($1, $2, $3, $4)
	         ON CONFLICT (user_id, session_id) DO UPDATE SET
	             summary = EXCLUDED.summary,
	             last_update_ms = EXCLUDED.last_update_ms
	         RETURNING last_update_ms`
	var lastMS int64
	if err := d.db.QueryRowContext(ctx, stmt,
		upsert.UserID, upsert.SessionID, upsert.Summary, upsert.LastUpdate.UnixMilli(),
	).Scan(&lastMS); err != nil {
		return nil, err
	}
	out := *upsert
	out.LastUpdate = time.UnixMilli(lastMS)
	return &out, nil
}

func (d *DB) GetMemoryRecord(ctx context.Context, find *store.FindMemoryRecord) (*store.MemoryRecord, error) {
	var lastMS int64
	rec := &store.MemoryRecord{}
	err := d.db.QueryRowContext(ctx,
		`SELECT user_id, session_id, summary, last_update_ms FROM memory_record WHERE user_id = $1 AND session_id = $2`,
		find.UserID, find.SessionID,
	).Scan(&rec.UserID, &rec.SessionID, &rec.Summary, &lastMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	rec.LastUpdate = time.UnixMilli(lastMS)
	return rec, nil
}
