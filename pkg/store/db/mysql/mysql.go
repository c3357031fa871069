package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql"

	"github.com/dotsetgreg/companion/pkg/store"
)

type DB struct {
	db *sql.DB
}

func NewDB(dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("mysql dsn is required")
	}
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql db: %w", err)
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
		"CREATE TABLE IF NOT EXISTS `chat_session` (" +
			"`seq` BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY," +
			"`id` VARCHAR(64) NOT NULL UNIQUE," +
			"`user_id` VARCHAR(256) NOT NULL," +
			"`created_at_ms` BIGINT NOT NULL," +
			"INDEX `idx_chat_session_user` (`user_id`, `created_at_ms`))",
		"CREATE TABLE IF NOT EXISTS `chat_turn` (" +
			"`id` BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY," +
			"`session_id` VARCHAR(64) NOT NULL," +
			"`user_id` VARCHAR(256) NOT NULL DEFAULT ''," +
			"`sender` VARCHAR(16) NOT NULL," +
			"`text` LONGTEXT NOT NULL," +
			"`created_at_ms` BIGINT NOT NULL," +
			"INDEX `idx_chat_turn_session` (`session_id`, `id`))",
		"CREATE TABLE IF NOT EXISTS `memory_record` (" +
			"`user_id` VARCHAR(256) NOT NULL," +
			"`session_id` VARCHAR(64) NOT NULL," +
			"`summary` LONGTEXT NOT NULL," +
			"`last_update_ms` BIGINT NOT NULL," +
			"PRIMARY KEY (`user_id`, `session_id`))",
	}
	for _, s := range stmts {
		if _, err := d.db.ExecContext(ctx, s); err != nil {
			return fmt.Errorf("init mysql schema: %w", err)
		}
	}
	return nil
}

func (d *DB) CreateSession(ctx context.Context, create *store.Session) (*store.Session, error) {
	stmt := "INSERT INTO `chat_session` (`id`, `user_id`, `created_at_ms`) VALUES (?, ?, ?)"
	if _, err := d.db.ExecContext(ctx, stmt, create.ID, create.UserID, create.CreatedAt.UnixMilli()); err != nil {
		return nil, err
	}
	out := *create
	out.CreatedAt = time.UnixMilli(create.CreatedAt.UnixMilli())
	return &out, nil
}

func (d *DB) ListSessions(ctx context.Context, find *store.FindSession) ([]*store.Session, error) {
	where, args := []string{"1 = 1"}, []any{}
	if v := find.UserID; v != nil {
		where, args = append(where, "`user_id` = ?"), append(args, *v)
	}
	query := fmt.Sprintf(
		"SELECT `id`, `user_id`, `created_at_ms` FROM `chat_session` WHERE %s ORDER BY `created_at_ms` DESC, `seq` DESC",
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
	stmt := "INSERT INTO `chat_turn` (`session_id`, `user_id`, `sender`, `text`, `created_at_ms`) VALUES (?, ?, ?, ?, ?)"
	result, err := d.db.ExecContext(ctx, stmt,
		create.SessionID, create.UserID, string(create.Sender), create.Text, create.CreatedAt.UnixMilli())
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	out := *create
	out.ID = id
	out.CreatedAt = time.UnixMilli(create.CreatedAt.UnixMilli())
	return &out, nil
}

func (d *DB) ListTurns(ctx context.Context, find *store.FindTurn) ([]*store.Turn, error) {
	where, args := []string{"`session_id` = ?"}, []any{find.SessionID}
	if v := find.UserID; v != nil {
		where, args = append(where, "`user_id` = ?"), append(args, *v)
	}
	if v := find.BeforeID; v != nil {
		where, args = append(where, "`id` < ?"), append(args, *v)
	}
	order := "ASC"
	if find.Desc {
		order = "DESC"
	}
	query := fmt.Sprintf(
		"SELECT `id`, `session_id`, `user_id`, `sender`, `text`, `created_at_ms` FROM `chat_turn` WHERE %s ORDER BY `id` %s",
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
	_, err := d.db.ExecContext(ctx, "DELETE FROM `chat_turn` WHERE `session_id` = ? AND `user_id` = ?", del.SessionID, del.UserID)
	return err
}

func (d *DB) UpsertMemoryRecord(ctx context.Context, upsert *store.MemoryRecord) (*store.MemoryRecord, error) {
	stmt := "INSERT INTO `memory_record` (`user_id`, `session_id`, `summary`, `last_update_ms`) VALUES (?, ?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE `summary` = VALUES(`summary`), `last_update_ms` = VALUES(`last_update_ms`)"
	if _, err := d.db.ExecContext(ctx, stmt,
		upsert.UserID, upsert.SessionID, upsert.Summary, upsert.LastUpdate.UnixMilli()); err != nil {
		return nil, err
	}
	out := *upsert
	out.LastUpdate = time.UnixMilli(upsert.LastUpdate.UnixMilli())
	return &out, nil
}

func (d *DB) GetMemoryRecord(ctx context.Context, find *store.FindMemoryRecord) (*store.MemoryRecord, error) {
	var lastMS int64
	rec := &store.MemoryRecord{}
	err := d.db.QueryRowContext(ctx,
		"SELECT `user_id`, `session_id`, `summary`, `last_update_ms` FROM `memory_record` WHERE `user_id` = ? AND `session_id` = ?",
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
