package store

import "context"

// Driver is the persistence boundary. Each SQL dialect implements it with
// plain insert, filtered select, keyed upsert and filtered delete.
type Driver interface {
	Migrate(ctx context.Context) error
	Close() error

	CreateSession(ctx context.Context, create *Session) (*Session, error)
	ListSessions(ctx context.Context, find *FindSession) ([]*Session, error)

	CreateTurn(ctx context.Context, create *Turn) (*Turn, error)
	ListTurns(ctx context.Context, find *FindTurn) ([]*Turn, error)
	DeleteTurns(ctx context.Context, del *DeleteTurn) error

	UpsertMemoryRecord(ctx context.Context, upsert *MemoryRecord) (*MemoryRecord, error)
	// GetMemoryRecord returns nil, nil when no record exists.
	GetMemoryRecord(ctx context.Context, find *FindMemoryRecord) (*MemoryRecord, error)
}
