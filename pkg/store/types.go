package store

import "time"

// Sender identifies who authored a turn.
type Sender string

const (
	SenderUser Sender = "user"
	SenderAI   Sender = "ai"
)

func (s Sender) Valid() bool {
	return s == SenderUser || s == SenderAI
}

// Session is one durable conversation thread owned by a user.
type Session struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// Turn is a single persisted message. ID is assigned by the driver and
// increases monotonically within a database.
type Turn struct {
	ID        int64
	SessionID string
	UserID    string
	Sender    Sender
	Text      string
	CreatedAt time.Time
}

// MemoryRecord is the rolled-up summary of a session. There is at most
// one per (UserID, SessionID).
type MemoryRecord struct {
	UserID     string
	SessionID  string
	Summary    string
	LastUpdate time.Time
}

// FindSession filters for ListSessions. Results are newest-created first.
type FindSession struct {
	UserID *string
	Limit  int
}

// FindTurn filters for ListTurns.
type FindTurn struct {
	SessionID string
	UserID    *string
	// BeforeID keeps turns with id strictly less than the value.
	BeforeID *int64
	Desc     bool
	Limit    int
}

// DeleteTurn selects the turns removed by DeleteTurns.
type DeleteTurn struct {
	SessionID string
	UserID    string
}

type FindMemoryRecord struct {
	UserID    string
	SessionID string
}
