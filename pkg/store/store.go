package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/companion/pkg/logger"
)

const (
	// DefaultPageSize is the number of turns fetched per history page.
	DefaultPageSize = 50

	asyncWriteTimeout = 30 * time.Second
)

var ErrInvalidTurn = errors.New("invalid turn")

// Page is one ascending slice of history. HasMore is true when the fetch
// returned a full page, which implies older turns may exist.
type Page struct {
	Turns   []*Turn
	HasMore bool
}

// Oldest returns the id of the first turn, or 0 for an empty page.
func (p Page) Oldest() int64 {
	if len(p.Turns) == 0 {
		return 0
	}
	return p.Turns[0].ID
}

// Store implements paginated history and fire-and-forget writes on top of
// a Driver. It keeps no cache: every page is a fresh read.
type Store struct {
	driver   Driver
	pageSize int
	pending  sync.WaitGroup

	// tails holds the completion channel of the newest queued write per
	// session; each async write waits for its predecessor.
	tailMu sync.Mutex
	tails  map[string]chan struct{}
}

type Option func(*Store)

// WithPageSize overrides DefaultPageSize; values below 1 are ignored.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = n
		}
	}
}

func New(driver Driver, opts ...Option) *Store {
	s := &Store{driver: driver, pageSize: DefaultPageSize, tails: make(map[string]chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) PageSize() int { return s.pageSize }

func (s *Store) Driver() Driver { return s.driver }

// LoadInitialPage returns the newest page of a session, oldest-first.
func (s *Store) LoadInitialPage(ctx context.Context, sessionID string) (Page, error) {
	return s.loadPage(ctx, sessionID, nil)
}

// LoadOlderPage returns up to one page of turns with id < beforeID,
// oldest-first. Callers prepend the result to what they already hold.
func (s *Store) LoadOlderPage(ctx context.Context, sessionID string, beforeID int64) (Page, error) {
	if beforeID <= 0 {
		return Page{}, fmt.Errorf("load older page: before id must be positive, got %d", beforeID)
	}
	return s.loadPage(ctx, sessionID, &beforeID)
}

func (s *Store) loadPage(ctx context.Context, sessionID string, beforeID *int64) (Page, error) {
	turns, err := s.driver.ListTurns(ctx, &FindTurn{
		SessionID: sessionID,
		BeforeID:  beforeID,
		Desc:      true,
		Limit:     s.pageSize,
	})
	if err != nil {
		return Page{}, fmt.Errorf("list turns for session %s: %w", sessionID, err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return Page{Turns: turns, HasMore: len(turns) == s.pageSize}, nil
}

// ListAllTurns returns the full transcript of a session, oldest-first.
func (s *Store) ListAllTurns(ctx context.Context, sessionID string) ([]*Turn, error) {
	turns, err := s.driver.ListTurns(ctx, &FindTurn{SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("list transcript for session %s: %w", sessionID, err)
	}
	return turns, nil
}

// AppendTurn persists one turn synchronously.
func (s *Store) AppendTurn(ctx context.Context, sessionID, userID string, sender Sender, text string) (*Turn, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, fmt.Errorf("%w: session id is required", ErrInvalidTurn)
	}
	if !sender.Valid() {
		return nil, fmt.Errorf("%w: unknown sender %q", ErrInvalidTurn, sender)
	}
	turn, err := s.driver.CreateTurn(ctx, &Turn{
		SessionID: sessionID,
		UserID:    userID,
		Sender:    sender,
		Text:      text,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("append %s turn: %w", sender, err)
	}
	return turn, nil
}

// AppendTurnAsync persists a turn without blocking the caller. Writes for
// one session land in call order. Failures are logged; onDone, when set,
// receives the confirmed outcome.
func (s *Store) AppendTurnAsync(ctx context.Context, sessionID, userID string, sender Sender, text string, onDone func(*Turn, error)) {
	prev, done := s.enqueue(sessionID)

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		if prev != nil {
			<-prev
		}
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), asyncWriteTimeout)
		turn, err := s.AppendTurn(writeCtx, sessionID, userID, sender, text)
		cancel()
		s.release(sessionID, done)

		if err != nil {
			logger.WarnCF("store", "Background turn write failed", map[string]interface{}{
				"session_id": sessionID,
				"sender":     string(sender),
				"error":      err.Error(),
			})
		}
		if onDone != nil {
			onDone(turn, err)
		}
	}()
}

// Wait blocks until every AppendTurnAsync write has settled.
func (s *Store) Wait() {
	s.pending.Wait()
}

// enqueue takes the next slot in a session's write queue. The caller runs
// once prev (if any) is closed and must release done afterwards.
func (s *Store) enqueue(sessionID string) (prev <-chan struct{}, done chan struct{}) {
	s.tailMu.Lock()
	defer s.tailMu.Unlock()
	prev = s.tails[sessionID]
	done = make(chan struct{})
	s.tails[sessionID] = done
	return prev, done
}

func (s *Store) release(sessionID string, done chan struct{}) {
	s.tailMu.Lock()
	if s.tails[sessionID] == done {
		delete(s.tails, sessionID)
	}
	s.tailMu.Unlock()
	close(done)
}

// ClearSession deletes every turn of the (session, user) pair. It queues
// behind writes already accepted for the session, so none of them lands
// after the delete.
func (s *Store) ClearSession(ctx context.Context, sessionID, userID string) error {
	prev, done := s.enqueue(sessionID)
	defer s.release(sessionID, done)
	if prev != nil {
		<-prev
	}
	if err := s.driver.DeleteTurns(ctx, &DeleteTurn{SessionID: sessionID, UserID: userID}); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	return nil
}

// LatestSession returns the most recently created session of a user, or
// nil when the user has none.
func (s *Store) LatestSession(ctx context.Context, userID string) (*Session, error) {
	list, err := s.driver.ListSessions(ctx, &FindSession{UserID: &userID, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("find latest session: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

func (s *Store) CreateSession(ctx context.Context, create *Session) (*Session, error) {
	if create.CreatedAt.IsZero() {
		create.CreatedAt = time.Now()
	}
	session, err := s.driver.CreateSession(ctx, create)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Store) GetMemoryRecord(ctx context.Context, userID, sessionID string) (*MemoryRecord, error) {
	rec, err := s.driver.GetMemoryRecord(ctx, &FindMemoryRecord{UserID: userID, SessionID: sessionID})
	if err != nil {
		return nil, fmt.Errorf("get memory record: %w", err)
	}
	return rec, nil
}

func (s *Store) UpsertMemoryRecord(ctx context.Context, userID, sessionID, summary string) (*MemoryRecord, error) {
	rec, err := s.driver.UpsertMemoryRecord(ctx, &MemoryRecord{
		UserID:     userID,
		SessionID:  sessionID,
		Summary:    summary,
		LastUpdate: time.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("upsert memory record: %w", err)
	}
	return rec, nil
}

// Close waits for background writes, then closes the driver.
func (s *Store) Close() error {
	s.pending.Wait()
	return s.driver.Close()
}
