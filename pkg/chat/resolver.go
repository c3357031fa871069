package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/store"
)

var ErrNotAuthenticated = errors.New("not authenticated")

// SessionStore is the persistence the resolver needs.
type SessionStore interface {
	LatestSession(ctx context.Context, userID string) (*store.Session, error)
	CreateSession(ctx context.Context, create *store.Session) (*store.Session, error)
}

// SessionResolver maps a user to their current session id. Concurrent
// calls for one user share a single lookup, and the answer is cached for
// the resolver's lifetime so a user never gets two sessions.
type SessionResolver struct {
	store SessionStore
	group singleflight.Group
	newID func() string

	mu    sync.RWMutex
	cache map[string]string
}

func NewSessionResolver(s SessionStore) *SessionResolver {
	return &SessionResolver{
		store: s,
		newID: uuid.NewString,
		cache: make(map[string]string),
	}
}

// Resolve returns the newest session of userID, creating one if none
// exists. On failure no id is returned and nothing is cached.
func (r *SessionResolver) Resolve(ctx context.Context, userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrNotAuthenticated
	}

	r.mu.RLock()
	cached, ok := r.cache[userID]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := r.group.Do(userID, func() (interface{}, error) {
		r.mu.RLock()
		cached, ok := r.cache[userID]
		r.mu.RUnlock()
		if ok {
			return cached, nil
		}

		sessionID, err := r.lookupOrCreate(ctx, userID)
		if err != nil {
			return "", err
		}
		r.mu.Lock()
		r.cache[userID] = sessionID
		r.mu.Unlock()
		return sessionID, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (r *SessionResolver) lookupOrCreate(ctx context.Context, userID string) (string, error) {
	latest, err := r.store.LatestSession(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	if latest != nil {
		return latest.ID, nil
	}

	created, err := r.store.CreateSession(ctx, &store.Session{ID: r.newID(), UserID: userID})
	if err != nil {
		return "", fmt.Errorf("resolve session: %w", err)
	}
	logger.InfoCF("chat", "Created chat session", map[string]interface{}{
		"user_id":    userID,
		"session_id": created.ID,
	})
	return created.ID, nil
}
