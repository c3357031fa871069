package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterResetInterval = time.Hour

// limiterSet hands out one token bucket per user. The whole set is
// dropped every limiterResetInterval so idle users do not accumulate.
type limiterSet struct {
	perMinute int

	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	lastCleanup time.Time
}

func newLimiterSet(perMinute int) *limiterSet {
	return &limiterSet{
		perMinute:   perMinute,
		limiters:    make(map[string]*rate.Limiter),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether userID may send now. A non-positive rate disables
// limiting.
func (s *limiterSet) Allow(userID string) bool {
	if s == nil || s.perMinute <= 0 {
		return true
	}
	return s.get(userID).Allow()
}

func (s *limiterSet) get(userID string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	if time.Since(s.lastCleanup) > limiterResetInterval {
		s.limiters = make(map[string]*rate.Limiter)
		s.lastCleanup = time.Now()
	}

	limiter, ok := s.limiters[userID]
	if !ok {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(s.perMinute)), s.perMinute)
		s.limiters[userID] = limiter
	}
	return limiter
}
