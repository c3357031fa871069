package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/metrics"
	"github.com/dotsetgreg/companion/pkg/store"
)

const (
	DefaultEvery   = 2
	summaryTimeout = 2 * time.Minute
)

// Repository is the slice of the store the trigger reads and writes.
type Repository interface {
	ListAllTurns(ctx context.Context, sessionID string) ([]*store.Turn, error)
	UpsertMemoryRecord(ctx context.Context, userID, sessionID, summary string) (*store.MemoryRecord, error)
}

// Trigger rolls a session's turns into its memory record every few
// completed turns. Runs are asynchronous and best-effort: failures are
// logged and never retried.
type Trigger struct {
	repo      Repository
	summarize SummaryFunc
	every     int
	metrics   *metrics.Metrics

	mu       sync.Mutex
	inflight map[string]struct{}
	wg       sync.WaitGroup
}

type TriggerOption func(*Trigger)

// WithEvery sets the turn interval; values below 1 keep DefaultEvery.
func WithEvery(n int) TriggerOption {
	return func(t *Trigger) {
		if n > 0 {
			t.every = n
		}
	}
}

func WithMetrics(m *metrics.Metrics) TriggerOption {
	return func(t *Trigger) { t.metrics = m }
}

func NewTrigger(repo Repository, summarize SummaryFunc, opts ...TriggerOption) *Trigger {
	t := &Trigger{
		repo:      repo,
		summarize: summarize,
		every:     DefaultEvery,
		inflight:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// ShouldSummarize reports whether turnCount is a positive multiple of every.
func ShouldSummarize(turnCount, every int) bool {
	if every <= 0 {
		every = DefaultEvery
	}
	return turnCount > 0 && turnCount%every == 0
}

func (t *Trigger) ShouldSummarize(turnCount int) bool {
	return ShouldSummarize(turnCount, t.every)
}

// MaybeSummarize starts a background summarization when turnCount is on a
// boundary. It returns true when a run was started. A run already in
// flight for the same pair causes this trigger to be dropped.
func (t *Trigger) MaybeSummarize(ctx context.Context, userID, sessionID string, turnCount int) bool {
	if t == nil || !t.ShouldSummarize(turnCount) {
		return false
	}
	key := userID + "\x00" + sessionID

	t.mu.Lock()
	if _, busy := t.inflight[key]; busy {
		t.mu.Unlock()
		t.metrics.Summary("skipped")
		logger.DebugCF("memory", "Summarization already running; trigger dropped", map[string]interface{}{
			"session_id": sessionID,
			"turn_count": turnCount,
		})
		return false
	}
	t.inflight[key] = struct{}{}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		defer func() {
			t.mu.Lock()
			delete(t.inflight, key)
			t.mu.Unlock()
		}()

		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), summaryTimeout)
		defer cancel()
		if err := t.Summarize(runCtx, userID, sessionID); err != nil {
			logger.WarnCF("memory", "Summarization failed", map[string]interface{}{
				"session_id": sessionID,
				"turn_count": turnCount,
				"error":      err.Error(),
			})
		}
	}()
	return true
}

// Summarize reads the whole transcript, summarizes it and upserts the
// memory record for (userID, sessionID).
func (t *Trigger) Summarize(ctx context.Context, userID, sessionID string) error {
	if t.summarize == nil {
		return fmt.Errorf("summarizer not configured")
	}
	turns, err := t.repo.ListAllTurns(ctx, sessionID)
	if err != nil {
		t.metrics.Summary("error")
		return err
	}
	transcript := BuildTranscript(turns)
	if transcript == "" {
		t.metrics.Summary("skipped")
		return nil
	}

	summary, err := t.summarize(ctx, transcript)
	if err != nil {
		t.metrics.Summary("error")
		return err
	}
	if strings.TrimSpace(summary) == "" {
		t.metrics.Summary("skipped")
		logger.WarnCF("memory", "Summarizer returned empty text; keeping previous record", map[string]interface{}{
			"session_id": sessionID,
		})
		return nil
	}

	if _, err := t.repo.UpsertMemoryRecord(ctx, userID, sessionID, summary); err != nil {
		t.metrics.Summary("error")
		return err
	}
	t.metrics.Summary("ok")
	logger.InfoCF("memory", "Memory record updated", map[string]interface{}{
		"session_id":     sessionID,
		"turns":          len(turns),
		"summary_length": len(summary),
	})
	return nil
}

// Wait blocks until every background run has finished.
func (t *Trigger) Wait() {
	if t == nil {
		return
	}
	t.wg.Wait()
}
