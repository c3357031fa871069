package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/lithammer/shortuuid/v4"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/memory"
	"github.com/dotsetgreg/companion/pkg/metrics"
	"github.com/dotsetgreg/companion/pkg/providers"
	"github.com/dotsetgreg/companion/pkg/store"
)

var (
	ErrSendInProgress  = errors.New("a message is already being sent")
	ErrNotIdle         = errors.New("chat is busy; try again when the reply has finished")
	ErrChatUnavailable = errors.New("chat is unavailable")
	ErrClosed          = errors.New("chat view is closed")
)

// Phase is the send state of a controller.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseSending   Phase = "sending"
	PhaseStreaming Phase = "streaming"
	PhaseSettled   Phase = "settled"
)

// Busy reports whether a send is outstanding.
func (p Phase) Busy() bool {
	return p == PhaseSending || p == PhaseStreaming
}

// Outcome is what the hosting shell should do after Init.
type Outcome string

const (
	OutcomeReady         Outcome = "ready"
	OutcomeRedirectLogin Outcome = "redirect_login"
	OutcomeUnavailable   Outcome = "unavailable"
)

type SendStatus string

const (
	SendIgnored    SendStatus = "ignored"
	SendSucceeded  SendStatus = "succeeded"
	SendNoResponse SendStatus = "no_response"
	SendFailed     SendStatus = "failed"
)

// SendResult describes a settled send. Err carries the cause of a failed
// send; the user already sees it as the reply text.
type SendResult struct {
	Status   SendStatus
	UserTurn bus.TurnView
	Reply    bus.TurnView
	Err      error
}

// HistoryStore is the persistence the controller drives.
type HistoryStore interface {
	LoadInitialPage(ctx context.Context, sessionID string) (store.Page, error)
	LoadOlderPage(ctx context.Context, sessionID string, beforeID int64) (store.Page, error)
	AppendTurnAsync(ctx context.Context, sessionID, userID string, sender store.Sender, text string, onDone func(*store.Turn, error))
	ClearSession(ctx context.Context, sessionID, userID string) error
	GetMemoryRecord(ctx context.Context, userID, sessionID string) (*store.MemoryRecord, error)
}

type Resolver interface {
	Resolve(ctx context.Context, userID string) (string, error)
}

type Summarizer interface {
	MaybeSummarize(ctx context.Context, userID, sessionID string, turnCount int) bool
}

type Publisher interface {
	Publish(ev bus.Event)
}

// Deps are injected collaborators. Trigger, Bus and Metrics are optional.
type Deps struct {
	UserID   string
	Store    HistoryStore
	Streamer providers.Streamer
	Resolver Resolver
	Trigger  Summarizer
	Bus      Publisher
	Metrics  *metrics.Metrics
}

type Options struct {
	Model        string
	Temperature  float64
	TopP         float64
	SystemPrompt string
	// ContextTurns bounds how many recent turns are sent; 0 means all.
	ContextTurns int

	ThinkingText          string
	ErrorText             string
	NoResponseText        string
	MissingCredentialText string
	UnavailableText       string
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Model:                 cfg.LLM.Model,
		Temperature:           cfg.LLM.Temperature,
		TopP:                  cfg.LLM.TopP,
		SystemPrompt:          cfg.Chat.SystemPrompt,
		ContextTurns:          cfg.Chat.ContextTurns,
		ThinkingText:          cfg.Chat.ThinkingText,
		ErrorText:             cfg.Chat.ErrorText,
		NoResponseText:        cfg.Chat.NoResponseText,
		MissingCredentialText: cfg.Chat.MissingCredentialText,
	}
}

func (o Options) withDefaults() Options {
	if o.ThinkingText == "" {
		o.ThinkingText = "Thinking..."
	}
	if o.ErrorText == "" {
		o.ErrorText = "Sorry, something went wrong while responding. Please try again."
	}
	if o.NoResponseText == "" {
		o.NoResponseText = "No response received. Please try again."
	}
	if o.MissingCredentialText == "" {
		o.MissingCredentialText = "Chat is not configured: the AI service credential is missing."
	}
	if o.UnavailableText == "" {
		o.UnavailableText = "Chat is unavailable right now. Please reload and try again."
	}
	return o
}

// View is a point-in-time copy of the controller state for rendering.
type View struct {
	SessionID string
	Turns     []bus.TurnView
	Phase     Phase
	HasMore   bool
	TurnCount int
}

// Controller owns one conversation view: the rendered turn list, the
// context window, the pagination cursor and the completed-turn counter.
// Only the controller mutates them.
type Controller struct {
	deps Deps
	opts Options

	initMu sync.Mutex

	mu          sync.Mutex
	phase       Phase
	closed      bool
	sessionID   string
	turns       []bus.TurnView
	history     []providers.Message
	memoryEntry *providers.Message
	cursor      int64
	hasMore     bool
	loadingMore bool
	turnCount   int
	// epoch changes on Clear so late persistence callbacks are dropped.
	epoch uint64

	// outbox holds events raised under mu; unlock hands them to the bus
	// after releasing mu, in ticket order.
	outbox    []bus.Event
	issued    uint64
	pubMu     sync.Mutex
	pubCond   *sync.Cond
	delivered uint64
}

func NewController(deps Deps, opts Options) *Controller {
	c := &Controller{
		deps:  deps,
		opts:  opts.withDefaults(),
		phase: PhaseIdle,
	}
	c.pubCond = sync.NewCond(&c.pubMu)
	return c
}

// Init resolves the session once, loads the newest page of history and
// seeds the context window with it and with the memory record.
func (c *Controller) Init(ctx context.Context) (Outcome, error) {
	userID := strings.TrimSpace(c.deps.UserID)
	if userID == "" {
		return OutcomeRedirectLogin, nil
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return OutcomeUnavailable, ErrClosed
	}
	if c.sessionID != "" {
		c.unlock()
		return OutcomeReady, nil
	}
	c.unlock()

	sessionID, err := c.deps.Resolver.Resolve(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotAuthenticated) {
			return OutcomeRedirectLogin, nil
		}
		logger.ErrorCF("chat", "Session resolution failed; chat disabled", map[string]interface{}{
			"user_id": userID,
			"error":   err.Error(),
		})
		return OutcomeUnavailable, fmt.Errorf("%w: %v", ErrChatUnavailable, err)
	}

	page, err := c.deps.Store.LoadInitialPage(ctx, sessionID)
	if err != nil {
		logger.ErrorCF("chat", "Initial history load failed; chat disabled", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return OutcomeUnavailable, fmt.Errorf("%w: %v", ErrChatUnavailable, err)
	}

	var memoryEntry *providers.Message
	rec, err := c.deps.Store.GetMemoryRecord(ctx, userID, sessionID)
	if err != nil {
		logger.WarnCF("chat", "Memory record unavailable; continuing without it", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
	} else if msg, ok := memory.SystemEntry(rec); ok {
		memoryEntry = &msg
	}

	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return OutcomeUnavailable, ErrClosed
	}
	c.sessionID = sessionID
	c.memoryEntry = memoryEntry
	c.turns = make([]bus.TurnView, 0, len(page.Turns))
	c.history = make([]providers.Message, 0, len(page.Turns))
	for _, t := range page.Turns {
		c.turns = append(c.turns, viewOf(t))
		c.history = append(c.history, messageOf(t))
	}
	c.cursor = page.Oldest()
	c.hasMore = page.HasMore
	c.publishLocked(bus.Event{Kind: bus.EventTurnsPrepended, Turns: cloneTurns(c.turns)})

	logger.InfoCF("chat", "Chat session ready", map[string]interface{}{
		"session_id":  sessionID,
		"turns":       len(page.Turns),
		"has_more":    page.HasMore,
		"with_memory": memoryEntry != nil,
	})
	return OutcomeReady, nil
}

// Send runs one Idle -> Sending -> Streaming -> Settled cycle. Blank input
// is ignored. It returns an error only when the send was refused; failures
// after the optimistic turns are shown are reported in SendResult.
func (c *Controller) Send(ctx context.Context, input string) (SendResult, error) {
	text := strings.TrimSpace(input)
	if text == "" {
		return SendResult{Status: SendIgnored}, nil
	}

	c.mu.Lock()
	if c.closed {
		c.unlock()
		return SendResult{}, ErrClosed
	}
	if c.phase.Busy() {
		c.unlock()
		return SendResult{}, ErrSendInProgress
	}

	userTurn := bus.TurnView{LocalID: shortuuid.New(), Sender: string(store.SenderUser), Text: text, Pending: true}
	reply := bus.TurnView{LocalID: shortuuid.New(), Sender: string(store.SenderAI), Text: c.opts.ThinkingText, Pending: true}
	c.turns = append(c.turns, userTurn, reply)
	c.setPhaseLocked(PhaseSending)
	c.publishLocked(bus.Event{Kind: bus.EventTurnAppended, Turns: []bus.TurnView{userTurn, reply}})

	sessionID := c.sessionID
	epoch := c.epoch
	if sessionID == "" {
		res := c.failLocked(reply.LocalID, userTurn, c.opts.UnavailableText, ErrChatUnavailable)
		c.unlock()
		return res, nil
	}
	if !hasCredential(c.deps.Streamer) {
		res := c.failLocked(reply.LocalID, userTurn, c.opts.MissingCredentialText, providers.ErrMissingCredential)
		c.unlock()
		return res, nil
	}
	req := c.requestLocked(text)
	c.unlock()

	userID := c.deps.UserID
	c.deps.Store.AppendTurnAsync(ctx, sessionID, userID, store.SenderUser, text, c.confirm(epoch, userTurn.LocalID))

	c.mu.Lock()
	if !c.closed {
		c.setPhaseLocked(PhaseStreaming)
	}
	c.unlock()

	var accumulated strings.Builder
	chunks := 0
	streamErr := c.deps.Streamer.StreamCompletion(ctx, req, func(content string) {
		chunks++
		accumulated.WriteString(content)
		if accumulated.Len() == 0 {
			return
		}
		c.updateReply(reply.LocalID, accumulated.String())
	})
	final := accumulated.String()

	c.mu.Lock()
	defer c.unlock()

	if streamErr != nil {
		c.deps.Metrics.StreamFailed()
		logger.WarnCF("chat", "Completion stream failed", map[string]interface{}{
			"session_id": sessionID,
			"chunks":     chunks,
			"error":      streamErr.Error(),
		})
		if errors.Is(streamErr, providers.ErrMissingCredential) {
			return c.failLocked(reply.LocalID, userTurn, c.opts.MissingCredentialText, streamErr), nil
		}
		return c.failLocked(reply.LocalID, userTurn, c.opts.ErrorText, streamErr), nil
	}
	c.deps.Metrics.StreamFinished(chunks)

	if final == "" {
		res := c.failLocked(reply.LocalID, userTurn, c.opts.NoResponseText, nil)
		res.Status = SendNoResponse
		return res, nil
	}

	if c.closed {
		// The view is gone but the reply is real; keep it durable.
		c.deps.Store.AppendTurnAsync(ctx, sessionID, userID, store.SenderAI, final, nil)
		return SendResult{Status: SendSucceeded, UserTurn: userTurn, Reply: bus.TurnView{LocalID: reply.LocalID, Sender: reply.Sender, Text: final}}, nil
	}

	settled := c.patchTurnLocked(reply.LocalID, func(t *bus.TurnView) { t.Text = final })
	c.history = append(c.history,
		providers.Message{Role: providers.RoleUser, Content: text},
		providers.Message{Role: providers.RoleAssistant, Content: final},
	)
	c.turnCount++
	count := c.turnCount
	confirmReply := c.confirm(epoch, reply.LocalID)
	c.deps.Store.AppendTurnAsync(ctx, sessionID, userID, store.SenderAI, final, func(turn *store.Turn, err error) {
		confirmReply(turn, err)
		// Summarize once the reply is durable so the transcript includes it.
		if err == nil && c.deps.Trigger != nil && c.inEpoch(epoch) {
			c.deps.Trigger.MaybeSummarize(ctx, userID, sessionID, count)
		}
	})
	c.setPhaseLocked(PhaseSettled)

	return SendResult{Status: SendSucceeded, UserTurn: userTurn, Reply: settled}, nil
}

// failLocked settles the pending reply with a visible message. Nothing is
// persisted for it and the context window is unchanged.
func (c *Controller) failLocked(replyID string, userTurn bus.TurnView, message string, cause error) SendResult {
	res := SendResult{Status: SendFailed, UserTurn: userTurn, Err: cause}
	if c.closed {
		res.Reply = bus.TurnView{LocalID: replyID, Sender: string(store.SenderAI), Text: message, Error: true}
		return res
	}
	res.Reply = c.patchTurnLocked(replyID, func(t *bus.TurnView) {
		t.Text = message
		t.Pending = false
		t.Error = true
	})
	c.setPhaseLocked(PhaseSettled)
	return res
}

func (c *Controller) updateReply(localID, text string) {
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return
	}
	c.patchTurnLocked(localID, func(t *bus.TurnView) { t.Text = text })
}

// confirm builds the persistence callback for a rendered turn. A failure
// leaves the rendered turn as it is.
func (c *Controller) confirm(epoch uint64, localID string) func(*store.Turn, error) {
	return func(turn *store.Turn, err error) {
		if err != nil {
			return
		}
		c.deps.Metrics.TurnPersisted(string(turn.Sender))

		c.mu.Lock()
		defer c.unlock()
		if c.closed || c.epoch != epoch {
			return
		}
		idx := c.indexLocked(localID)
		if idx < 0 {
			return
		}
		c.turns[idx].ID = turn.ID
		c.turns[idx].Pending = false
		c.publishLocked(bus.Event{Kind: bus.EventTurnConfirmed, Turns: []bus.TurnView{c.turns[idx]}})
	}
}

// patchTurnLocked mutates a turn in place, keeping its identity, and
// publishes the update.
func (c *Controller) patchTurnLocked(localID string, fn func(*bus.TurnView)) bus.TurnView {
	idx := c.indexLocked(localID)
	if idx < 0 {
		return bus.TurnView{}
	}
	fn(&c.turns[idx])
	c.publishLocked(bus.Event{Kind: bus.EventTurnUpdated, Turns: []bus.TurnView{c.turns[idx]}})
	return c.turns[idx]
}

func (c *Controller) indexLocked(localID string) int {
	for i := len(c.turns) - 1; i >= 0; i-- {
		if c.turns[i].LocalID == localID {
			return i
		}
	}
	return -1
}

// LoadMoreMessages prepends the next older page. Calls made while a load
// is outstanding, before any history exists, or after the last page
// return 0 without touching the store. On error the cursor is unchanged.
func (c *Controller) LoadMoreMessages(ctx context.Context) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.unlock()
		return 0, ErrClosed
	}
	if c.loadingMore || !c.hasMore || c.cursor <= 0 || c.sessionID == "" {
		c.unlock()
		return 0, nil
	}
	c.loadingMore = true
	sessionID, cursor, epoch := c.sessionID, c.cursor, c.epoch
	c.unlock()

	page, err := c.deps.Store.LoadOlderPage(ctx, sessionID, cursor)

	c.mu.Lock()
	defer c.unlock()
	c.loadingMore = false
	if c.closed {
		return 0, ErrClosed
	}
	if err != nil {
		logger.WarnCF("chat", "Loading older history failed", map[string]interface{}{
			"session_id": sessionID,
			"before_id":  cursor,
			"error":      err.Error(),
		})
		return 0, err
	}
	if c.epoch != epoch {
		return 0, nil
	}

	older := make([]bus.TurnView, 0, len(page.Turns)+len(c.turns))
	for _, t := range page.Turns {
		older = append(older, viewOf(t))
	}
	added := cloneTurns(older)
	c.turns = append(older, c.turns...)
	c.hasMore = page.HasMore
	if len(page.Turns) > 0 {
		c.cursor = page.Oldest()
	}
	c.publishLocked(bus.Event{Kind: bus.EventTurnsPrepended, Turns: added})
	return len(added), nil
}

// Clear deletes the session's turns and resets the view. It is refused
// while a send is outstanding.
func (c *Controller) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.unlock()
	if c.closed {
		return ErrClosed
	}
	if c.phase.Busy() {
		return ErrNotIdle
	}
	if c.sessionID == "" {
		return ErrChatUnavailable
	}

	if err := c.deps.Store.ClearSession(ctx, c.sessionID, c.deps.UserID); err != nil {
		logger.WarnCF("chat", "Clearing session failed", map[string]interface{}{
			"session_id": c.sessionID,
			"error":      err.Error(),
		})
		return err
	}
	c.turns = nil
	c.history = nil
	c.turnCount = 0
	c.cursor = 0
	c.hasMore = false
	c.epoch++
	c.phase = PhaseIdle
	c.publishLocked(bus.Event{Kind: bus.EventTurnsCleared, Phase: string(PhaseIdle)})
	return nil
}

// Close tears the view down. Later chunks, loads and confirmations no
// longer change state or publish events.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.unlock()
	c.closed = true
}

func (c *Controller) Snapshot() View {
	c.mu.Lock()
	defer c.unlock()
	return View{
		SessionID: c.sessionID,
		Turns:     cloneTurns(c.turns),
		Phase:     c.phase,
		HasMore:   c.hasMore,
		TurnCount: c.turnCount,
	}
}

// ContextWindow returns the memory entry (if any) followed by the turn
// entries the next request will build on.
func (c *Controller) ContextWindow() []providers.Message {
	c.mu.Lock()
	defer c.unlock()
	out := make([]providers.Message, 0, len(c.history)+1)
	if c.memoryEntry != nil {
		out = append(out, *c.memoryEntry)
	}
	return append(out, c.history...)
}

func (c *Controller) requestLocked(userText string) providers.CompletionRequest {
	msgs := make([]providers.Message, 0, len(c.history)+3)
	if p := strings.TrimSpace(c.opts.SystemPrompt); p != "" {
		msgs = append(msgs, providers.Message{Role: providers.RoleSystem, Content: p})
	}
	if c.memoryEntry != nil {
		msgs = append(msgs, *c.memoryEntry)
	}
	window := c.history
	if c.opts.ContextTurns > 0 {
		// Keep whole user/assistant pairs so the window never opens on a reply.
		n := c.opts.ContextTurns - c.opts.ContextTurns%2
		if len(window) > n {
			window = window[len(window)-n:]
		}
	}
	msgs = append(msgs, window...)
	msgs = append(msgs, providers.Message{Role: providers.RoleUser, Content: userText})
	return providers.CompletionRequest{
		Model:       c.opts.Model,
		Messages:    msgs,
		Temperature: c.opts.Temperature,
		TopP:        c.opts.TopP,
	}
}

func (c *Controller) setPhaseLocked(p Phase) {
	if c.phase == p {
		return
	}
	c.phase = p
	c.publishLocked(bus.Event{Kind: bus.EventPhaseChanged, Phase: string(p)})
}

func (c *Controller) publishLocked(ev bus.Event) {
	if c.closed || c.deps.Bus == nil {
		return
	}
	ev.SessionID = c.sessionID
	ev.HasMore = c.hasMore
	if ev.Phase == "" {
		ev.Phase = string(c.phase)
	}
	c.outbox = append(c.outbox, ev)
}

// unlock releases mu, then publishes the events raised while it was held.
// A slow subscriber delays only the caller, never readers of the view.
func (c *Controller) unlock() {
	batch := c.outbox
	c.outbox = nil
	var ticket uint64
	if len(batch) > 0 {
		ticket = c.issued
		c.issued++
	}
	c.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()
	for c.delivered != ticket {
		c.pubCond.Wait()
	}
	for _, ev := range batch {
		c.deps.Bus.Publish(ev)
	}
	c.delivered++
	c.pubCond.Broadcast()
}

func (c *Controller) inEpoch(epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch == epoch
}

func hasCredential(s providers.Streamer) bool {
	if c, ok := s.(interface{ HasCredential() bool }); ok {
		return c.HasCredential()
	}
	return true
}

func viewOf(t *store.Turn) bus.TurnView {
	return bus.TurnView{
		LocalID: fmt.Sprintf("turn-%d", t.ID),
		ID:      t.ID,
		Sender:  string(t.Sender),
		Text:    t.Text,
	}
}

func messageOf(t *store.Turn) providers.Message {
	role := providers.RoleUser
	if t.Sender == store.SenderAI {
		role = providers.RoleAssistant
	}
	return providers.Message{Role: role, Content: t.Text}
}

func cloneTurns(in []bus.TurnView) []bus.TurnView {
	if in == nil {
		return nil
	}
	out := make([]bus.TurnView, len(in))
	copy(out, in)
	return out
}
