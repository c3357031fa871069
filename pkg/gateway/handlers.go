package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/chat"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/store"
)

type HealthResponse struct {
	Status string `json:"status"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// SessionResponse is the body of GET /api/v1/chat/session.
type SessionResponse struct {
	SessionID string         `json:"session_id"`
	Turns     []bus.TurnView `json:"turns"`
	Phase     string         `json:"phase"`
	HasMore   bool           `json:"has_more"`
}

// MessagesResponse is the body of GET /api/v1/chat/messages.
type MessagesResponse struct {
	Turns   []bus.TurnView `json:"turns"`
	HasMore bool           `json:"has_more"`
}

type SendRequest struct {
	Text string `json:"text"`
}

// SendResultEvent is the last SSE record of a send.
type SendResultEvent struct {
	Status   chat.SendStatus `json:"status"`
	UserTurn bus.TurnView    `json:"user_turn"`
	Reply    bus.TurnView    `json:"reply"`
	Error    string          `json:"error,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// readyChat resolves the caller's controller and makes sure it is
// initialized. When it returns a nil userChat the response is written.
func (s *Server) readyChat(c echo.Context) (*userChat, error) {
	userID, err := userIDFrom(c)
	if err != nil {
		return nil, c.JSON(http.StatusUnauthorized, redirectResponse{Redirect: "login"})
	}
	uc, err := s.chatFor(userID)
	if err != nil {
		return nil, c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: s.opts.UnavailableText})
	}

	outcome, err := uc.ctrl.Init(c.Request().Context())
	switch outcome {
	case chat.OutcomeReady:
		return uc, nil
	case chat.OutcomeRedirectLogin:
		return nil, c.JSON(http.StatusUnauthorized, redirectResponse{Redirect: "login"})
	default:
		if err != nil {
			logger.WarnCF("gateway", "Chat unavailable", map[string]interface{}{
				"user_id": userID,
				"error":   err.Error(),
			})
		}
		return nil, c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: s.opts.UnavailableText})
	}
}

func (s *Server) handleSession(c echo.Context) error {
	uc, err := s.readyChat(c)
	if uc == nil {
		return err
	}
	view := uc.ctrl.Snapshot()
	return c.JSON(http.StatusOK, SessionResponse{
		SessionID: view.SessionID,
		Turns:     view.Turns,
		Phase:     string(view.Phase),
		HasMore:   view.HasMore,
	})
}

// handleListMessages pages through persisted turns without touching the
// controller's view: no "before" returns the newest page, otherwise the
// page of turns older than that id.
func (s *Server) handleListMessages(c echo.Context) error {
	uc, err := s.readyChat(c)
	if uc == nil {
		return err
	}
	sessionID := uc.ctrl.Snapshot().SessionID
	ctx := c.Request().Context()

	var page store.Page
	if raw := c.QueryParam("before"); raw != "" {
		before, perr := strconv.ParseInt(raw, 10, 64)
		if perr != nil || before <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "before must be a positive turn id")
		}
		page, err = s.deps.Store.LoadOlderPage(ctx, sessionID, before)
	} else {
		page, err = s.deps.Store.LoadInitialPage(ctx, sessionID)
	}
	if err != nil {
		logger.WarnCF("gateway", "Listing messages failed", map[string]interface{}{
			"session_id": sessionID,
			"error":      err.Error(),
		})
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "could not load messages"})
	}

	resp := MessagesResponse{Turns: make([]bus.TurnView, 0, len(page.Turns)), HasMore: page.HasMore}
	for _, t := range page.Turns {
		resp.Turns = append(resp.Turns, bus.TurnView{
			LocalID: fmt.Sprintf("turn-%d", t.ID),
			ID:      t.ID,
			Sender:  string(t.Sender),
			Text:    t.Text,
		})
	}
	return c.JSON(http.StatusOK, resp)
}

// handleSend runs one send and streams the controller's events as SSE,
// ending with a "result" record. The send is detached from the request so
// a disconnecting client does not abandon a reply that is being persisted.
func (s *Server) handleSend(c echo.Context) error {
	var req SendRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	userID, _ := userIDFrom(c)
	if !s.limiters.Allow(userID) {
		return c.JSON(http.StatusTooManyRequests, ErrorResponse{Error: "too many messages; slow down"})
	}

	uc, err := s.readyChat(c)
	if uc == nil {
		return err
	}
	if uc.ctrl.Snapshot().Phase.Busy() {
		return c.JSON(http.StatusConflict, ErrorResponse{Error: chat.ErrSendInProgress.Error()})
	}

	events, cancel := uc.bus.Subscribe()
	defer cancel()

	type outcome struct {
		res chat.SendResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := uc.ctrl.Send(context.WithoutCancel(c.Request().Context()), req.Text)
		done <- outcome{res: res, err: err}
	}()

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set(echo.HeaderCacheControl, "no-cache")
	w.Header().Set(echo.HeaderConnection, "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := writeSSE(w, string(ev.Kind), ev); err != nil {
				return nil
			}
		case out := <-done:
			// Events are published before Send returns; drain what is buffered.
			for drained := false; !drained; {
				select {
				case ev, ok := <-events:
					if !ok {
						drained = true
						continue
					}
					_ = writeSSE(w, string(ev.Kind), ev)
				default:
					drained = true
				}
			}
			if out.err != nil {
				_ = writeSSE(w, "error", ErrorResponse{Error: out.err.Error()})
				return nil
			}
			result := SendResultEvent{Status: out.res.Status, UserTurn: out.res.UserTurn, Reply: out.res.Reply}
			if out.res.Err != nil {
				result.Error = out.res.Err.Error()
			}
			_ = writeSSE(w, "result", result)
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Server) handleClear(c echo.Context) error {
	uc, err := s.readyChat(c)
	if uc == nil {
		return err
	}
	switch err := uc.ctrl.Clear(c.Request().Context()); {
	case err == nil:
		return c.NoContent(http.StatusNoContent)
	case errors.Is(err, chat.ErrNotIdle):
		return c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error()})
	default:
		return c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "could not clear the conversation"})
	}
}

func writeSSE(w *echo.Response, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	w.Flush()
	return nil
}
