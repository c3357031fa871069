// Package gateway serves the chat controller over HTTP. Each authenticated
// user gets one long-lived controller; sends stream its events back as
// server-sent events.
package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotsetgreg/companion/pkg/bus"
	"github.com/dotsetgreg/companion/pkg/chat"
	"github.com/dotsetgreg/companion/pkg/config"
	"github.com/dotsetgreg/companion/pkg/logger"
	"github.com/dotsetgreg/companion/pkg/metrics"
	"github.com/dotsetgreg/companion/pkg/providers"
)

var ErrNoJWTSecret = errors.New("gateway.jwt_secret is required")

// Deps are the collaborators shared by every per-user controller.
type Deps struct {
	Store    chat.HistoryStore
	Streamer providers.Streamer
	Resolver chat.Resolver
	Trigger  chat.Summarizer
	Metrics  *metrics.Metrics
	// Gatherer backs /metrics. Defaults to prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer
}

type userChat struct {
	ctrl *chat.Controller
	bus  *bus.EventBus
}

type Server struct {
	echo     *echo.Echo
	deps     Deps
	opts     chat.Options
	limiters *limiterSet

	mu     sync.Mutex
	chats  map[string]*userChat
	closed bool
}

func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	secret := strings.TrimSpace(cfg.Gateway.JWTSecret)
	if secret == "" {
		return nil, ErrNoJWTSecret
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(requestLogger)

	s := &Server{
		echo:     e,
		deps:     deps,
		opts:     chat.OptionsFromConfig(cfg),
		limiters: newLimiterSet(cfg.Gateway.RateLimitPerMinute),
		chats:    make(map[string]*userChat),
	}
	s.registerRoutes([]byte(secret))
	return s, nil
}

// Route is one endpoint of the HTTP surface. Auth routes sit behind the
// bearer token check.
type Route struct {
	Method  string
	Path    string
	Auth    bool
	Summary string
}

const chatPrefix = "/api/v1/chat"

var routes = []Route{
	{Method: http.MethodGet, Path: "/healthz", Summary: "Liveness check."},
	{Method: http.MethodGet, Path: "/metrics", Summary: "Prometheus metrics."},
	{Method: http.MethodGet, Path: chatPrefix + "/session", Auth: true, Summary: "Resolve the caller's session and return the newest page of history."},
	{Method: http.MethodGet, Path: chatPrefix + "/messages", Auth: true, Summary: "Page older history; `before` is the oldest turn id already shown."},
	{Method: http.MethodPost, Path: chatPrefix + "/messages", Auth: true, Summary: "Send a message; the reply streams back as server-sent events."},
	{Method: http.MethodDelete, Path: chatPrefix + "/messages", Auth: true, Summary: "Delete the conversation history."},
}

// Routes lists the endpoints the server registers.
func Routes() []Route {
	return append([]Route(nil), routes...)
}

func (s *Server) registerRoutes(secret []byte) {
	handlers := map[string]echo.HandlerFunc{
		"GET /healthz":                       s.handleHealth,
		"GET /metrics":                       echo.WrapHandler(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})),
		"GET " + chatPrefix + "/session":     s.handleSession,
		"GET " + chatPrefix + "/messages":    s.handleListMessages,
		"POST " + chatPrefix + "/messages":   s.handleSend,
		"DELETE " + chatPrefix + "/messages": s.handleClear,
	}

	v1 := s.echo.Group(chatPrefix, authMiddleware(secret))
	for _, r := range routes {
		h, ok := handlers[r.Method+" "+r.Path]
		if !ok {
			panic("gateway: no handler for " + r.Method + " " + r.Path)
		}
		if r.Auth {
			v1.Add(r.Method, strings.TrimPrefix(r.Path, chatPrefix), h)
			continue
		}
		s.echo.Add(r.Method, r.Path, h)
	}
}

func requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		logger.InfoCF("gateway", "http request", map[string]interface{}{
			"method":      c.Request().Method,
			"uri":         c.Request().RequestURI,
			"status":      c.Response().Status,
			"duration_ms": time.Since(start).Milliseconds(),
			"request_id":  c.Response().Header().Get(echo.HeaderXRequestID),
		})
		return err
	}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) Start(addr string) error {
	logger.InfoCF("gateway", "Starting HTTP gateway", map[string]interface{}{"addr": addr})
	err := s.echo.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests and closes every controller.
func (s *Server) Shutdown(ctx context.Context) error {
	logger.InfoC("gateway", "Shutting down HTTP gateway")
	err := s.echo.Shutdown(ctx)

	s.mu.Lock()
	s.closed = true
	chats := s.chats
	s.chats = make(map[string]*userChat)
	s.mu.Unlock()

	for _, uc := range chats {
		uc.ctrl.Close()
		uc.bus.Close()
	}
	return err
}

// chatFor returns the user's controller, creating it on first use.
func (s *Server) chatFor(userID string) (*userChat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, chat.ErrClosed
	}
	if uc, ok := s.chats[userID]; ok {
		return uc, nil
	}

	eb := bus.NewEventBus()
	uc := &userChat{
		bus: eb,
		ctrl: chat.NewController(chat.Deps{
			UserID:   userID,
			Store:    s.deps.Store,
			Streamer: s.deps.Streamer,
			Resolver: s.deps.Resolver,
			Trigger:  s.deps.Trigger,
			Bus:      eb,
			Metrics:  s.deps.Metrics,
		}, s.opts),
	}
	s.chats[userID] = uc
	return uc, nil
}
