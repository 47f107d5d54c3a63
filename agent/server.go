// Package agent serves the data layer to the desktop renderer over a
// localhost HTTP API with a server-sent event stream.
package agent

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog/log"

	sanago "github.com/jesse457/SanaGo-desktop-sub000"
)

const DefaultListen = "127.0.0.1:7410"

// Config configures the HTTP surface.
type Config struct {
	// Token is the per-launch secret the renderer presents as
	// "Authorization: Bearer <token>" (or ?token= on GET /events, where
	// EventSource cannot set headers). Required.
	Token string
	// WebhookSecret enables POST /webhook/notifications when set.
	WebhookSecret string
	// AllowOrigins enables CORS for the listed renderer origins.
	AllowOrigins []string
}

// Deps are the components the agent exposes.
type Deps struct {
	Store         sanago.Store
	Client        *sanago.Client
	Network       *sanago.NetworkMonitor
	Notifications *sanago.NotificationChannel
	// Hub is created when nil. Pass the hub whose Alerter the
	// notification channel was built with.
	Hub *Hub
}

// Server is the localhost API.
type Server struct {
	echo     *echo.Echo
	hub      *Hub
	sessions *Sessions
	deps     Deps
	unsubs   []func()
}

// New builds the router and wires component events to the hub.
func New(cfg Config, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Client == nil || deps.Network == nil || deps.Notifications == nil {
		return nil, errors.New("agent: store, client, network and notifications are required")
	}
	if cfg.Token == "" {
		return nil, errors.New("agent: token is required")
	}
	if deps.Hub == nil {
		deps.Hub = NewHub()
	}

	s := &Server{
		hub:      deps.Hub,
		sessions: NewSessions(deps.Store, deps.Client, deps.Hub),
		deps:     deps,
	}

	s.unsubs = append(s.unsubs,
		deps.Network.OnChange(func(online bool) {
			s.hub.Broadcast(EventNetwork, map[string]bool{"online": online})
		}),
		deps.Notifications.Subscribe(func(snap sanago.NotificationSnapshot) {
			s.hub.Broadcast(EventNotifications, snap)
		}),
		deps.Notifications.OnArrival(func(n sanago.Notification) {
			s.hub.Broadcast(EventNotification, n)
		}),
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURIPath: true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			log.Debug().
				Str("method", v.Method).
				Str("path", v.URIPath).
				Int("status", v.Status).
				Dur("latency", v.Latency).
				Msg("agent request")
			return nil
		},
	}))
	if len(cfg.AllowOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: cfg.AllowOrigins,
			AllowHeaders: []string{"Content-Type", "Authorization"},
			AllowMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		}))
	}

	e.Use(middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		Skipper:    publicRoute,
		KeyLookup:  "header:Authorization,query:token",
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			// The query form is for EventSource only.
			if c.Request().Header.Get(echo.HeaderAuthorization) == "" && c.Path() != "/events" {
				return false, nil
			}
			return subtle.ConstantTimeCompare([]byte(key), []byte(cfg.Token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid or missing agent token")
		},
	}))

	e.GET("/health", s.Health)

	e.GET("/network", s.Network)
	e.POST("/network/check", s.CheckNetwork)

	e.GET("/notifications", s.ListNotifications)
	e.POST("/notifications/:id/read", s.MarkRead)
	e.POST("/notifications/read-all", s.MarkAllRead)
	e.DELETE("/notifications/:id", s.DeleteNotification)
	e.POST("/notifications/dismiss", s.Dismiss)

	e.POST("/sessions", s.CreateSession)
	e.GET("/sessions/:id", s.GetSession)
	e.PATCH("/sessions/:id", s.UpdateSession)
	e.POST("/sessions/:id/refetch", s.RefetchSession)
	e.DELETE("/sessions/:id", s.DeleteSession)

	e.GET("/events", s.Stream)
	e.POST("/logout", s.Logout)

	if cfg.WebhookSecret != "" {
		wh, err := sanago.NewNotificationWebhook(cfg.WebhookSecret, deps.Notifications.HandlePush)
		if err != nil {
			return nil, fmt.Errorf("agent: %w", err)
		}
		e.POST("/webhook/notifications", echo.WrapHandler(wh.HTTPHandler()))
	}

	s.echo = e
	return s, nil
}

// publicRoute lists what is reachable without the launch token: the
// liveness check, CORS preflight and the HMAC-signed webhook.
func publicRoute(c echo.Context) bool {
	if c.Request().Method == http.MethodOptions {
		return true
	}
	switch c.Path() {
	case "/health", "/webhook/notifications":
		return true
	}
	return false
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Hub returns the event hub.
func (s *Server) Hub() *Hub { return s.hub }

// Start listens on addr until Shutdown.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = DefaultListen
	}
	log.Info().Str("addr", addr).Msg("agent listening")
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server and unmounts every session.
func (s *Server) Shutdown(ctx context.Context) error {
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.sessions.CloseAll()
	return s.echo.Shutdown(ctx)
}

// --- Health & network ---

// Health GET /health
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"online":      s.deps.Network.IsOnline(),
		"sse_clients": s.hub.ConnectedCount(),
		"sessions":    s.sessions.Len(),
	})
}

// Network GET /network
func (s *Server) Network(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]bool{"online": s.deps.Network.IsOnline()})
}

// CheckNetwork POST /network/check
func (s *Server) CheckNetwork(c echo.Context) error {
	online := s.deps.Network.Check(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]bool{"online": online})
}

// --- Notifications ---

// ListNotifications GET /notifications
func (s *Server) ListNotifications(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Notifications.Snapshot())
}

// MarkRead POST /notifications/:id/read
func (s *Server) MarkRead(c echo.Context) error {
	err := s.deps.Notifications.MarkRead(c.Request().Context(), c.Param("id"))
	return s.notificationResult(c, err)
}

// MarkAllRead POST /notifications/read-all
func (s *Server) MarkAllRead(c echo.Context) error {
	err := s.deps.Notifications.MarkAllRead(c.Request().Context())
	return s.notificationResult(c, err)
}

// DeleteNotification DELETE /notifications/:id
func (s *Server) DeleteNotification(c echo.Context) error {
	err := s.deps.Notifications.Delete(c.Request().Context(), c.Param("id"))
	return s.notificationResult(c, err)
}

// Dismiss POST /notifications/dismiss
func (s *Server) Dismiss(c echo.Context) error {
	s.deps.Notifications.DismissLatest()
	return c.JSON(http.StatusOK, s.deps.Notifications.Snapshot())
}

// notificationResult answers with the reconciled snapshot. A rejected
// remote update is reported as 502 alongside it.
func (s *Server) notificationResult(c echo.Context, err error) error {
	snap := s.deps.Notifications.Snapshot()
	if err != nil {
		if sanago.IsUnauthorized(err) {
			s.hub.Broadcast(EventUnauthorized, map[string]string{"source": "notifications"})
		}
		return c.JSON(http.StatusBadGateway, map[string]any{
			"error":         err.Error(),
			"notifications": snap,
		})
	}
	return c.JSON(http.StatusOK, snap)
}

// --- Sessions ---

// CreateSession POST /sessions
func (s *Server) CreateSession(c echo.Context) error {
	var conf SessionConfig
	if err := c.Bind(&conf); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	v, err := s.sessions.Create(conf)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, v)
}

// GetSession GET /sessions/:id
func (s *Server) GetSession(c echo.Context) error {
	v, err := s.sessions.View(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, v)
}

// UpdateSession PATCH /sessions/:id
func (s *Server) UpdateSession(c echo.Context) error {
	var p SessionPatch
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	v, err := s.sessions.Update(c.Param("id"), p)
	switch {
	case errors.Is(err, errSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case err != nil:
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, v)
}

// RefetchSession POST /sessions/:id/refetch
func (s *Server) RefetchSession(c echo.Context) error {
	v, err := s.sessions.Refetch(c.Request().Context(), c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.JSON(http.StatusOK, v)
}

// DeleteSession DELETE /sessions/:id
func (s *Server) DeleteSession(c echo.Context) error {
	if err := s.sessions.Close(c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Logout ---

// Logout POST /logout revokes the token remotely when possible, unmounts
// every session and wipes the store.
func (s *Server) Logout(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()
	if err := s.deps.Client.Logout(ctx); err != nil {
		log.Warn().Err(err).Msg("remote logout failed, clearing local state anyway")
	}

	s.sessions.CloseAll()
	cleared := s.deps.Store.Clear(c.Request().Context())
	s.hub.Broadcast(EventLogout, map[string]bool{"cleared": cleared})
	return c.JSON(http.StatusOK, map[string]bool{"cleared": cleared})
}

// --- SSE ---

// Stream GET /events
func (s *Server) Stream(c echo.Context) error {
	var filter []string
	if ev := c.QueryParam("events"); ev != "" {
		filter = strings.Split(ev, ",")
	}

	w := c.Response()
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sendCh := make(chan []byte, 32)
	client := s.hub.Register(filter, sendCh)
	defer s.hub.Unregister(client)

	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"ok\"}\n\n")
	s.writeInitial(w, client)
	w.Flush()

	ctx := c.Request().Context()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case msg, ok := <-sendCh:
			if !ok {
				return nil
			}
			if _, err := w.Write(msg); err != nil {
				return nil
			}
			w.Flush()
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return nil
			}
			w.Flush()
		case <-ctx.Done():
			log.Debug().Msg("SSE stream closed by client")
			return nil
		}
	}
}

// writeInitial sends the current network and notification state so a new
// stream does not start blank.
func (s *Server) writeInitial(w *echo.Response, client *Client) {
	initial := []struct {
		event string
		v     any
	}{
		{EventNetwork, map[string]bool{"online": s.deps.Network.IsOnline()}},
		{EventNotifications, s.deps.Notifications.Snapshot()},
	}
	for _, in := range initial {
		if !client.wants(in.event) {
			continue
		}
		if msg, err := buildSSEMessage(in.event, in.v); err == nil {
			w.Write(msg)
		}
	}
}
