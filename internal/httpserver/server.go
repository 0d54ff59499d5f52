// Package httpserver exposes the provider webhooks, the media-stream
// websocket and the operator API.
package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/chadiek/meetbridge/internal/config"
	xlog "github.com/chadiek/meetbridge/internal/log"
	"github.com/chadiek/meetbridge/internal/metrics"
	"github.com/chadiek/meetbridge/internal/middleware"
	"github.com/chadiek/meetbridge/internal/session"
	"github.com/chadiek/meetbridge/internal/telephony"
)

// KeepAliver renders the document that keeps a call open between actions.
type KeepAliver interface {
	KeepAliveTwiML() (string, error)
}

// Deps are the collaborators behind the routes. Metrics is optional.
type Deps struct {
	HTTP      config.HTTPConfig
	AuthToken string
	// Meeting supplies defaults for sessions started without a full target.
	Meeting   config.MeetingConfig
	DialFrom  string
	Registry  *session.Registry
	KeepAlive KeepAliver
	Metrics   *metrics.Metrics
}

// Server bundles the router and its dependencies.
type Server struct {
	deps   Deps
	echo   *echo.Echo
	logger zerolog.Logger
	// base bounds media streams, which outlive their upgrade request.
	base   context.Context
	cancel context.CancelFunc
}

// New constructs the HTTP server with routes.
func New(deps Deps) *Server {
	logger := xlog.WithComponent("http")
	base, cancel := context.WithCancel(context.Background())
	s := &Server{deps: deps, echo: newEcho(logger), logger: logger, base: base, cancel: cancel}
	s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) routes() {
	e := s.echo
	e.GET("/healthz", s.handleHealth)
	if s.deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.deps.Metrics.Handler()))
	}

	hooks := e.Group("/twilio")
	if s.deps.HTTP.ValidateSignatures {
		hooks.Use(middleware.TwilioSignature(s.deps.AuthToken, s.deps.HTTP.PublicBaseURL))
	}
	hooks.POST(trim(telephony.PathStatus), s.handleStatus)
	hooks.POST(trim(telephony.PathTranscription), s.handleTranscription)
	hooks.POST(trim(telephony.PathPlayback), s.handlePlayback)
	hooks.POST(trim(telephony.PathKeepAlive), s.handleKeepAlive)
	// The stream handshake is a GET and carries no form to sign.
	e.GET(telephony.PathStream, s.handleStream)

	ops := e.Group("/sessions", middleware.OperatorAuth(s.deps.HTTP.OperatorPassword))
	ops.POST("", s.handleStartSession)
	ops.GET("", s.handleListSessions)
	ops.GET("/:id", s.handleGetSession)
	ops.DELETE("/:id", s.handleEndSession)
	ops.POST("/:id/speak", s.handleSpeak)
	ops.GET("/:id/capture", s.handleCapture)
}

// Run serves until ctx is cancelled, then drains for up to grace.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	srv := &http.Server{
		Addr:              s.deps.HTTP.Address,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", srv.Addr).Msg("http listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		s.cancel()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

// Close stops media streams served by this server.
func (s *Server) Close() { s.cancel() }

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.deps.Registry.Len(),
	})
}

func trim(path string) string { return path[len("/twilio"):] }
