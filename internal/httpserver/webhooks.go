package httpserver

import (
	"maps"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/meetbridge/internal/callevent"
	"github.com/chadiek/meetbridge/internal/mediastream"
	"github.com/chadiek/meetbridge/internal/middleware"
)

type eventParser func(params map[string]string) (string, callevent.Event, error)

// dispatch parses a provider callback and routes it by call SID. Malformed
// or unroutable callbacks are acknowledged so the provider does not retry.
func (s *Server) dispatch(c echo.Context, parse eventParser) bool {
	params, err := middleware.Params(c)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", c.Path()).Msg("unreadable webhook")
		s.deps.Metrics.RecordDroppedEvent("malformed")
		return false
	}
	sid, ev, err := parse(params)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", c.Path()).Msg("discarding malformed webhook")
		s.deps.Metrics.RecordDroppedEvent("malformed")
		return false
	}
	return s.deps.Registry.Dispatch(sid, ev)
}

func (s *Server) handleStatus(c echo.Context) error {
	s.dispatch(c, callevent.FromStatusCallback)
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleTranscription(c echo.Context) error {
	s.dispatch(c, callevent.FromTranscriptionCallback)
	return c.NoContent(http.StatusNoContent)
}

// handlePlayback is the redirect target after spoken text; the call needs
// fresh instructions, so it answers with the keep-alive document. The turn
// name travels in the redirect's query string.
func (s *Server) handlePlayback(c echo.Context) error {
	turn := c.QueryParam("turn")
	s.dispatch(c, func(params map[string]string) (string, callevent.Event, error) {
		params = maps.Clone(params)
		if turn != "" {
			params["turn"] = turn
		}
		return callevent.FromPlaybackCallback(params)
	})
	return s.handleKeepAlive(c)
}

func (s *Server) handleKeepAlive(c echo.Context) error {
	doc, err := s.deps.KeepAlive.KeepAliveTwiML()
	if err != nil {
		s.logger.Error().Err(err).Msg("render keep-alive")
		return c.NoContent(http.StatusInternalServerError)
	}
	return c.Blob(http.StatusOK, echo.MIMEApplicationXMLCharsetUTF8, []byte(doc))
}

func (s *Server) handleStream(c echo.Context) error {
	conn, err := mediastream.Upgrade(c.Response(), c.Request(), s.logger)
	if err != nil {
		s.logger.Warn().Err(err).Msg("media stream upgrade")
		return nil
	}
	if err := conn.Serve(s.base, s.deps.Registry.BindStream); err != nil {
		s.logger.Warn().Err(err).Str("call_sid", conn.CallSID()).Msg("media stream ended")
	}
	return nil
}
