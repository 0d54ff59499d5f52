package httpserver

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/chadiek/meetbridge/internal/audio"
	"github.com/chadiek/meetbridge/internal/bridge"
	"github.com/chadiek/meetbridge/internal/navigation"
	"github.com/chadiek/meetbridge/internal/session"
)

type startRequest struct {
	MeetingID string `json:"meeting_id"`
	Passcode  string `json:"passcode"`
	DialIn    string `json:"dial_in"`
	DialFrom  string `json:"dial_from"`
}

type speakRequest struct {
	Text string `json:"text"`
}

type sessionResponse struct {
	session.Snapshot
	Transcript []session.Line `json:"transcript,omitempty"`
}

func (s *Server) handleStartSession(c echo.Context) error {
	var req startRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	target := navigation.Target{
		DialTo:    firstNonEmpty(req.DialIn, s.deps.Meeting.DialIn),
		DialFrom:  firstNonEmpty(req.DialFrom, s.deps.DialFrom),
		MeetingID: firstNonEmpty(req.MeetingID, s.deps.Meeting.ID),
		Passcode:  req.Passcode,
	}
	if req.MeetingID == "" {
		target.Passcode = s.deps.Meeting.Passcode
	}
	sess, err := s.deps.Registry.Start(target)
	if errors.Is(err, navigation.ErrInvalidTarget) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	return c.JSON(http.StatusCreated, sess.Status())
}

func (s *Server) handleListSessions(c echo.Context) error {
	return c.JSON(http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleGetSession(c echo.Context) error {
	sess, err := s.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sessionResponse{Snapshot: sess.Status(), Transcript: sess.Transcript()})
}

func (s *Server) handleEndSession(c echo.Context) error {
	if err := s.deps.Registry.End(c.Request().Context(), c.Param("id")); err != nil {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleSpeak(c echo.Context) error {
	sess, err := s.lookup(c)
	if err != nil {
		return err
	}
	var req speakRequest
	if err := c.Bind(&req); err != nil || req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text required")
	}
	switch err := sess.QueueSpeak(req.Text); {
	case err == nil:
		return c.NoContent(http.StatusAccepted)
	case errors.Is(err, session.ErrNotJoined), errors.Is(err, bridge.ErrClosed):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, bridge.ErrQueueFull):
		return echo.NewHTTPError(http.StatusTooManyRequests, err.Error())
	default:
		return err
	}
}

func (s *Server) handleCapture(c echo.Context) error {
	sess, err := s.lookup(c)
	if err != nil {
		return err
	}
	wav, err := sess.CaptureWAV()
	if errors.Is(err, session.ErrCaptureDisabled) || errors.Is(err, audio.ErrNoAudio) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.Blob(http.StatusOK, "audio/wav", wav)
}

func (s *Server) lookup(c echo.Context) (*session.Session, error) {
	sess, ok := s.deps.Registry.Get(c.Param("id"))
	if !ok {
		return nil, echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return sess, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
