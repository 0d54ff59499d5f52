// Package session owns the per-call state of the bridge: navigator, audio
// relay, turn lock and timers, keyed by session and call-leg identity.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/meetbridge/internal/bridge"
	"github.com/chadiek/meetbridge/internal/callevent"
	"github.com/chadiek/meetbridge/internal/capture"
	"github.com/chadiek/meetbridge/internal/mediastream"
	"github.com/chadiek/meetbridge/internal/navigation"
	"github.com/chadiek/meetbridge/internal/sched"
	"github.com/chadiek/meetbridge/internal/speech"
	"github.com/chadiek/meetbridge/internal/telephony"
	"github.com/chadiek/meetbridge/internal/turn"
)

var (
	// ErrNotJoined is returned when speaking before the call is in the meeting.
	ErrNotJoined = errors.New("session: not joined")
	// ErrCaptureDisabled is returned when no capture window is kept.
	ErrCaptureDisabled = errors.New("session: capture disabled")
)

const maxTranscript = 200

// Line is one transcribed utterance.
type Line struct {
	At   time.Time `json:"at"`
	Role string    `json:"role"`
	Text string    `json:"text"`
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	ID        string    `json:"id"`
	CallSID   string    `json:"call_sid,omitempty"`
	StreamSID string    `json:"stream_sid,omitempty"`
	State     string    `json:"state"`
	Retries   int       `json:"retries"`
	Attempts  int       `json:"attempts"`
	Reason    string    `json:"reason,omitempty"`
	MeetingID string    `json:"meeting_id"`
	Delivery  string    `json:"delivery"`
	Speaking  bool      `json:"speaking"`
	CreatedAt time.Time `json:"created_at"`
	JoinedAt  time.Time `json:"joined_at,omitzero"`
}

// Session is one attempt to bring the agent into a meeting.
type Session struct {
	ID        string
	CreatedAt time.Time
	Target    navigation.Target

	registry *Registry
	nav      *navigation.Navigator
	bridge   *bridge.Bridge
	delivery bridge.Delivery
	lock     *turn.Lock
	tasks    *sched.Group
	recorder *capture.Recorder
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	mu         sync.Mutex
	joinedAt   time.Time
	stream     *mediastream.Conn
	transcript []Line
}

// Navigator exposes the session's state machine.
func (s *Session) Navigator() *navigation.Navigator { return s.nav }

// Done is closed after the session has been torn down.
func (s *Session) Done() <-chan struct{} { return s.done }

// Status returns a snapshot.
func (s *Session) Status() Snapshot {
	st := s.nav.Status()
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		ID:        s.ID,
		CallSID:   st.CallSID,
		State:     st.State.String(),
		Retries:   st.Retries,
		Attempts:  st.Attempts,
		Reason:    st.Reason,
		MeetingID: s.Target.MeetingID,
		Delivery:  s.delivery.Name(),
		Speaking:  s.lock.Speaking(),
		CreatedAt: s.CreatedAt,
		JoinedAt:  s.joinedAt,
	}
	if s.stream != nil {
		snap.StreamSID = s.stream.StreamSID()
	}
	return snap
}

// Transcript returns the recent recognized speech, oldest first.
func (s *Session) Transcript() []Line {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Line(nil), s.transcript...)
}

// QueueSpeak has the agent say text once the floor is free.
func (s *Session) QueueSpeak(text string) error {
	if !s.nav.Joined() {
		return fmt.Errorf("%w (%s)", ErrNotJoined, s.nav.State())
	}
	return s.bridge.QueueSpeak(text)
}

// CaptureWAV returns the recent inbound audio window as WAV.
func (s *Session) CaptureWAV() ([]byte, error) {
	if s.recorder == nil {
		return nil, ErrCaptureDisabled
	}
	return s.recorder.WAV()
}

// End hangs up and tears the session down. It blocks until teardown is done.
func (s *Session) End(ctx context.Context) {
	s.nav.Hangup(ctx)
	select {
	case <-s.done:
	case <-ctx.Done():
	}
}

// HandleEvent applies a call-progress or playback notification.
func (s *Session) HandleEvent(ev callevent.Event) {
	switch ev := ev.(type) {
	case callevent.PlaybackFinished:
		s.bridge.PlaybackFinished(ev.Name)
	case callevent.StreamStarted, callevent.StreamStopped:
		s.logger.Debug().Str("event", ev.Kind()).Msg("media stream")
	default:
		s.nav.HandleEvent(ev)
	}
}

func (s *Session) onJoined(callSID string) {
	now := s.tasks.Now()
	s.mu.Lock()
	s.joinedAt = now
	s.mu.Unlock()
	s.registry.deps.Metrics.RecordJoin(now.Sub(s.CreatedAt))
	s.logger.Info().Str("call_sid", callSID).Msg("joined meeting")

	if err := s.bridge.Activate(s.ctx); err != nil {
		s.logger.Error().Err(err).Msg("bridge activation failed; hanging up")
		s.nav.Hangup(context.Background())
		return
	}
	req := telephony.StreamRequest{
		SessionID:         s.ID,
		Bidirectional:     s.registry.opts.Mode == speech.ModeAudio,
		StopTranscription: s.registry.opts.Navigation.Transcribe,
	}
	if err := s.registry.deps.Telephony.StartStream(s.ctx, callSID, req); err != nil {
		s.logger.Error().Err(err).Msg("media stream failed to start; hanging up")
		s.nav.Hangup(context.Background())
	}
}

// teardown runs once, when navigation reaches a terminal state.
func (s *Session) teardown(st navigation.Status) {
	s.once.Do(func() {
		defer close(s.done)
		s.tasks.Stop()
		s.cancel()
		s.mu.Lock()
		stream := s.stream
		s.stream = nil
		s.mu.Unlock()

		if err := s.bridge.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close speech endpoint")
		}
		s.lock.End()
		if stream != nil {
			_ = stream.Close()
		}
		s.saveCapture()
		s.registry.remove(s)
		s.registry.deps.Metrics.RecordSessionEnd(st.State.String())

		ev := s.logger.Info()
		if st.State == navigation.Failed {
			ev = s.logger.Error()
		}
		ev.Str("state", st.State.String()).Int("retries", st.Retries).Str("reason", st.Reason).Msg("session over")
	})
}

func (s *Session) saveCapture() {
	if s.recorder == nil {
		return
	}
	s.recorder.Close()
	sink := s.registry.deps.Captures
	if sink == nil {
		return
	}
	wav, err := s.recorder.WAV()
	if err != nil {
		s.logger.Debug().Err(err).Msg("no capture to save")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	name := fmt.Sprintf("%s-%s.wav", s.ID, s.CreatedAt.UTC().Format("20060102T150405Z"))
	if err := sink.Save(ctx, name, wav); err != nil {
		s.logger.Warn().Err(err).Str("name", name).Msg("save capture")
		return
	}
	s.logger.Info().Str("name", name).Int("bytes", len(wav)).Msg("capture saved")
}

func (s *Session) onTranscript(role, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transcript = append(s.transcript, Line{At: s.tasks.Now(), Role: role, Text: strings.TrimSpace(text)})
	if n := len(s.transcript); n > maxTranscript {
		s.transcript = append([]Line(nil), s.transcript[n-maxTranscript:]...)
	}
}

// attach binds a started media stream to the session.
func (s *Session) attach(c *mediastream.Conn) (mediastream.Binding, error) {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return nil, errors.New("session: over")
	}
	prev := s.stream
	s.stream = c
	s.mu.Unlock()
	if prev != nil && prev != c {
		_ = prev.Close()
	}
	s.bridge.AttachStream(c)
	s.logger.Info().Str("stream_sid", c.StreamSID()).Msg("media stream attached")
	return streamBinding{s: s}, nil
}

type streamBinding struct{ s *Session }

func (b streamBinding) HandleMedia(track string, payload []byte) {
	if track != "" && track != "inbound" {
		return
	}
	b.s.bridge.ForwardInbound(b.s.ctx, payload)
}

func (b streamBinding) HandleEvent(ev callevent.Event) { b.s.HandleEvent(ev) }

func (b streamBinding) Detach(c *mediastream.Conn) {
	s := b.s
	s.mu.Lock()
	current := s.stream == c
	if current {
		s.stream = nil
	}
	s.mu.Unlock()
	if current {
		s.bridge.DetachStream()
		s.logger.Info().Msg("media stream detached")
	}
}
