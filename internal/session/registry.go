package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/chadiek/meetbridge/internal/audio"
	"github.com/chadiek/meetbridge/internal/bridge"
	"github.com/chadiek/meetbridge/internal/callevent"
	"github.com/chadiek/meetbridge/internal/capture"
	xlog "github.com/chadiek/meetbridge/internal/log"
	"github.com/chadiek/meetbridge/internal/mediastream"
	"github.com/chadiek/meetbridge/internal/metrics"
	"github.com/chadiek/meetbridge/internal/navigation"
	"github.com/chadiek/meetbridge/internal/sched"
	"github.com/chadiek/meetbridge/internal/speech"
	"github.com/chadiek/meetbridge/internal/telephony"
	"github.com/chadiek/meetbridge/internal/tts"
	"github.com/chadiek/meetbridge/internal/turn"
)

// ErrNotFound is returned for unknown session IDs.
var ErrNotFound = errors.New("session: not found")

// Telephony is the control plane a session drives.
type Telephony interface {
	navigation.Dialer
	bridge.Speaker
	StartStream(ctx context.Context, callSID string, req telephony.StreamRequest) error
}

// Options shape every session the registry starts.
type Options struct {
	Navigation     navigation.Config
	Mode           speech.Mode
	PerWord        time.Duration
	Overhead       time.Duration
	CaptureSeconds int
	// JoinPredicate overrides the join confirmation rule when set.
	JoinPredicate navigation.JoinPredicate
}

// Deps are shared by all sessions. Synth, Captures, Metrics and Clock are
// optional.
type Deps struct {
	Telephony Telephony
	Speech    speech.Factory
	Synth     tts.Synthesizer
	Captures  capture.Sink
	Metrics   *metrics.Metrics
	Clock     sched.Scheduler
}

// Registry maps session and call-leg identities to live sessions.
type Registry struct {
	opts   Options
	deps   Deps
	logger zerolog.Logger

	base   context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	byID   map[string]*Session
	byCall map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry(opts Options, deps Deps) *Registry {
	if deps.Clock == nil {
		deps.Clock = sched.Real()
	}
	if opts.Mode == "" {
		opts.Mode = speech.ModeAudio
	}
	base, cancel := context.WithCancel(context.Background())
	return &Registry{
		opts:   opts,
		deps:   deps,
		logger: xlog.WithComponent("sessions"),
		base:   base,
		cancel: cancel,
		byID:   make(map[string]*Session),
		byCall: make(map[string]*Session),
	}
}

// Start creates a session for target and dials it.
func (r *Registry) Start(target navigation.Target) (*Session, error) {
	target = target.Normalize()
	if err := target.Validate(); err != nil {
		return nil, err
	}
	if r.base.Err() != nil {
		return nil, errors.New("session: registry shut down")
	}
	s := r.newSession(target)

	r.mu.Lock()
	r.byID[s.ID] = s
	r.mu.Unlock()
	r.deps.Metrics.RecordSessionStart()
	s.logger.Info().Str("meeting_id", target.MeetingID).Str("dial_to", target.DialTo).Str("delivery", s.delivery.Name()).Msg("session started")

	if err := s.nav.StartCall(target); err != nil {
		s.teardown(s.nav.Status())
		return nil, fmt.Errorf("session: start call: %w", err)
	}
	return s, nil
}

func (r *Registry) newSession(target navigation.Target) *Session {
	id := uuid.NewString()
	logger := xlog.WithSession("session", id)
	ctx, cancel := context.WithCancel(r.base)
	tasks := sched.NewGroup(r.deps.Clock)
	s := &Session{
		ID:        id,
		CreatedAt: tasks.Now(),
		Target:    target,
		registry:  r,
		tasks:     tasks,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	if r.opts.CaptureSeconds > 0 {
		s.recorder = capture.NewRecorder(r.opts.CaptureSeconds, audio.WidebandRate)
	}
	s.lock = turn.New(tasks, func() { s.bridge.TurnExpired() })

	if r.opts.Mode == speech.ModeText {
		s.delivery = bridge.NewTextDelivery(r.deps.Telephony, func() string { return s.nav.Status().CallSID })
	} else {
		s.delivery = bridge.NewAudioDelivery(r.deps.Synth, func(err error) {
			logger.Debug().Err(err).Msg("write to media stream")
		})
	}

	s.nav = navigation.New(ctx, r.deps.Telephony, tasks, r.opts.Navigation, navigation.Hooks{
		CallLeg: func(current, previous string) { r.index(s, current, previous) },
		Transition: func(_, to navigation.State) {
			r.deps.Metrics.RecordTransition(to.String())
		},
		Joined:   s.onJoined,
		Terminal: s.teardown,
		Retry: func(int, string) {
			r.deps.Metrics.RecordNavigationRetry()
		},
	}, logger).WithJoinPredicate(r.opts.JoinPredicate)

	s.bridge = bridge.New(bridge.Config{
		Mode:     r.opts.Mode,
		PerWord:  r.opts.PerWord,
		Overhead: r.opts.Overhead,
	}, bridge.Deps{
		Gate:         s.nav,
		Lock:         s.lock,
		Endpoint:     r.deps.Speech(),
		Delivery:     s.delivery,
		Recorder:     s.recorder,
		Metrics:      r.deps.Metrics,
		Logger:       logger,
		OnTranscript: s.onTranscript,
	})
	return s
}

// Get returns a live session by ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Lookup returns the session whose active call leg is callSID.
func (r *Registry) Lookup(callSID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byCall[callSID]
	return s, ok
}

// List snapshots every live session, oldest first.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	out := make([]Snapshot, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Status())
	}
	return out
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Dispatch routes a webhook event to the session owning callSID. Events for
// unknown legs are dropped and false is returned.
func (r *Registry) Dispatch(callSID string, ev callevent.Event) bool {
	if _, unknown := ev.(callevent.Unknown); unknown {
		r.deps.Metrics.RecordDroppedEvent("unknown_kind")
		r.logger.Debug().Str("call_sid", callSID).Msg("ignoring unrecognised event")
		return false
	}
	s, ok := r.Lookup(callSID)
	if !ok {
		r.deps.Metrics.RecordDroppedEvent("unknown_call")
		r.logger.Debug().Str("call_sid", callSID).Str("event", ev.Kind()).Msg("event for unknown call dropped")
		return false
	}
	s.HandleEvent(ev)
	return true
}

// BindStream is the media-stream Binder: it hands a started stream to the
// session owning its call leg.
func (r *Registry) BindStream(c *mediastream.Conn, start mediastream.Start) (mediastream.Binding, error) {
	s, ok := r.Lookup(start.CallSID)
	if !ok {
		r.deps.Metrics.RecordDroppedEvent("unknown_stream")
		return nil, fmt.Errorf("%w: no session for call %s", ErrNotFound, start.CallSID)
	}
	if want := start.Params["session"]; want != "" && want != s.ID {
		return nil, fmt.Errorf("session: stream for %s arrived on call of %s", want, s.ID)
	}
	return s.attach(c)
}

// End hangs up the session with id.
func (r *Registry) End(ctx context.Context, id string) error {
	s, ok := r.Get(id)
	if !ok {
		return ErrNotFound
	}
	s.End(ctx)
	return nil
}

// Shutdown ends every session and refuses new ones.
func (r *Registry) Shutdown(ctx context.Context) {
	r.cancel()
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		sessions = append(sessions, s)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.End(ctx)
		}()
	}
	wg.Wait()
}

// index moves the call-leg mapping of s. It runs under the navigator's lock.
func (r *Registry) index(s *Session, current, previous string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if previous != "" && r.byCall[previous] == s {
		delete(r.byCall, previous)
	}
	if current != "" {
		r.byCall[current] = s
	}
}

func (r *Registry) remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, s.ID)
	for sid, owner := range r.byCall {
		if owner == s {
			delete(r.byCall, sid)
		}
	}
}
