// Package bridge relays call audio to the speech endpoint and the endpoint's
// replies back into the call, gated on the join state and the turn lock.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/chadiek/meetbridge/internal/audio"
	"github.com/chadiek/meetbridge/internal/capture"
	"github.com/chadiek/meetbridge/internal/metrics"
	"github.com/chadiek/meetbridge/internal/speech"
	"github.com/chadiek/meetbridge/internal/turn"
)

var (
	// ErrClosed is returned once the bridge has been shut down.
	ErrClosed = errors.New("bridge: closed")
	// ErrQueueFull is returned when too much speech is already waiting.
	ErrQueueFull = errors.New("bridge: speak queue full")
)

const speakQueue = 16

// Floor owners. Endpoint replies and queued speech never share the floor.
const (
	ownerReply  = "reply"
	ownerSpeech = "speech"
)

// Gate reports whether the call is inside the meeting.
type Gate interface {
	Joined() bool
}

// Config tunes turn sizing and the reply channel.
type Config struct {
	Mode     speech.Mode
	PerWord  time.Duration
	Overhead time.Duration
}

// Deps are the collaborators of one bridge. Recorder and Metrics are optional.
type Deps struct {
	Gate     Gate
	Lock     *turn.Lock
	Endpoint speech.Endpoint
	Delivery Delivery
	Recorder *capture.Recorder
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	// OnTranscript receives recognized speech; role is "caller" or "agent".
	OnTranscript func(role, text string)
}

// Bridge is the audio relay of one session.
type Bridge struct {
	cfg Config
	Deps

	decoder audio.Decoder
	active  atomic.Bool
	gated   atomic.Bool
	speak   chan string

	mu       sync.Mutex
	seq      int
	current  string
	awaiting string
	// discard drops the rest of an endpoint reply that found the floor taken.
	discard bool
	reply   strings.Builder
	cancel   context.CancelFunc
	group    *errgroup.Group
	closed   bool
}

// New builds an inactive bridge.
func New(cfg Config, deps Deps) *Bridge {
	if cfg.Mode == "" {
		cfg.Mode = speech.ModeAudio
	}
	if cfg.PerWord <= 0 {
		cfg.PerWord = turn.DefaultPerWord
	}
	if cfg.Overhead <= 0 {
		cfg.Overhead = turn.DefaultOverhead
	}
	b := &Bridge{cfg: cfg, Deps: deps, speak: make(chan string, speakQueue)}
	b.gated.Store(true)
	return b
}

// Activate connects the speech endpoint and starts relaying. It is called
// once navigation confirms the join.
func (b *Bridge) Activate(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.group != nil {
		b.mu.Unlock()
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	b.cancel, b.group = cancel, g
	b.mu.Unlock()

	if err := b.Endpoint.Connect(gctx); err != nil {
		cancel()
		b.mu.Lock()
		b.cancel, b.group = nil, nil
		b.mu.Unlock()
		return fmt.Errorf("bridge: connect speech endpoint: %w", err)
	}
	g.Go(func() error { return b.pump(gctx) })
	g.Go(func() error { return b.speaker(gctx) })
	b.active.Store(true)
	b.Logger.Info().Str("delivery", b.Delivery.Name()).Str("mode", string(b.cfg.Mode)).Msg("bridge active")
	return nil
}

// Active reports whether audio is being relayed.
func (b *Bridge) Active() bool { return b.active.Load() }

// AttachStream points outbound audio at a media stream and restarts the
// inbound interpolation carry.
func (b *Bridge) AttachStream(sink audio.FrameSink) {
	b.decoder.Reset()
	if a, ok := b.Delivery.(StreamAttacher); ok {
		a.Attach(countingSink{FrameSink: sink, metrics: b.Metrics})
	}
}

// DetachStream stops outbound audio until a new stream is attached.
func (b *Bridge) DetachStream() {
	if a, ok := b.Delivery.(StreamAttacher); ok {
		a.Attach(nil)
	}
}

// ForwardInbound relays one μ-law frame from the call. Nothing is forwarded
// before the join is confirmed, or while the system holds the floor.
func (b *Bridge) ForwardInbound(ctx context.Context, payload []byte) {
	if !b.Gate.Joined() || !b.active.Load() {
		b.gated.Store(true)
		b.Metrics.RecordInbound(metrics.FrameNotJoined)
		return
	}
	if b.Lock.Speaking() {
		b.gated.Store(true)
		b.Metrics.RecordInbound(metrics.FrameSpeaking)
		return
	}
	if b.gated.Swap(false) {
		b.decoder.Reset()
	}
	pcm := b.decoder.Decode(payload)
	b.Recorder.Write(pcm)
	if err := b.Endpoint.SendAudio(ctx, pcm); err != nil {
		b.Metrics.RecordInbound(metrics.FrameSendFailure)
		b.Logger.Debug().Err(err).Msg("forward inbound audio")
		return
	}
	b.Metrics.RecordInbound(metrics.FrameForwarded)
}

// QueueSpeak schedules text to be spoken once the floor is free. Queued
// speech plays one utterance at a time.
func (b *Bridge) QueueSpeak(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	select {
	case b.speak <- text:
		return nil
	default:
		return ErrQueueFull
	}
}

// PlaybackFinished handles the far end reporting that a turn finished
// playing. Reports for anything but the newest finished turn are stale.
func (b *Bridge) PlaybackFinished(name string) {
	b.mu.Lock()
	if name != b.awaiting {
		b.mu.Unlock()
		b.Logger.Debug().Str("turn", name).Msg("stale playback report")
		return
	}
	b.awaiting = ""
	release := b.current == ""
	b.mu.Unlock()
	if release && b.Lock.End() {
		b.Logger.Debug().Str("turn", name).Msg("turn ended")
	}
}

// TurnExpired is called when the safety timer released a turn whose
// playback report never arrived.
func (b *Bridge) TurnExpired() {
	b.mu.Lock()
	turnName := b.awaiting
	if turnName == "" {
		turnName = b.current
	}
	b.awaiting, b.current = "", ""
	b.mu.Unlock()
	b.Metrics.RecordTurnExpiry()
	b.Logger.Warn().Str("turn", turnName).Msg("turn lock expired without playback report")
}

// Close stops relaying and releases the endpoint and delivery.
func (b *Bridge) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	cancel, g := b.cancel, b.group
	b.mu.Unlock()

	b.active.Store(false)
	if cancel != nil {
		cancel()
	}
	err := b.Endpoint.Close()
	b.Delivery.Close()
	if g != nil {
		if werr := g.Wait(); werr != nil && !errors.Is(werr, context.Canceled) {
			b.Logger.Debug().Err(werr).Msg("bridge workers stopped")
		}
	}
	return err
}

// pump applies endpoint events until the endpoint closes.
func (b *Bridge) pump(ctx context.Context) error {
	events := b.Endpoint.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if done := b.handle(ctx, ev); done {
				return nil
			}
		}
	}
}

func (b *Bridge) handle(ctx context.Context, ev speech.Event) bool {
	switch ev := ev.(type) {
	case speech.Ready:
		b.Logger.Debug().Msg("speech endpoint ready")
	case speech.AudioOut:
		if b.cfg.Mode != speech.ModeAudio {
			return false
		}
		b.deliverAudio(ctx, ev)
	case speech.TextOut:
		if b.cfg.Mode == speech.ModeText {
			b.mu.Lock()
			b.reply.WriteString(ev.Text)
			b.mu.Unlock()
		}
	case speech.TurnComplete:
		b.completeTurn(ctx)
	case speech.Interrupted:
		b.interrupt()
	case speech.InputTranscript:
		b.transcript("caller", ev.Text)
	case speech.OutputTranscript:
		b.transcript("agent", ev.Text)
	case speech.Closed:
		if ev.Err != nil {
			b.Logger.Warn().Err(ev.Err).Msg("speech endpoint closed")
		} else {
			b.Logger.Info().Msg("speech endpoint closed")
		}
		b.active.Store(false)
		return true
	}
	return false
}

// deliverAudio plays one endpoint audio chunk, opening a turn on the first
// chunk and pushing the lock's expiry out by each chunk's playback time. A
// reply that starts while queued speech holds the floor is dropped whole.
func (b *Bridge) deliverAudio(ctx context.Context, ev speech.AudioOut) {
	d := audio.Duration(len(ev.PCM), ev.Rate)
	b.mu.Lock()
	if b.discard {
		b.mu.Unlock()
		return
	}
	name := b.current
	if name == "" || !b.Lock.Extend(ownerReply, d) {
		if !b.Lock.TryBegin(ownerReply, d+b.cfg.Overhead) {
			b.current = ""
			b.discard = true
			b.mu.Unlock()
			b.Logger.Debug().Str("owner", b.Lock.Owner()).Msg("floor taken; dropping endpoint reply")
			return
		}
		if name == "" {
			name = b.nextTurnLocked()
			b.current = name
		}
	}
	b.mu.Unlock()
	if err := b.Delivery.Deliver(ctx, Utterance{Turn: name, PCM: ev.PCM, Rate: ev.Rate}); err != nil {
		b.Logger.Warn().Err(err).Str("turn", name).Msg("deliver audio")
	}
}

func (b *Bridge) completeTurn(ctx context.Context) {
	b.mu.Lock()
	name := b.current
	b.current = ""
	b.discard = false
	if name != "" {
		b.awaiting = name
	}
	text := b.reply.String()
	b.reply.Reset()
	b.mu.Unlock()

	if name != "" {
		if err := b.Delivery.Finish(ctx, name); err != nil {
			b.Logger.Warn().Err(err).Str("turn", name).Msg("finish turn")
		}
	}
	if b.cfg.Mode == speech.ModeText && strings.TrimSpace(text) != "" {
		if err := b.QueueSpeak(text); err != nil {
			b.Logger.Warn().Err(err).Msg("queue reply")
		}
	}
}

// interrupt stops the endpoint's reply. Queued speech holding the floor is
// not the endpoint's to cancel.
func (b *Bridge) interrupt() {
	b.mu.Lock()
	b.reply.Reset()
	b.discard = false
	if b.Lock.Owner() == ownerSpeech {
		b.current = ""
		b.mu.Unlock()
		return
	}
	b.current, b.awaiting = "", ""
	b.mu.Unlock()
	b.Delivery.Cancel()
	b.Lock.Release(ownerReply)
	b.Logger.Debug().Msg("reply interrupted")
}

// speaker plays queued speech, one utterance per turn.
func (b *Bridge) speaker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case text := <-b.speak:
			if !b.claim(ctx, turn.EstimateSpeech(text, b.cfg.PerWord, b.cfg.Overhead)) {
				return nil
			}
			b.say(ctx, text)
		}
	}
}

// claim waits for a free floor and takes it for queued speech. It returns
// false if ctx ends first.
func (b *Bridge) claim(ctx context.Context, d time.Duration) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-b.Lock.Idle():
		}
		if b.Lock.TryBegin(ownerSpeech, d) {
			return true
		}
	}
}

// say delivers text on a floor already claimed by the speaker.
func (b *Bridge) say(ctx context.Context, text string) {
	b.mu.Lock()
	name := b.nextTurnLocked()
	b.awaiting = name
	b.mu.Unlock()

	err := b.Delivery.Deliver(ctx, Utterance{Turn: name, Text: text})
	if err == nil {
		err = b.Delivery.Finish(ctx, name)
	}
	b.Metrics.RecordSpeak(b.Delivery.Name(), err)
	if err != nil {
		b.mu.Lock()
		if b.awaiting == name {
			b.awaiting = ""
		}
		b.mu.Unlock()
		b.Lock.Release(ownerSpeech)
		b.Logger.Warn().Err(err).Str("turn", name).Msg("speak failed")
		return
	}
	b.Logger.Info().Str("turn", name).Int("words", len(strings.Fields(text))).Msg("speaking")
}

func (b *Bridge) transcript(role, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	b.Logger.Debug().Str("role", role).Str("text", text).Msg("transcript")
	if b.OnTranscript != nil {
		b.OnTranscript(role, text)
	}
}

func (b *Bridge) nextTurnLocked() string {
	b.seq++
	return "turn-" + strconv.Itoa(b.seq)
}

// countingSink counts frames written to the media stream.
type countingSink struct {
	audio.FrameSink
	metrics *metrics.Metrics
}

func (s countingSink) WriteMedia(payload []byte) error {
	err := s.FrameSink.WriteMedia(payload)
	if err == nil {
		s.metrics.RecordOutboundFrame()
	}
	return err
}

func (s countingSink) Clear() error {
	if c, ok := s.FrameSink.(clearer); ok {
		return c.Clear()
	}
	return nil
}
