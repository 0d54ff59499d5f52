package tts

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	msginterfaces "github.com/deepgram/deepgram-go-sdk/pkg/api/speak/v1/websocket/interfaces"
	clientinterfaces "github.com/deepgram/deepgram-go-sdk/pkg/client/interfaces/v1"
	"github.com/deepgram/deepgram-go-sdk/pkg/client/speak"
	"github.com/rs/zerolog"

	xlog "github.com/chadiek/meetbridge/internal/log"
)

// ErrMissingKey is returned when a provider has no credentials.
var ErrMissingKey = errors.New("tts: API key missing")

const pollInterval = 50 * time.Millisecond

// DeepgramConfig configures a DeepgramClient.
type DeepgramConfig struct {
	APIKey string
	Model  string
	// IdleGap ends an utterance once audio has stopped arriving for this long.
	// The speak socket has no end-of-utterance message for flushed text.
	IdleGap time.Duration
	// MaxDuration bounds one utterance when audio never goes quiet.
	MaxDuration time.Duration
}

// DeepgramClient streams speech from Deepgram's websocket speak API.
type DeepgramClient struct {
	cfg    DeepgramConfig
	logger zerolog.Logger
}

// NewDeepgramClient fills unset fields of cfg with defaults.
func NewDeepgramClient(cfg DeepgramConfig) *DeepgramClient {
	if cfg.Model == "" {
		cfg.Model = "aura-2-thalia-en"
	}
	if cfg.IdleGap <= 0 {
		cfg.IdleGap = 400 * time.Millisecond
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 12 * time.Second
	}
	return &DeepgramClient{cfg: cfg, logger: xlog.WithComponent("tts.deepgram")}
}

// Synthesize implements Synthesizer.
func (d *DeepgramClient) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 1024)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if err := d.stream(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (d *DeepgramClient) stream(ctx context.Context, text string, out chan<- []byte) error {
	if d.cfg.APIKey == "" {
		return fmt.Errorf("deepgram: %w", ErrMissingKey)
	}
	if text == "" {
		return nil
	}

	fwd := &pcmForwarder{ctx: ctx, out: out}
	options := &clientinterfaces.WSSpeakOptions{
		Model:      d.cfg.Model,
		Encoding:   "linear16",
		SampleRate: SampleRate,
	}
	ws, err := speak.NewWSUsingCallback(ctx, d.cfg.APIKey, &clientinterfaces.ClientOptions{}, options, fwd)
	if err != nil {
		return fmt.Errorf("deepgram: create ws client: %w", err)
	}
	defer ws.Stop()

	if !ws.Connect() {
		return errors.New("deepgram: connect failed")
	}
	if err := ws.SpeakWithText(text); err != nil {
		return fmt.Errorf("deepgram: speak text: %w", err)
	}
	if err := ws.Flush(); err != nil {
		d.logger.Warn().Err(err).Msg("flush failed")
	}

	started := time.Now()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			switch utteranceState(now, started, fwd.lastAudio(), d.cfg.IdleGap, d.cfg.MaxDuration) {
			case utteranceDone:
				return nil
			case utteranceTimedOut:
				d.logger.Warn().Int("chars", len(text)).Dur("max", d.cfg.MaxDuration).Msg("synthesis hit deadline")
				return nil
			}
		}
	}
}

type utterance int

const (
	utterancePlaying utterance = iota
	utteranceDone
	utteranceTimedOut
)

// utteranceState decides whether a flushed utterance has finished arriving.
// last is zero until the first audio chunk.
func utteranceState(now, started, last time.Time, idleGap, maxDuration time.Duration) utterance {
	if !last.IsZero() && now.Sub(last) > idleGap {
		return utteranceDone
	}
	if now.Sub(started) > maxDuration {
		return utteranceTimedOut
	}
	return utterancePlaying
}

// pcmForwarder copies binary speak frames to out and ignores the rest.
type pcmForwarder struct {
	ctx  context.Context
	out  chan<- []byte
	last atomic.Int64
}

func (f *pcmForwarder) lastAudio() time.Time {
	if ns := f.last.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

func (f *pcmForwarder) Binary(msg []byte) error {
	if len(msg) == 0 {
		return nil
	}
	f.last.Store(time.Now().UnixNano())
	select {
	case f.out <- append([]byte(nil), msg...):
	case <-f.ctx.Done():
	}
	return nil
}

func (f *pcmForwarder) Open(*msginterfaces.OpenResponse) error         { return nil }
func (f *pcmForwarder) Metadata(*msginterfaces.MetadataResponse) error { return nil }
func (f *pcmForwarder) Flush(*msginterfaces.FlushedResponse) error     { return nil }
func (f *pcmForwarder) Clear(*msginterfaces.ClearedResponse) error     { return nil }
func (f *pcmForwarder) Close(*msginterfaces.CloseResponse) error       { return nil }
func (f *pcmForwarder) Warning(*msginterfaces.WarningResponse) error   { return nil }
func (f *pcmForwarder) Error(*msginterfaces.ErrorResponse) error       { return nil }
func (f *pcmForwarder) UnhandledEvent([]byte) error                    { return nil }
