package bridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/chadiek/meetbridge/internal/audio"
	"github.com/chadiek/meetbridge/internal/tts"
)

var (
	// ErrUnsupported is returned when a delivery cannot play the utterance it
	// was given, such as raw audio on a text delivery.
	ErrUnsupported = errors.New("bridge: utterance not supported by delivery")
	// ErrNoCall is returned when there is no live call leg to speak into.
	ErrNoCall = errors.New("bridge: no active call")
)

// Utterance is one piece of speech for the call: either synthesized PCM or
// text. Turn names the playback so completion can be matched to it.
type Utterance struct {
	Turn string
	Text string
	PCM  []int16
	Rate int
}

// Delivery plays speech into the call. A session uses exactly one.
type Delivery interface {
	Name() string
	// Deliver plays u; audio turns may call it once per chunk.
	Deliver(ctx context.Context, u Utterance) error
	// Finish closes a turn. Completion is reported back under the turn's name.
	Finish(ctx context.Context, turn string) error
	// Cancel drops speech that has not been played yet.
	Cancel()
	Close()
}

// StreamAttacher is implemented by deliveries that write onto the media stream.
type StreamAttacher interface {
	Attach(sink audio.FrameSink)
}

type clearer interface {
	Clear() error
}

// AudioDelivery encodes PCM to μ-law and paces it onto the media stream.
// Text is rendered with the synthesizer when one is configured.
type AudioDelivery struct {
	pacer *audio.PacedWriter
	synth tts.Synthesizer

	mu   sync.Mutex
	sink audio.FrameSink
	enc  *audio.Encoder
	rate int
}

// NewAudioDelivery starts the pacer. synth may be nil.
func NewAudioDelivery(synth tts.Synthesizer, onError func(error)) *AudioDelivery {
	return &AudioDelivery{
		pacer: audio.NewPacedWriter(nil, onError),
		synth: synth,
	}
}

func (d *AudioDelivery) Name() string { return "audio" }

// Attach points playback at a media stream.
func (d *AudioDelivery) Attach(sink audio.FrameSink) {
	d.mu.Lock()
	d.sink = sink
	d.mu.Unlock()
	d.pacer.SetSink(sink)
}

func (d *AudioDelivery) Deliver(ctx context.Context, u Utterance) error {
	if len(u.PCM) > 0 {
		d.write(u.PCM, u.Rate)
		return nil
	}
	if strings.TrimSpace(u.Text) == "" {
		return ErrUnsupported
	}
	if d.synth == nil {
		return fmt.Errorf("%w: no synthesizer for text", ErrUnsupported)
	}
	for _, chunk := range chunkReply(u.Text) {
		if err := d.synthesize(ctx, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (d *AudioDelivery) synthesize(ctx context.Context, text string) error {
	pcmCh, errCh := d.synth.Synthesize(ctx, text)
	var odd []byte
	for pcmCh != nil || errCh != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b, ok := <-pcmCh:
			if !ok {
				pcmCh = nil
				continue
			}
			b = append(odd, b...)
			odd = nil
			if len(b)%2 == 1 {
				odd = []byte{b[len(b)-1]}
				b = b[:len(b)-1]
			}
			d.write(audio.SamplesFromPCM16LE(b), tts.SampleRate)
		case err, ok := <-errCh:
			if !ok {
				errCh = nil
				continue
			}
			if err != nil {
				return fmt.Errorf("bridge: synthesize: %w", err)
			}
		}
	}
	return nil
}

func (d *AudioDelivery) write(pcm []int16, rate int) {
	if rate <= 0 {
		rate = audio.SynthesisRate
	}
	d.mu.Lock()
	if d.enc == nil || d.rate != rate {
		d.enc, d.rate = audio.NewEncoder(rate), rate
	}
	ulaw := d.enc.Encode(pcm)
	d.mu.Unlock()
	d.pacer.Write(ulaw)
}

// Finish queues a mark behind the turn's audio.
func (d *AudioDelivery) Finish(_ context.Context, turn string) error {
	d.pacer.Mark(turn)
	d.mu.Lock()
	if d.enc != nil {
		d.enc.Reset()
	}
	d.mu.Unlock()
	return nil
}

// Cancel drops queued frames and asks the far end to drop its buffer.
func (d *AudioDelivery) Cancel() {
	d.pacer.Reset()
	d.mu.Lock()
	sink := d.sink
	if d.enc != nil {
		d.enc.Reset()
	}
	d.mu.Unlock()
	if c, ok := sink.(clearer); ok {
		_ = c.Clear()
	}
}

func (d *AudioDelivery) Close() { d.pacer.Close() }

// Speaker issues a single speak action on a call leg.
type Speaker interface {
	Speak(ctx context.Context, callSID, text, turn string) error
}

// TextDelivery hands whole replies to the telephony provider's own speech
// synthesis. The provider reports completion through the playback callback.
type TextDelivery struct {
	speaker Speaker
	callSID func() string
}

// NewTextDelivery speaks on whichever leg callSID returns at delivery time.
func NewTextDelivery(speaker Speaker, callSID func() string) *TextDelivery {
	return &TextDelivery{speaker: speaker, callSID: callSID}
}

func (d *TextDelivery) Name() string { return "text" }

func (d *TextDelivery) Deliver(ctx context.Context, u Utterance) error {
	text := strings.TrimSpace(u.Text)
	if text == "" {
		return ErrUnsupported
	}
	sid := d.callSID()
	if sid == "" {
		return ErrNoCall
	}
	return d.speaker.Speak(ctx, sid, text, u.Turn)
}

func (d *TextDelivery) Finish(context.Context, string) error { return nil }
func (d *TextDelivery) Cancel()                              {}
func (d *TextDelivery) Close()                               {}

// chunkReply splits a reply into sentence-like chunks so synthesis of the
// first sentence can start playing before the rest is rendered.
func chunkReply(reply string) []string {
	txt := strings.TrimSpace(reply)
	if txt == "" {
		return nil
	}
	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimSpace(b.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	for _, r := range txt {
		switch r {
		case '.', '!', '?':
			b.WriteRune(r)
			flush()
		case '\n', '\r':
			flush()
		default:
			b.WriteRune(r)
		}
	}
	flush()
	return chunks
}
