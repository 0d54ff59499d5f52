// Package speech talks to the realtime speech endpoint: wideband PCM goes in,
// synthesized audio (or reply text) and transcripts come out.
package speech

import "context"

// Mode selects what the endpoint answers with.
type Mode string

const (
	ModeAudio Mode = "audio"
	ModeText  Mode = "text"
)

// Event is one notification from the endpoint.
type Event interface{ isEvent() }

// Ready reports the session was accepted.
type Ready struct{}

// AudioOut is a chunk of synthesized speech.
type AudioOut struct {
	PCM  []int16
	Rate int
}

// TextOut is a fragment of a text reply.
type TextOut struct{ Text string }

// TurnComplete marks the end of one reply.
type TurnComplete struct{}

// Interrupted reports the endpoint abandoned its reply.
type Interrupted struct{}

// InputTranscript is recognized speech from the call.
type InputTranscript struct{ Text string }

// OutputTranscript is the text of synthesized speech.
type OutputTranscript struct{ Text string }

// Closed is the last event; Err is nil on a clean close.
type Closed struct{ Err error }

func (Ready) isEvent()            {}
func (AudioOut) isEvent()         {}
func (TextOut) isEvent()          {}
func (TurnComplete) isEvent()     {}
func (Interrupted) isEvent()      {}
func (InputTranscript) isEvent()  {}
func (OutputTranscript) isEvent() {}
func (Closed) isEvent()           {}

// Endpoint is a duplex speech session.
type Endpoint interface {
	Connect(ctx context.Context) error
	// SendAudio forwards 16 kHz mono PCM.
	SendAudio(ctx context.Context, pcm []int16) error
	// Events is closed after Closed has been delivered.
	Events() <-chan Event
	Close() error
}

// Factory opens one Endpoint per session.
type Factory func() Endpoint
