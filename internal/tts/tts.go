// Package tts synthesizes operator speech for calls whose replies are
// streamed as raw audio.
package tts

import "context"

// SampleRate is the PCM rate every synthesizer here produces.
const SampleRate = 24000

// Synthesizer streams 16-bit little-endian mono PCM at SampleRate for text.
// The PCM channel is closed when synthesis ends; at most one error is sent.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error)
}
