package audio

import "sync"

// Decoder keeps the per-direction interpolation carry so consecutive inbound
// frames upsample without a discontinuity at their boundary.
type Decoder struct {
	mu    sync.Mutex
	carry int16
}

// Decode upsamples one μ-law frame to wideband PCM.
func (d *Decoder) Decode(frame []byte) []int16 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out, carry := DecodeToWideband(frame, d.carry)
	d.carry = carry
	return out
}

// Reset re-initialises the carry to silence.
func (d *Decoder) Reset() {
	d.mu.Lock()
	d.carry = 0
	d.mu.Unlock()
}

// Encoder decimates linear PCM chunks to μ-law while keeping the decimation
// phase across chunk boundaries.
type Encoder struct {
	mu    sync.Mutex
	rate  int
	phase int
}

// NewEncoder returns an Encoder for PCM sampled at rate.
func NewEncoder(rate int) *Encoder {
	return &Encoder{rate: rate}
}

// Encode converts one chunk.
func (e *Encoder) Encode(pcm []int16) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	ratio := DecimationRatio(e.rate)
	skip := (ratio - e.phase) % ratio
	if skip >= len(pcm) {
		e.phase = (e.phase + len(pcm)) % ratio
		return nil
	}
	out := EncodeFromWideband(pcm[skip:], ratio)
	e.phase = (e.phase + len(pcm)) % ratio
	return out
}

// Reset forgets the decimation phase.
func (e *Encoder) Reset() {
	e.mu.Lock()
	e.phase = 0
	e.mu.Unlock()
}
