package audio

import "sync"

// Ring keeps the most recent samples of a PCM stream.
type Ring struct {
	mu       sync.Mutex
	buf      []int16
	writePos int
	filled   int
	rate     int
}

// NewRing holds capacity of audio at rate (at least 100 ms).
func NewRing(capacityMs, rate int) *Ring {
	samples := capacityMs * rate / 1000
	if samples < rate/10 {
		samples = rate / 10
	}
	return &Ring{buf: make([]int16, samples), rate: rate}
}

// Write appends samples, overwriting the oldest.
func (r *Ring) Write(samples []int16) {
	r.mu.Lock()
	for _, s := range samples {
		r.buf[r.writePos] = s
		r.writePos = (r.writePos + 1) % len(r.buf)
	}
	r.filled += len(samples)
	if r.filled > len(r.buf) {
		r.filled = len(r.buf)
	}
	r.mu.Unlock()
}

// Snapshot returns the buffered samples, oldest first.
func (r *Ring) Snapshot() []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int16, r.filled)
	start := (r.writePos - r.filled + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Rate returns the sample rate of the buffered stream.
func (r *Ring) Rate() int { return r.rate }
