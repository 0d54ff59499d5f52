package audio

import (
	"encoding/binary"
	"time"
)

// PCM16LE serialises samples as little-endian 16-bit PCM.
func PCM16LE(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}

// SamplesFromPCM16LE parses little-endian 16-bit PCM. A trailing odd byte is ignored.
func SamplesFromPCM16LE(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// Duration returns the playback time of n samples at rate.
func Duration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second / time.Duration(rate)
}
