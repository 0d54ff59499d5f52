// Package audio converts between the telephony leg's 8 kHz G.711 μ-law frames
// and the linear PCM the speech endpoint speaks, and paces outbound frames.
package audio

const (
	// NarrowbandRate is the telephony leg sample rate.
	NarrowbandRate = 8000
	// WidebandRate is the speech endpoint input rate.
	WidebandRate = 16000
	// SynthesisRate is the speech endpoint output rate.
	SynthesisRate = 24000

	mulawBias = 0x84
	mulawClip = 32635
)

// Encoding names a payload encoding.
type Encoding string

const (
	EncodingMulaw Encoding = "audio/x-mulaw"
	EncodingPCM16 Encoding = "audio/pcm"
)

// Direction is the flow a frame travels.
type Direction int

const (
	Inbound  Direction = iota // call leg -> speech endpoint
	Outbound                  // speech endpoint -> call leg
)

func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Format describes the payload of a Frame.
type Format struct {
	Encoding   Encoding
	SampleRate int
}

// Frame is one contiguous chunk of audio travelling in one direction.
type Frame struct {
	Direction Direction
	Format    Format
	Payload   []byte
}

// MulawDecode expands one G.711 μ-law byte to a 16-bit linear sample.
func MulawDecode(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// MulawEncode compresses a 16-bit linear sample to one G.711 μ-law byte.
func MulawEncode(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0F
	return ^byte(sign | exponent<<4 | mantissa)
}

// DecodeToWideband expands an 8 kHz μ-law frame to 16 kHz linear PCM. Each
// decoded sample is preceded by the midpoint between it and its predecessor;
// carry is the predecessor of the first sample (the last sample of the
// previous frame). It returns 2×len(frame) samples and the new carry.
func DecodeToWideband(frame []byte, carry int16) ([]int16, int16) {
	out := make([]int16, 2*len(frame))
	prev := int32(carry)
	for i, b := range frame {
		cur := int32(MulawDecode(b))
		out[2*i] = int16((prev + cur) / 2)
		out[2*i+1] = int16(cur)
		prev = cur
	}
	return out, int16(prev)
}

// EncodeFromWideband keeps every ratio-th sample of buf, starting with the
// first, and μ-law encodes it. A ratio below 1 is treated as 1.
func EncodeFromWideband(buf []int16, ratio int) []byte {
	if ratio < 1 {
		ratio = 1
	}
	out := make([]byte, 0, (len(buf)+ratio-1)/ratio)
	for i := 0; i < len(buf); i += ratio {
		out = append(out, MulawEncode(buf[i]))
	}
	return out
}

// DecimationRatio returns the factor that brings rate down to the telephony rate.
func DecimationRatio(rate int) int {
	if rate <= NarrowbandRate {
		return 1
	}
	return rate / NarrowbandRate
}
