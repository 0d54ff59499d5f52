package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrNoAudio is returned when there is nothing to encode.
var ErrNoAudio = errors.New("audio: no samples")

type wavHeader struct {
	RIFF          [4]byte
	ChunkSize     uint32
	WAVE          [4]byte
	Fmt           [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	Channels      uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	Data          [4]byte
	DataSize      uint32
}

// EncodeWAV wraps mono 16-bit samples in a RIFF/WAVE container.
func EncodeWAV(samples []int16, rate int) ([]byte, error) {
	if len(samples) == 0 {
		return nil, ErrNoAudio
	}
	if rate <= 0 {
		return nil, fmt.Errorf("audio: invalid sample rate %d", rate)
	}
	dataSize := uint32(2 * len(samples))
	h := wavHeader{
		RIFF:          [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     36 + dataSize,
		WAVE:          [4]byte{'W', 'A', 'V', 'E'},
		Fmt:           [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		Channels:      1,
		SampleRate:    uint32(rate),
		ByteRate:      uint32(rate) * 2,
		BlockAlign:    2,
		BitsPerSample: 16,
		Data:          [4]byte{'d', 'a', 't', 'a'},
		DataSize:      dataSize,
	}
	buf := bytes.NewBuffer(make([]byte, 0, 44+dataSize))
	if err := binary.Write(buf, binary.LittleEndian, h); err != nil {
		return nil, fmt.Errorf("audio: write wav header: %w", err)
	}
	if err := binary.Write(buf, binary.LittleEndian, samples); err != nil {
		return nil, fmt.Errorf("audio: write wav data: %w", err)
	}
	return buf.Bytes(), nil
}
