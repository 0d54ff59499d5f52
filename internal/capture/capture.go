// Package capture keeps a rolling window of inbound call audio for
// diagnostics and dumps it as WAV on request.
package capture

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/renameio/v2"

	"github.com/chadiek/meetbridge/internal/audio"
)

// Sink stores a finished capture.
type Sink interface {
	Save(ctx context.Context, name string, wav []byte) error
}

// Recorder mirrors PCM into a ring buffer off the caller's goroutine. Write
// never blocks; chunks are dropped when the recorder falls behind.
type Recorder struct {
	ring    *audio.Ring
	in      chan []int16
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// NewRecorder keeps the last seconds of audio sampled at rate.
func NewRecorder(seconds, rate int) *Recorder {
	r := &Recorder{
		ring:    audio.NewRing(seconds*1000, rate),
		in:      make(chan []int16, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go r.run()
	return r
}

// Write queues a copy of pcm.
func (r *Recorder) Write(pcm []int16) {
	if r == nil || len(pcm) == 0 {
		return
	}
	chunk := make([]int16, len(pcm))
	copy(chunk, pcm)
	select {
	case <-r.done:
	case r.in <- chunk:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports chunks lost because the recorder was busy.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// WAV encodes the current window.
func (r *Recorder) WAV() ([]byte, error) {
	return audio.EncodeWAV(r.ring.Snapshot(), r.ring.Rate())
}

// Close stops the recorder after draining queued chunks.
func (r *Recorder) Close() {
	r.once.Do(func() { close(r.done) })
	<-r.stopped
}

func (r *Recorder) run() {
	defer close(r.stopped)
	for {
		select {
		case chunk := <-r.in:
			r.ring.Write(chunk)
		case <-r.done:
			for {
				select {
				case chunk := <-r.in:
					r.ring.Write(chunk)
				default:
					return
				}
			}
		}
	}
}

// FileSink writes captures atomically into a directory.
type FileSink struct {
	Dir string
}

// Save implements Sink.
func (f FileSink) Save(_ context.Context, name string, wav []byte) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return fmt.Errorf("capture: create dir: %w", err)
	}
	path := filepath.Join(f.Dir, filepath.Base(name))
	if err := renameio.WriteFile(path, wav, 0o644); err != nil {
		return fmt.Errorf("capture: write %s: %w", path, err)
	}
	return nil
}
