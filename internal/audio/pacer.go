package audio

import (
	"sync"
	"time"
)

const (
	// FrameBytes is one 20 ms μ-law frame at 8 kHz.
	FrameBytes = 160
	// FrameInterval is the playback time of one frame.
	FrameInterval = 20 * time.Millisecond

	mulawSilence = 0xFF
)

// FrameSink receives paced outbound media.
type FrameSink interface {
	WriteMedia(payload []byte) error
	WriteMark(name string) error
}

type pacedItem struct {
	frame []byte
	mark  string
}

// PacedWriter slices μ-law audio into 20 ms frames and hands them to a sink no
// faster than real-time playback. Marks are delivered in order with the audio
// around them so the far end can report when playback reached them.
type PacedWriter struct {
	mu      sync.Mutex
	sink    FrameSink
	pending []byte
	items   chan pacedItem
	stopCh  chan struct{}
	stopped bool
	onError func(error)
}

// NewPacedWriter starts a pacer. sink may be nil and attached later.
func NewPacedWriter(sink FrameSink, onError func(error)) *PacedWriter {
	w := &PacedWriter{
		sink:    sink,
		items:   make(chan pacedItem, 1024),
		stopCh:  make(chan struct{}),
		onError: onError,
	}
	go w.pacer()
	return w
}

// SetSink attaches or replaces the destination.
func (w *PacedWriter) SetSink(sink FrameSink) {
	w.mu.Lock()
	w.sink = sink
	w.mu.Unlock()
}

// Write buffers μ-law bytes and queues every complete frame.
func (w *PacedWriter) Write(ulaw []byte) {
	if len(ulaw) == 0 {
		return
	}
	w.mu.Lock()
	w.pending = append(w.pending, ulaw...)
	var frames [][]byte
	for len(w.pending) >= FrameBytes {
		f := make([]byte, FrameBytes)
		copy(f, w.pending[:FrameBytes])
		frames = append(frames, f)
		w.pending = w.pending[FrameBytes:]
	}
	w.mu.Unlock()
	for _, f := range frames {
		w.push(pacedItem{frame: f})
	}
}

// Mark pads the partial frame with silence, queues it, then queues a mark.
func (w *PacedWriter) Mark(name string) {
	w.flushPartial()
	w.push(pacedItem{mark: name})
}

// Reset discards everything queued but not yet played.
func (w *PacedWriter) Reset() {
	w.mu.Lock()
	w.pending = w.pending[:0]
	w.mu.Unlock()
	for {
		select {
		case <-w.items:
		default:
			return
		}
	}
}

// Queued reports the number of frames and marks waiting.
func (w *PacedWriter) Queued() int { return len(w.items) }

// Close stops the pacer.
func (w *PacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *PacedWriter) flushPartial() {
	w.mu.Lock()
	if len(w.pending) == 0 {
		w.mu.Unlock()
		return
	}
	f := make([]byte, FrameBytes)
	n := copy(f, w.pending)
	for i := n; i < FrameBytes; i++ {
		f[i] = mulawSilence
	}
	w.pending = w.pending[:0]
	w.mu.Unlock()
	w.push(pacedItem{frame: f})
}

func (w *PacedWriter) pacer() {
	ticker := time.NewTicker(FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.mu.Lock()
			sink := w.sink
			w.mu.Unlock()
			if sink == nil {
				continue
			}
			w.emit(sink)
		}
	}
}

// emit sends at most one frame, plus any marks queued directly behind it.
func (w *PacedWriter) emit(sink FrameSink) {
	for {
		select {
		case it := <-w.items:
			if it.mark != "" {
				w.report(sink.WriteMark(it.mark))
				continue
			}
			w.report(sink.WriteMedia(it.frame))
			return
		default:
			return
		}
	}
}

func (w *PacedWriter) report(err error) {
	if err != nil && w.onError != nil {
		w.onError(err)
	}
}

// push enqueues an item, blocking until space is available or stopped.
func (w *PacedWriter) push(it pacedItem) {
	select {
	case <-w.stopCh:
	case w.items <- it:
	}
}
