package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chadiek/meetbridge/internal/audio"
	"github.com/chadiek/meetbridge/internal/navigation"
	"github.com/chadiek/meetbridge/internal/sched"
	"github.com/chadiek/meetbridge/internal/speech"
	"github.com/chadiek/meetbridge/internal/turn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stateGate struct{ state atomic.Int32 }

func (g *stateGate) set(s navigation.State) { g.state.Store(int32(s)) }
func (g *stateGate) Joined() bool           { return navigation.State(g.state.Load()) == navigation.ConfirmedJoined }

type fakeEndpoint struct {
	mu        sync.Mutex
	sent      [][]int16
	events    chan speech.Event
	closeOnce sync.Once
}

func newFakeEndpoint() *fakeEndpoint {
	return &fakeEndpoint{events: make(chan speech.Event, 16)}
}

func (e *fakeEndpoint) Connect(context.Context) error { return nil }

func (e *fakeEndpoint) SendAudio(_ context.Context, pcm []int16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sent = append(e.sent, pcm)
	return nil
}

func (e *fakeEndpoint) Events() <-chan speech.Event { return e.events }

func (e *fakeEndpoint) Close() error {
	e.closeOnce.Do(func() { close(e.events) })
	return nil
}

func (e *fakeEndpoint) sends() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sent)
}

type fakeDelivery struct {
	mu        sync.Mutex
	delivered []Utterance
	finished  []string
	cancels   int
	err       error
}

func (d *fakeDelivery) Name() string { return "fake" }

func (d *fakeDelivery) Deliver(_ context.Context, u Utterance) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, u)
	return d.err
}

func (d *fakeDelivery) Finish(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.finished = append(d.finished, name)
	return nil
}

func (d *fakeDelivery) Cancel() {
	d.mu.Lock()
	d.cancels++
	d.mu.Unlock()
}

func (d *fakeDelivery) Close() {}

func (d *fakeDelivery) cancelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancels
}

func (d *fakeDelivery) snapshot() ([]Utterance, []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Utterance(nil), d.delivered...), append([]string(nil), d.finished...)
}

type harness struct {
	bridge   *Bridge
	gate     *stateGate
	lock     *turn.Lock
	clock    *sched.Manual
	endpoint *fakeEndpoint
	delivery *fakeDelivery
}

func newHarness(t *testing.T, mode speech.Mode) *harness {
	t.Helper()
	h := &harness{
		gate:     &stateGate{},
		clock:    sched.NewManual(time.Unix(0, 0)),
		endpoint: newFakeEndpoint(),
		delivery: &fakeDelivery{},
	}
	var b *Bridge
	h.lock = turn.New(h.clock, func() { b.TurnExpired() })
	b = New(Config{Mode: mode}, Deps{
		Gate:     h.gate,
		Lock:     h.lock,
		Endpoint: h.endpoint,
		Delivery: h.delivery,
		Logger:   zerolog.Nop(),
	})
	h.bridge = b
	t.Cleanup(func() { _ = b.Close() })
	return h
}

func (h *harness) join(t *testing.T) {
	t.Helper()
	h.gate.set(navigation.ConfirmedJoined)
	require.NoError(t, h.bridge.Activate(context.Background()))
}

func frame() []byte {
	f := make([]byte, audio.FrameBytes)
	for i := range f {
		f[i] = 0x80
	}
	return f
}

func TestNoForwardingBeforeJoin(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	require.NoError(t, h.bridge.Activate(context.Background()))

	for _, s := range []navigation.State{navigation.Dialing, navigation.Answered, navigation.EnteringIdentifier, navigation.EnteringPasscode} {
		h.gate.set(s)
		for i := 0; i < 10; i++ {
			h.bridge.ForwardInbound(context.Background(), frame())
		}
	}
	assert.Zero(t, h.endpoint.sends(), "nothing reaches the endpoint during navigation")

	h.gate.set(navigation.ConfirmedJoined)
	h.bridge.ForwardInbound(context.Background(), frame())
	assert.Equal(t, 1, h.endpoint.sends())
	assert.Len(t, h.endpoint.sent[0], 2*audio.FrameBytes)
}

func TestNoForwardingWhileSpeaking(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	h.join(t)

	h.lock.Begin(5000 * time.Millisecond)
	h.bridge.ForwardInbound(context.Background(), frame())
	h.clock.Advance(4999 * time.Millisecond)
	h.bridge.ForwardInbound(context.Background(), frame())
	assert.Zero(t, h.endpoint.sends())

	h.clock.Advance(time.Millisecond)
	assert.False(t, h.lock.Speaking(), "safety timer clears the lock")
	h.bridge.ForwardInbound(context.Background(), frame())
	assert.Equal(t, 1, h.endpoint.sends(), "forwarding resumes after expiry")
}

func TestGateReopeningResetsCarry(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	h.join(t)

	loud := make([]byte, 4)
	for i := range loud {
		loud[i] = 0x00
	}
	h.bridge.ForwardInbound(context.Background(), loud)
	h.lock.Begin(time.Second)
	h.bridge.ForwardInbound(context.Background(), loud)
	h.lock.End()

	quiet := []byte{0xFF, 0xFF}
	h.bridge.ForwardInbound(context.Background(), quiet)
	require.Equal(t, 2, h.endpoint.sends())
	assert.Equal(t, []int16{0, 0, 0, 0}, h.endpoint.sent[1], "first sample interpolates from silence, not the stale carry")
}

func TestQueueSpeakOneAtATime(t *testing.T) {
	h := newHarness(t, speech.ModeText)
	h.join(t)

	require.NoError(t, h.bridge.QueueSpeak("hello there"))
	require.NoError(t, h.bridge.QueueSpeak("second thing"))

	require.Eventually(t, func() bool {
		got, _ := h.delivery.snapshot()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, h.lock.Speaking())

	time.Sleep(20 * time.Millisecond)
	got, finished := h.delivery.snapshot()
	require.Len(t, got, 1, "second utterance waits for the first to finish")
	assert.Equal(t, "hello there", got[0].Text)
	assert.Equal(t, []string{"turn-1"}, finished)

	h.bridge.PlaybackFinished("turn-1")
	require.Eventually(t, func() bool {
		got, _ := h.delivery.snapshot()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	got, _ = h.delivery.snapshot()
	assert.Equal(t, "second thing", got[1].Text)
	assert.Equal(t, "turn-2", got[1].Turn)
}

func TestQueueSpeakTurnSizedFromText(t *testing.T) {
	h := newHarness(t, speech.ModeText)
	h.join(t)
	start := h.clock.Now()

	require.NoError(t, h.bridge.QueueSpeak("one two three"))
	require.Eventually(t, h.lock.Speaking, time.Second, 5*time.Millisecond)
	assert.Equal(t, start.Add(3*turn.DefaultPerWord+turn.DefaultOverhead), h.lock.Deadline())
}

func TestFailedSpeakReleasesLock(t *testing.T) {
	h := newHarness(t, speech.ModeText)
	h.delivery.err = errors.New("provider down")
	h.join(t)

	require.NoError(t, h.bridge.QueueSpeak("hello"))
	require.Eventually(t, func() bool {
		got, _ := h.delivery.snapshot()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !h.lock.Speaking() }, time.Second, 5*time.Millisecond)
}

func TestStalePlaybackReportIgnored(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	h.join(t)

	h.endpoint.events <- speech.AudioOut{PCM: make([]int16, 2400), Rate: 24000}
	h.endpoint.events <- speech.TurnComplete{}
	require.Eventually(t, func() bool {
		_, finished := h.delivery.snapshot()
		return len(finished) == 1
	}, time.Second, 5*time.Millisecond)

	h.bridge.PlaybackFinished("turn-0")
	assert.True(t, h.lock.Speaking())
	h.bridge.PlaybackFinished("turn-1")
	assert.False(t, h.lock.Speaking())
}

func TestEndpointAudioHoldsTurn(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	h.join(t)
	start := h.clock.Now()

	h.endpoint.events <- speech.AudioOut{PCM: make([]int16, 24000), Rate: 24000}
	h.endpoint.events <- speech.AudioOut{PCM: make([]int16, 12000), Rate: 24000}
	require.Eventually(t, func() bool {
		got, _ := h.delivery.snapshot()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)

	got, _ := h.delivery.snapshot()
	assert.Equal(t, "turn-1", got[0].Turn)
	assert.Equal(t, "turn-1", got[1].Turn)
	assert.Equal(t, start.Add(1500*time.Millisecond+turn.DefaultOverhead), h.lock.Deadline())

	h.bridge.ForwardInbound(context.Background(), frame())
	assert.Zero(t, h.endpoint.sends(), "own speech is not fed back")
}

func TestInterruptCancelsTurn(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	h.join(t)

	h.endpoint.events <- speech.AudioOut{PCM: make([]int16, 2400), Rate: 24000}
	h.endpoint.events <- speech.Interrupted{}
	require.Eventually(t, func() bool { return h.delivery.cancelCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, h.lock.Speaking())
}

func TestEndpointReplyWaitsForQueuedSpeech(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	h.join(t)

	require.NoError(t, h.bridge.QueueSpeak("hello there everyone"))
	require.Eventually(t, func() bool {
		_, finished := h.delivery.snapshot()
		return len(finished) == 1
	}, time.Second, 5*time.Millisecond)

	h.endpoint.events <- speech.AudioOut{PCM: make([]int16, 480), Rate: 24000}
	h.endpoint.events <- speech.AudioOut{PCM: make([]int16, 480), Rate: 24000}
	h.endpoint.events <- speech.Interrupted{}
	h.endpoint.events <- speech.TurnComplete{}
	h.endpoint.events <- speech.Ready{}
	time.Sleep(20 * time.Millisecond)

	got, finished := h.delivery.snapshot()
	require.Len(t, got, 1, "no reply audio while queued speech holds the floor")
	assert.Equal(t, "hello there everyone", got[0].Text)
	assert.Equal(t, []string{"turn-1"}, finished)
	assert.Zero(t, h.delivery.cancelCount(), "an endpoint interrupt does not cancel queued speech")
	assert.True(t, h.lock.Speaking())

	h.bridge.PlaybackFinished("turn-1")
	assert.False(t, h.lock.Speaking(), "the queued turn's own report releases the floor")

	h.endpoint.events <- speech.AudioOut{PCM: make([]int16, 480), Rate: 24000}
	require.Eventually(t, func() bool {
		got, _ := h.delivery.snapshot()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	got, _ = h.delivery.snapshot()
	assert.Equal(t, "turn-2", got[1].Turn)
	assert.NotEmpty(t, got[1].PCM)
}

func TestQueuedSpeechWaitsForEndpointReply(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	h.join(t)

	h.endpoint.events <- speech.AudioOut{PCM: make([]int16, 2400), Rate: 24000}
	require.Eventually(t, h.lock.Speaking, time.Second, 5*time.Millisecond)
	require.NoError(t, h.bridge.QueueSpeak("operator note"))
	h.endpoint.events <- speech.TurnComplete{}
	require.Eventually(t, func() bool {
		_, finished := h.delivery.snapshot()
		return len(finished) == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	got, _ := h.delivery.snapshot()
	require.Len(t, got, 1, "queued speech waits for the reply's playback report")

	h.bridge.PlaybackFinished("turn-1")
	require.Eventually(t, func() bool {
		got, _ := h.delivery.snapshot()
		return len(got) == 2
	}, time.Second, 5*time.Millisecond)
	got, _ = h.delivery.snapshot()
	assert.Equal(t, "operator note", got[1].Text)
	assert.Equal(t, "turn-2", got[1].Turn)
}

func TestTextModeSpeaksWholeReply(t *testing.T) {
	h := newHarness(t, speech.ModeText)
	h.join(t)

	h.endpoint.events <- speech.AudioOut{PCM: make([]int16, 10), Rate: 24000}
	h.endpoint.events <- speech.TextOut{Text: "Hello, "}
	h.endpoint.events <- speech.TextOut{Text: "everyone."}
	h.endpoint.events <- speech.TurnComplete{}

	require.Eventually(t, func() bool {
		got, _ := h.delivery.snapshot()
		return len(got) == 1
	}, time.Second, 5*time.Millisecond)
	got, _ := h.delivery.snapshot()
	assert.Equal(t, "Hello, everyone.", got[0].Text)
	assert.Empty(t, got[0].PCM)
}

func TestTranscriptsReported(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	var mu sync.Mutex
	var lines []string
	h.bridge.OnTranscript = func(role, text string) {
		mu.Lock()
		lines = append(lines, role+": "+text)
		mu.Unlock()
	}
	h.join(t)

	h.endpoint.events <- speech.InputTranscript{Text: "can you hear me"}
	h.endpoint.events <- speech.OutputTranscript{Text: "yes"}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 2
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"caller: can you hear me", "agent: yes"}, lines)
}

func TestClosedBridge(t *testing.T) {
	h := newHarness(t, speech.ModeAudio)
	require.NoError(t, h.bridge.Close())
	assert.ErrorIs(t, h.bridge.QueueSpeak("x"), ErrClosed)
	assert.ErrorIs(t, h.bridge.Activate(context.Background()), ErrClosed)
	assert.NoError(t, h.bridge.Close())
}

func TestChunkReply(t *testing.T) {
	assert.Equal(t, []string{"Hi.", "How are you?", "Fine"}, chunkReply(" Hi. How are you?\nFine "))
	assert.Nil(t, chunkReply("  "))
}
