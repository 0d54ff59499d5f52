package navigation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chadiek/meetbridge/internal/callevent"
	"github.com/chadiek/meetbridge/internal/sched"
	"github.com/chadiek/meetbridge/internal/telephony"
)

type fakeDialer struct {
	mu       sync.Mutex
	dials    []telephony.DialRequest
	digits   []string
	hangups  []string
	dialErr  error
	digitErr error
	next     int
}

func (f *fakeDialer) Dial(_ context.Context, req telephony.DialRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials = append(f.dials, req)
	if f.dialErr != nil {
		return "", f.dialErr
	}
	f.next++
	return fmt.Sprintf("CA%d", f.next), nil
}

func (f *fakeDialer) SendDigits(_ context.Context, _ string, digits string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.digitErr != nil {
		return f.digitErr
	}
	f.digits = append(f.digits, digits)
	return nil
}

func (f *fakeDialer) Hangup(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sid)
	return nil
}

type harness struct {
	nav      *Navigator
	dialer   *fakeDialer
	clock    *sched.Manual
	joined   []string
	terminal []Status
	legs     map[string]bool
	retries  []int
	transits []State
}

// slowDialer holds Dial open until released.
type slowDialer struct {
	fakeDialer
	entered chan struct{}
	release chan struct{}
}

func (d *slowDialer) Dial(ctx context.Context, req telephony.DialRequest) (string, error) {
	close(d.entered)
	<-d.release
	return d.fakeDialer.Dial(ctx, req)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{dialer: &fakeDialer{}, clock: sched.NewManual(time.Unix(0, 0)), legs: map[string]bool{}}
	h.nav = New(context.Background(), h.dialer, h.clock, cfg, Hooks{
		CallLeg: func(cur, prev string) {
			if prev != "" {
				delete(h.legs, prev)
			}
			if cur != "" {
				h.legs[cur] = true
			}
		},
		Transition: func(_, to State) { h.transits = append(h.transits, to) },
		Joined:     func(sid string) { h.joined = append(h.joined, sid) },
		Terminal:   func(s Status) { h.terminal = append(h.terminal, s) },
		Retry:      func(n int, _ string) { h.retries = append(h.retries, n) },
	}, zerolog.Nop())
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.AnswerTimeout = 30 * time.Second
	cfg.SettleDelay = 2 * time.Second
	cfg.GroupDelay = time.Second
	cfg.JoinConfirmWait = 5 * time.Second
	cfg.RetryBase = time.Second
	cfg.RetryCap = 8 * time.Second
	return cfg
}

func target(passcode string) Target {
	return Target{DialTo: "+16465588656", MeetingID: "83914076399", Passcode: passcode}
}

func TestScenarioJoinsWithBatchedDigits(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.nav.StartCall(target("")))
	assert.Equal(t, Dialing, h.nav.State())
	require.Len(t, h.dialer.dials, 1)
	assert.Equal(t, "+16465588656", h.dialer.dials[0].To)

	h.nav.HandleEvent(callevent.Ringing{})
	h.nav.HandleEvent(callevent.Answered{})
	assert.Equal(t, Answered, h.nav.State())

	h.clock.Advance(2 * time.Second)
	assert.Equal(t, EnteringIdentifier, h.nav.State())
	assert.Equal(t, []string{"83914076399#"}, h.dialer.digits)

	h.clock.Advance(time.Second)
	assert.Equal(t, []string{"83914076399#", "#"}, h.dialer.digits)

	h.clock.Advance(time.Second)
	assert.Equal(t, EnteringPasscode, h.nav.State())
	assert.Equal(t, []string{"83914076399#", "#", "#"}, h.dialer.digits)
	assert.False(t, h.nav.Joined())

	h.clock.Advance(5 * time.Second)
	assert.Equal(t, ConfirmedJoined, h.nav.State())
	assert.True(t, h.nav.Joined())
	assert.Equal(t, []string{"CA1"}, h.joined)
	assert.Equal(t, []State{Dialing, Answered, EnteringIdentifier, EnteringPasscode, ConfirmedJoined}, h.transits)
	assert.Zero(t, h.clock.Pending())
}

func TestEachFieldIsOneAction(t *testing.T) {
	cfg := testConfig()
	cfg.SkipAttendeeID = false
	h := newHarness(t, cfg)

	require.NoError(t, h.nav.StartCall(Target{DialTo: "+1", MeetingID: "123 456-789", Passcode: "42"}))
	h.nav.HandleEvent(callevent.Answered{})
	h.clock.Advance(time.Minute)

	assert.Equal(t, []string{"123456789#", "42#"}, h.dialer.digits)
	assert.True(t, h.nav.Joined())
}

func TestRetryBoundReachesFailed(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.dialErr = &telephony.DialError{Err: errors.New("boom")}

	require.NoError(t, h.nav.StartCall(target("")))
	h.clock.Advance(time.Hour)

	assert.Equal(t, Failed, h.nav.State())
	assert.Len(t, h.dialer.dials, 4, "one initial attempt and three retries")
	assert.Equal(t, []int{1, 2, 3}, h.retries)
	require.Len(t, h.terminal, 1)
	assert.Equal(t, 3, h.terminal[0].Retries)
	assert.Contains(t, h.terminal[0].Reason, "boom")

	h.clock.Advance(time.Hour)
	assert.Len(t, h.dialer.dials, 4)
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	cfg := testConfig()
	assert.Equal(t, time.Second, cfg.Backoff(1))
	assert.Equal(t, 2*time.Second, cfg.Backoff(2))
	assert.Equal(t, 4*time.Second, cfg.Backoff(3))
	assert.Equal(t, 8*time.Second, cfg.Backoff(4))
	assert.Equal(t, 8*time.Second, cfg.Backoff(10))
}

func TestRetryWaitsForBackoff(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.dialErr = errors.New("transient")

	require.NoError(t, h.nav.StartCall(target("")))
	assert.Len(t, h.dialer.dials, 1)
	assert.Equal(t, Idle, h.nav.State())

	h.clock.Advance(999 * time.Millisecond)
	assert.Len(t, h.dialer.dials, 1)
	h.clock.Advance(time.Millisecond)
	assert.Len(t, h.dialer.dials, 2)
	h.clock.Advance(2 * time.Second)
	assert.Len(t, h.dialer.dials, 3)
}

func TestAnswerTimeoutHangsUpAndRedials(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.nav.StartCall(target("")))
	assert.True(t, h.legs["CA1"])

	h.clock.Advance(30 * time.Second)
	assert.Equal(t, []string{"CA1"}, h.dialer.hangups)
	assert.False(t, h.legs["CA1"], "abandoned leg must be unindexed")
	assert.Equal(t, Idle, h.nav.State())

	h.clock.Advance(time.Second)
	assert.Equal(t, Dialing, h.nav.State())
	assert.True(t, h.legs["CA2"])
	assert.Equal(t, "CA2", h.nav.Status().CallSID)
}

func TestCallFailedStatusRetriesWithoutHangup(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.nav.StartCall(target("")))
	h.nav.HandleEvent(callevent.CallFailed{Status: "busy"})
	assert.Equal(t, Idle, h.nav.State())
	assert.Empty(t, h.dialer.hangups)
	assert.Equal(t, "call busy", h.nav.Status().Reason)
}

func TestHangupFromAnyStateEnds(t *testing.T) {
	h := newHarness(t, testConfig())

	require.NoError(t, h.nav.StartCall(target("")))
	h.nav.HandleEvent(callevent.Answered{})
	h.clock.Advance(2 * time.Second)
	require.Equal(t, EnteringIdentifier, h.nav.State())

	h.nav.Hangup(context.Background())
	assert.Equal(t, Ended, h.nav.State())
	assert.Equal(t, []string{"CA1"}, h.dialer.hangups)
	require.Len(t, h.terminal, 1)

	h.clock.Advance(time.Hour)
	assert.Equal(t, []string{"83914076399#"}, h.dialer.digits, "no step runs after hangup")

	h.nav.Hangup(context.Background())
	assert.Len(t, h.terminal, 1)
}

func TestRemoteHangupEnds(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.nav.StartCall(target("")))
	h.nav.HandleEvent(callevent.Answered{})
	h.clock.Advance(time.Minute)
	require.True(t, h.nav.Joined())

	h.nav.HandleEvent(callevent.Hangup{Status: "completed"})
	assert.Equal(t, Ended, h.nav.State())
	assert.Empty(t, h.dialer.hangups)
	require.Len(t, h.terminal, 1)
	assert.Equal(t, Ended, h.terminal[0].State)
}

func TestMenuRejectionRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.nav.StartCall(target("999")))
	h.nav.HandleEvent(callevent.Answered{})
	h.clock.Advance(4 * time.Second)
	require.Equal(t, EnteringPasscode, h.nav.State())

	h.nav.HandleEvent(callevent.MenuPrompt{Text: "Please enter your passcode"})
	assert.Equal(t, EnteringPasscode, h.nav.State())

	h.nav.HandleEvent(callevent.MenuPrompt{Text: "That passcode is Incorrect."})
	assert.Equal(t, Idle, h.nav.State())
	assert.Equal(t, []string{"CA1"}, h.dialer.hangups)
	assert.Equal(t, 1, h.nav.Status().Retries)

	// The old attempt's join check must not fire.
	h.clock.Advance(time.Second)
	assert.False(t, h.nav.Joined())
	assert.Equal(t, Dialing, h.nav.State())
}

func TestJoinPredicateDecides(t *testing.T) {
	h := newHarness(t, testConfig())
	var seen Observations
	h.nav.WithJoinPredicate(func(o Observations) bool {
		seen = o
		return false
	})
	require.NoError(t, h.nav.StartCall(target("")))
	h.nav.HandleEvent(callevent.Answered{})
	h.clock.Advance(9 * time.Second)

	assert.Equal(t, "CA1", seen.CallSID)
	assert.Equal(t, 5*time.Second, seen.Now.Sub(seen.PasscodeSentAt))
	assert.Equal(t, Idle, h.nav.State())
	assert.Equal(t, "join not confirmed", h.nav.Status().Reason)
}

func TestDigitFailureRetries(t *testing.T) {
	h := newHarness(t, testConfig())
	h.dialer.digitErr = &telephony.ActionError{Action: "send digits", Err: errors.New("call not in progress")}

	require.NoError(t, h.nav.StartCall(target("")))
	h.nav.HandleEvent(callevent.Answered{})
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, Idle, h.nav.State())
	assert.Contains(t, h.nav.Status().Reason, "call not in progress")
}

func TestAnsweredOutsideDialingIgnored(t *testing.T) {
	h := newHarness(t, testConfig())
	require.NoError(t, h.nav.StartCall(target("")))
	h.nav.HandleEvent(callevent.Answered{})
	h.nav.HandleEvent(callevent.Answered{})
	h.clock.Advance(2 * time.Second)
	assert.Equal(t, []string{"83914076399#"}, h.dialer.digits)
}

func TestStartCallValidation(t *testing.T) {
	h := newHarness(t, testConfig())
	assert.ErrorIs(t, h.nav.StartCall(Target{DialTo: "+1", MeetingID: "12ab"}), ErrInvalidTarget)
	assert.ErrorIs(t, h.nav.StartCall(Target{DialTo: "+1", MeetingID: "123", Passcode: "x"}), ErrInvalidTarget)
	assert.ErrorIs(t, h.nav.StartCall(Target{MeetingID: "123"}), ErrInvalidTarget)
	assert.Empty(t, h.dialer.dials)

	require.NoError(t, h.nav.StartCall(target("")))
	assert.Error(t, h.nav.StartCall(target("")))
}

func TestStateNames(t *testing.T) {
	assert.Equal(t, "ENTERING_PASSCODE", EnteringPasscode.String())
	assert.True(t, Failed.Terminal())
	assert.True(t, Ended.Terminal())
	assert.False(t, ConfirmedJoined.Terminal())
	assert.True(t, Dialing.Navigating())
	assert.False(t, ConfirmedJoined.Navigating())
}

func TestDialRunsWithoutHoldingNavigator(t *testing.T) {
	d := &slowDialer{entered: make(chan struct{}), release: make(chan struct{})}
	nav := New(context.Background(), d, sched.NewManual(time.Unix(0, 0)), testConfig(), Hooks{}, zerolog.Nop())

	started := make(chan error, 1)
	go func() { started <- nav.StartCall(target("")) }()
	select {
	case <-d.entered:
	case <-time.After(time.Second):
		t.Fatal("dial never started")
	}

	status := make(chan Status, 1)
	go func() { status <- nav.Status() }()
	select {
	case st := <-status:
		assert.Equal(t, Dialing, st.State)
		assert.Empty(t, st.CallSID)
	case <-time.After(time.Second):
		t.Fatal("Status blocked behind an in-flight dial")
	}

	nav.Hangup(context.Background())
	assert.Equal(t, Ended, nav.State())

	close(d.release)
	require.NoError(t, <-started)
	assert.Equal(t, Ended, nav.State())
	assert.Empty(t, nav.Status().CallSID)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, []string{"CA1"}, d.hangups, "a leg dialed for an abandoned attempt is hung up")
}
