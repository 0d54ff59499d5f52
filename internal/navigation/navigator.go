// Package navigation places the call into a meeting dial-in and keys through
// its menu: meeting identifier, attendee prompt, passcode.
package navigation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/chadiek/meetbridge/internal/callevent"
	"github.com/chadiek/meetbridge/internal/sched"
	"github.com/chadiek/meetbridge/internal/telephony"
)

// Dialer is the part of the telephony control plane navigation drives.
type Dialer interface {
	Dial(ctx context.Context, req telephony.DialRequest) (string, error)
	SendDigits(ctx context.Context, callSID, digits string) error
	Hangup(ctx context.Context, callSID string) error
}

// Hooks report navigator progress. CallLeg and Transition run while the
// navigator is locked and must not call back into it; the others run after
// the lock is released.
type Hooks struct {
	// CallLeg reports the active call SID changing; either side may be empty.
	CallLeg    func(current, previous string)
	Transition func(from, to State)
	Joined     func(callSID string)
	Terminal   func(Status)
	Retry      func(attempt int, reason string)
}

// Navigator is the call navigation state machine of one session.
type Navigator struct {
	dialer  Dialer
	clock   sched.Scheduler
	cfg     Config
	hooks   Hooks
	confirm JoinPredicate
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	state atomic.Int32

	mu          sync.Mutex
	target      Target
	callSID     string
	retries     int
	attempts    int
	reason      string
	gen         uint64
	answerTimer sched.Timer
	failureSeen bool
	passcodeAt  time.Time
	started     bool
	// notify holds hooks and collaborator calls that run once mu is released.
	notify []func()
}

// New returns an idle navigator. Work it starts is bound to ctx; timers are
// armed on clock, normally the session's task group.
func New(ctx context.Context, dialer Dialer, clock sched.Scheduler, cfg Config, hooks Hooks, logger zerolog.Logger) *Navigator {
	ctx, cancel := context.WithCancel(ctx)
	return &Navigator{
		dialer:  dialer,
		clock:   clock,
		cfg:     cfg,
		hooks:   hooks,
		confirm: HeuristicJoin,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// WithJoinPredicate replaces the rule used to confirm the join.
func (n *Navigator) WithJoinPredicate(p JoinPredicate) *Navigator {
	if p != nil {
		n.confirm = p
	}
	return n
}

// State returns the current state without blocking.
func (n *Navigator) State() State { return State(n.state.Load()) }

// Joined reports whether the session is confirmed in the meeting.
func (n *Navigator) Joined() bool { return n.State() == ConfirmedJoined }

// Status returns a snapshot.
func (n *Navigator) Status() Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.statusLocked()
}

// StartCall dials the target. Dial failures are retried like any other
// navigation failure; only an invalid target is returned.
func (n *Navigator) StartCall(target Target) error {
	target = target.Normalize()
	if err := target.Validate(); err != nil {
		return err
	}
	n.mu.Lock()
	defer n.unlockAndNotify()
	if n.started {
		return fmt.Errorf("navigation: call already started (%s)", n.State())
	}
	n.started = true
	n.target = target
	n.dial()
	return nil
}

// HandleEvent applies one call-progress notification for the active leg.
func (n *Navigator) HandleEvent(ev callevent.Event) {
	n.mu.Lock()
	defer n.unlockAndNotify()
	state := n.State()
	if state.Terminal() {
		return
	}
	switch ev := ev.(type) {
	case callevent.Answered:
		if state != Dialing {
			return
		}
		n.stopAnswerTimer()
		n.setState(Answered)
		n.after(n.cfg.SettleDelay, n.sendIdentifierDigits)
	case callevent.Hangup:
		if sid := n.callSID; sid != "" {
			n.callSID = ""
			if n.hooks.CallLeg != nil {
				n.hooks.CallLeg("", sid)
			}
		}
		n.finish(Ended, "call ended by far end")
	case callevent.CallFailed:
		if state.Navigating() {
			n.handleFailure("call "+ev.Status, false)
			return
		}
		n.finish(Ended, "call "+ev.Status)
	case callevent.MenuPrompt:
		if state >= Answered && state <= EnteringPasscode && n.rejects(ev.Text) {
			n.failureSeen = true
			n.handleFailure(fmt.Sprintf("menu rejected input: %q", ev.Text), true)
		}
	case callevent.MenuRejected:
		if state >= Answered && state <= EnteringPasscode {
			n.failureSeen = true
			n.handleFailure("menu rejected input: "+ev.Reason, true)
		}
	default:
		n.logger.Debug().Str("event", ev.Kind()).Str("state", state.String()).Msg("ignoring event")
	}
}

// Hangup ends the session from any state. Hanging up the call leg is best
// effort; the navigator is ENDED regardless.
func (n *Navigator) Hangup(ctx context.Context) {
	n.cancel()
	n.mu.Lock()
	if n.State().Terminal() {
		n.mu.Unlock()
		return
	}
	sid := n.callSID
	n.callSID = ""
	if sid != "" && n.hooks.CallLeg != nil {
		n.hooks.CallLeg("", sid)
	}
	n.finish(Ended, "hangup requested")
	n.unlockAndNotify()

	if sid == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := n.dialer.Hangup(ctx, sid); err != nil {
		n.logger.Warn().Err(err).Str("call_sid", sid).Msg("hangup failed")
	}
}

// dial places a new call leg. The request itself runs unlocked; its result
// is dropped, and any leg it created hung up, if the attempt was abandoned
// meanwhile.
func (n *Navigator) dial() {
	n.attempts++
	n.failureSeen = false
	n.setState(Dialing)
	gen, attempt := n.gen, n.attempts
	req := telephony.DialRequest{
		To:         n.target.DialTo,
		From:       n.target.DialFrom,
		Transcribe: n.cfg.Transcribe,
	}
	n.unlocked(func() {
		sid, err := n.dialer.Dial(n.ctx, req)
		if !n.resume(gen) {
			if err == nil {
				n.hangupLeg(sid)
			}
			return
		}
		defer n.unlockAndNotify()
		if err != nil {
			n.handleFailure("dial: "+err.Error(), false)
			return
		}
		n.callSID = sid
		if n.hooks.CallLeg != nil {
			n.hooks.CallLeg(sid, "")
		}
		n.logger.Info().Str("call_sid", sid).Int("attempt", attempt).Msg("dialed")
		n.answerTimer = n.after(n.cfg.AnswerTimeout, func() {
			n.handleFailure(fmt.Sprintf("not answered within %s", n.cfg.AnswerTimeout), true)
		})
	})
}

func (n *Navigator) sendIdentifierDigits() {
	n.setState(EnteringIdentifier)
	next := n.sendPasscodeDigits
	if n.cfg.SkipAttendeeID {
		next = n.skipAttendee
	}
	n.send(n.target.MeetingID+"#", func() { n.after(n.cfg.GroupDelay, next) })
}

func (n *Navigator) skipAttendee() {
	n.send("#", func() { n.after(n.cfg.GroupDelay, n.sendPasscodeDigits) })
}

func (n *Navigator) sendPasscodeDigits() {
	n.setState(EnteringPasscode)
	n.failureSeen = false
	n.passcodeAt = n.clock.Now()
	n.send(n.target.Passcode+"#", func() { n.after(n.cfg.JoinConfirmWait, n.confirmJoined) })
}

func (n *Navigator) confirmJoined() {
	obs := Observations{
		CallSID:        n.callSID,
		FailureSeen:    n.failureSeen,
		PasscodeSentAt: n.passcodeAt,
		Now:            n.clock.Now(),
	}
	if !n.confirm(obs) {
		n.handleFailure("join not confirmed", true)
		return
	}
	n.setState(ConfirmedJoined)
	n.reason = ""
	sid := n.callSID
	if n.hooks.Joined != nil {
		n.notify = append(n.notify, func() { n.hooks.Joined(sid) })
	}
}

// send plays one digit group unlocked, then runs then under the lock. A
// failed action goes into the retry path instead.
func (n *Navigator) send(digits string, then func()) {
	gen, sid := n.gen, n.callSID
	n.unlocked(func() {
		err := n.dialer.SendDigits(n.ctx, sid, digits)
		if !n.resume(gen) {
			return
		}
		defer n.unlockAndNotify()
		if err != nil {
			n.handleFailure("send digits: "+err.Error(), true)
			return
		}
		n.logger.Info().Str("call_sid", sid).Str("digits", digits).Str("state", n.State().String()).Msg("sent digits")
		then()
	})
}

// handleFailure abandons the current attempt and either schedules a redial or
// gives up. legAlive says whether the leg still needs hanging up.
func (n *Navigator) handleFailure(reason string, legAlive bool) {
	n.gen++
	n.stopAnswerTimer()
	n.reason = reason
	if sid := n.callSID; sid != "" {
		n.callSID = ""
		if n.hooks.CallLeg != nil {
			n.hooks.CallLeg("", sid)
		}
		if legAlive {
			n.unlocked(func() { n.hangupLeg(sid) })
		}
	}
	if n.retries >= n.cfg.MaxRetries {
		n.logger.Error().Str("reason", reason).Int("retries", n.retries).Msg("navigation failed")
		n.finish(Failed, reason)
		return
	}
	n.retries++
	wait := n.cfg.Backoff(n.retries)
	n.logger.Warn().Str("reason", reason).Int("retry", n.retries).Dur("wait", wait).Msg("navigation attempt failed")
	if n.hooks.Retry != nil {
		attempt, why := n.retries, reason
		n.notify = append(n.notify, func() { n.hooks.Retry(attempt, why) })
	}
	n.setState(Idle)
	n.after(wait, n.dial)
}

func (n *Navigator) finish(state State, reason string) {
	n.gen++
	n.stopAnswerTimer()
	if state == Failed || n.reason == "" {
		n.reason = reason
	}
	n.setState(state)
	if n.hooks.Terminal != nil {
		st := n.statusLocked()
		n.notify = append(n.notify, func() { n.hooks.Terminal(st) })
	}
}

// after arms a step for the current attempt. Steps belonging to an abandoned
// attempt, or running after a terminal state, do nothing.
func (n *Navigator) after(d time.Duration, step func()) sched.Timer {
	gen := n.gen
	return n.clock.AfterFunc(d, func() {
		n.mu.Lock()
		defer n.unlockAndNotify()
		if gen != n.gen || n.State().Terminal() || n.ctx.Err() != nil {
			return
		}
		step()
	})
}

// unlocked queues a collaborator call to run once mu is released.
func (n *Navigator) unlocked(fn func()) {
	n.notify = append(n.notify, fn)
}

// resume takes mu back after a collaborator call. It reports false, leaving
// mu released, when the attempt that made the call is no longer current.
func (n *Navigator) resume(gen uint64) bool {
	n.mu.Lock()
	if gen != n.gen || n.State().Terminal() || n.ctx.Err() != nil {
		n.unlockAndNotify()
		return false
	}
	return true
}

// hangupLeg drops a leg that no attempt owns any more. It outlives the
// navigator's context so a leg is not left ringing after teardown.
func (n *Navigator) hangupLeg(sid string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(n.ctx), 10*time.Second)
	defer cancel()
	if err := n.dialer.Hangup(ctx, sid); err != nil {
		n.logger.Debug().Err(err).Str("call_sid", sid).Msg("hangup of abandoned leg")
	}
}

func (n *Navigator) stopAnswerTimer() {
	if n.answerTimer != nil {
		n.answerTimer.Stop()
		n.answerTimer = nil
	}
}

func (n *Navigator) setState(s State) {
	prev := State(n.state.Swap(int32(s)))
	if prev == s {
		return
	}
	n.logger.Debug().Str("from", prev.String()).Str("to", s.String()).Msg("navigation transition")
	if n.hooks.Transition != nil {
		n.hooks.Transition(prev, s)
	}
}

func (n *Navigator) rejects(text string) bool {
	text = strings.ToLower(text)
	for _, p := range n.cfg.RejectionPhrases {
		if p != "" && strings.Contains(text, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func (n *Navigator) statusLocked() Status {
	return Status{
		State:    n.State(),
		CallSID:  n.callSID,
		Retries:  n.retries,
		Attempts: n.attempts,
		Reason:   n.reason,
	}
}

// unlockAndNotify releases the lock and then runs queued hooks and
// collaborator calls in order.
func (n *Navigator) unlockAndNotify() {
	pending := n.notify
	n.notify = nil
	n.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}
