package navigation

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the navigation phase of a call session.
type State int32

const (
	Idle State = iota
	Dialing
	Answered
	EnteringIdentifier
	EnteringPasscode
	ConfirmedJoined
	Failed
	Ended
)

var stateNames = [...]string{
	Idle:               "IDLE",
	Dialing:            "DIALING",
	Answered:           "ANSWERED",
	EnteringIdentifier: "ENTERING_IDENTIFIER",
	EnteringPasscode:   "ENTERING_PASSCODE",
	ConfirmedJoined:    "CONFIRMED_JOINED",
	Failed:             "FAILED",
	Ended:              "ENDED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool { return s == Failed || s == Ended }

// Navigating reports whether a call leg is being placed or steered.
func (s State) Navigating() bool { return s >= Dialing && s <= EnteringPasscode }

// ErrInvalidTarget is returned for identifiers the keypad cannot enter.
var ErrInvalidTarget = errors.New("navigation: invalid target")

// Target is the meeting to join.
type Target struct {
	DialTo    string
	DialFrom  string
	MeetingID string
	Passcode  string
}

// Normalize strips separators people paste with meeting IDs.
func (t Target) Normalize() Target {
	strip := strings.NewReplacer(" ", "", "-", "", ".", "")
	t.MeetingID = strip.Replace(t.MeetingID)
	t.Passcode = strip.Replace(t.Passcode)
	return t
}

// Validate checks that the target can be keyed in.
func (t Target) Validate() error {
	if t.DialTo == "" {
		return fmt.Errorf("%w: dial-in number required", ErrInvalidTarget)
	}
	if t.MeetingID == "" || !allDigits(t.MeetingID) {
		return fmt.Errorf("%w: meeting identifier must be digits", ErrInvalidTarget)
	}
	if t.Passcode != "" && !allDigits(t.Passcode) {
		return fmt.Errorf("%w: passcode must be digits", ErrInvalidTarget)
	}
	return nil
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Config tunes navigation timing and retry.
type Config struct {
	AnswerTimeout   time.Duration
	SettleDelay     time.Duration
	GroupDelay      time.Duration
	JoinConfirmWait time.Duration
	MaxRetries      int
	RetryBase       time.Duration
	RetryCap        time.Duration
	// SkipAttendeeID answers the participant-ID prompt with a bare "#".
	SkipAttendeeID bool
	// Transcribe listens to the menu so rejections can be noticed.
	Transcribe       bool
	RejectionPhrases []string
}

// DefaultConfig returns timings that suit common conferencing menus.
func DefaultConfig() Config {
	return Config{
		AnswerTimeout:   45 * time.Second,
		SettleDelay:     4 * time.Second,
		GroupDelay:      3 * time.Second,
		JoinConfirmWait: 6 * time.Second,
		MaxRetries:      3,
		RetryBase:       2 * time.Second,
		RetryCap:        30 * time.Second,
		SkipAttendeeID:  true,
		Transcribe:      true,
		RejectionPhrases: []string{
			"invalid", "not valid", "incorrect", "does not exist", "not recognized", "try again",
		},
	}
}

// Backoff returns the wait before retry number n (1-based).
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.RetryBase
	for i := 1; i < n; i++ {
		d *= 2
		if c.RetryCap > 0 && d >= c.RetryCap {
			return c.RetryCap
		}
	}
	if c.RetryCap > 0 && d > c.RetryCap {
		return c.RetryCap
	}
	return d
}

// Status is a point-in-time view of a navigator.
type Status struct {
	State    State
	CallSID  string
	Retries  int
	Attempts int
	Reason   string
}

// Observations is what is known when deciding whether the join took.
type Observations struct {
	CallSID        string
	FailureSeen    bool
	PasscodeSentAt time.Time
	Now            time.Time
}

// JoinPredicate decides whether the session is in the meeting.
type JoinPredicate func(Observations) bool

// HeuristicJoin treats silence from the menu after the passcode as success.
// Menus give no positive signal, only rejections.
func HeuristicJoin(o Observations) bool { return !o.FailureSeen }
