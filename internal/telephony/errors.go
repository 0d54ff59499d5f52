package telephony

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/twilio/twilio-go/client"
)

// ErrInvalidDigits is returned for tone sequences the provider cannot play.
var ErrInvalidDigits = errors.New("telephony: invalid digit sequence")

// TransportError is a control-plane request that failed after retrying.
type TransportError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("telephony: %s failed after %d attempt(s): %v", e.Op, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// DialError is a call-create request that could not be completed.
type DialError struct{ Err error }

func (e *DialError) Error() string { return "telephony: dial: " + e.Err.Error() }

func (e *DialError) Unwrap() error { return e.Err }

// ActionError is an in-call action (tones, speech, streaming, hangup) that
// could not be completed.
type ActionError struct {
	Action string
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("telephony: %s: %v", e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// Retryable reports whether err is worth another attempt: throttling, server
// errors and failures below the HTTP layer.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, ErrInvalidDigits) {
		return false
	}
	var restErr *client.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Status == http.StatusTooManyRequests || restErr.Status >= http.StatusInternalServerError
	}
	return true
}
