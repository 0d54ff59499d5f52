// Package callevent defines the notifications a call session reacts to. The
// set is closed: every notification the telephony side can deliver maps to one
// of the types below, and anything unrecognised becomes Unknown.
package callevent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformed marks a notification that could not be parsed. Callers log and
// drop it.
var ErrMalformed = errors.New("callevent: malformed notification")

// Event is a call-progress, media-stream or playback notification.
type Event interface {
	Kind() string
	isEvent()
}

// Initiated reports that the provider accepted the outbound call.
type Initiated struct{}

// Ringing reports that the far end is ringing.
type Ringing struct{}

// Answered reports that the far end picked up.
type Answered struct{}

// Hangup reports that the call ended normally.
type Hangup struct{ Status string }

// CallFailed reports that the call attempt did not connect.
type CallFailed struct{ Status string }

// MenuPrompt carries recognised speech from the far end while navigating.
type MenuPrompt struct{ Text string }

// MenuRejected reports that the far end refused the entered digits.
type MenuRejected struct{ Reason string }

// MenuTone is a DTMF digit heard on the call.
type MenuTone struct{ Digit string }

// StreamStarted reports that media streaming is live.
type StreamStarted struct{ StreamSID string }

// StreamStopped reports that media streaming ended.
type StreamStopped struct{ StreamSID string }

// PlaybackFinished reports that outbound speech reached its end.
type PlaybackFinished struct{ Name string }

// Unknown wraps a notification kind this package does not model.
type Unknown struct{ Raw string }

func (Initiated) Kind() string        { return "initiated" }
func (Ringing) Kind() string          { return "ringing" }
func (Answered) Kind() string         { return "answered" }
func (Hangup) Kind() string           { return "hangup" }
func (CallFailed) Kind() string       { return "call-failed" }
func (MenuPrompt) Kind() string       { return "menu-prompt" }
func (MenuRejected) Kind() string     { return "menu-rejected" }
func (MenuTone) Kind() string         { return "menu-tone" }
func (StreamStarted) Kind() string    { return "stream-started" }
func (StreamStopped) Kind() string    { return "stream-stopped" }
func (PlaybackFinished) Kind() string { return "playback-finished" }
func (Unknown) Kind() string          { return "unknown" }

func (Initiated) isEvent()        {}
func (Ringing) isEvent()          {}
func (Answered) isEvent()         {}
func (Hangup) isEvent()           {}
func (CallFailed) isEvent()       {}
func (MenuPrompt) isEvent()       {}
func (MenuRejected) isEvent()     {}
func (MenuTone) isEvent()         {}
func (StreamStarted) isEvent()    {}
func (StreamStopped) isEvent()    {}
func (PlaybackFinished) isEvent() {}
func (Unknown) isEvent()          {}

// Call status values reported by the provider.
const (
	StatusQueued     = "queued"
	StatusInitiated  = "initiated"
	StatusRinging    = "ringing"
	StatusInProgress = "in-progress"
	StatusCompleted  = "completed"
	StatusBusy       = "busy"
	StatusFailed     = "failed"
	StatusNoAnswer   = "no-answer"
	StatusCanceled   = "canceled"
)

// FromStatus maps a provider call status to an event.
func FromStatus(status string) Event {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case StatusQueued, StatusInitiated:
		return Initiated{}
	case StatusRinging:
		return Ringing{}
	case StatusInProgress, "answered":
		return Answered{}
	case StatusCompleted:
		return Hangup{Status: StatusCompleted}
	case StatusBusy, StatusFailed, StatusNoAnswer, StatusCanceled:
		return CallFailed{Status: strings.ToLower(status)}
	default:
		return Unknown{Raw: status}
	}
}

// FromStatusCallback parses a call-progress webhook form.
func FromStatusCallback(params map[string]string) (string, Event, error) {
	sid := params["CallSid"]
	if sid == "" {
		return "", nil, fmt.Errorf("%w: missing CallSid", ErrMalformed)
	}
	status := params["CallStatus"]
	if status == "" {
		return sid, nil, fmt.Errorf("%w: missing CallStatus", ErrMalformed)
	}
	return sid, FromStatus(status), nil
}

type transcriptionData struct {
	Transcript string  `json:"transcript"`
	Confidence float64 `json:"confidence"`
}

// FromTranscriptionCallback parses a live transcription webhook form. Only
// final transcription content yields a MenuPrompt; lifecycle notifications
// come back as Unknown.
func FromTranscriptionCallback(params map[string]string) (string, Event, error) {
	sid := params["CallSid"]
	if sid == "" {
		return "", nil, fmt.Errorf("%w: missing CallSid", ErrMalformed)
	}
	kind := params["TranscriptionEvent"]
	if kind != "transcription-content" {
		return sid, Unknown{Raw: kind}, nil
	}
	if strings.EqualFold(params["Final"], "false") {
		return sid, Unknown{Raw: "partial"}, nil
	}
	var data transcriptionData
	if err := json.Unmarshal([]byte(params["TranscriptionData"]), &data); err != nil {
		return sid, nil, fmt.Errorf("%w: transcription data: %v", ErrMalformed, err)
	}
	return sid, MenuPrompt{Text: data.Transcript}, nil
}

// FromPlaybackCallback parses the redirect issued when a spoken prompt ends.
func FromPlaybackCallback(params map[string]string) (string, Event, error) {
	sid := params["CallSid"]
	if sid == "" {
		return "", nil, fmt.Errorf("%w: missing CallSid", ErrMalformed)
	}
	return sid, PlaybackFinished{Name: params["turn"]}, nil
}
