package callevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromStatus(t *testing.T) {
	cases := map[string]Event{
		"queued":      Initiated{},
		"ringing":     Ringing{},
		"in-progress": Answered{},
		"completed":   Hangup{Status: "completed"},
		"busy":        CallFailed{Status: "busy"},
		"no-answer":   CallFailed{Status: "no-answer"},
		"Failed":      CallFailed{Status: "failed"},
		"weird":       Unknown{Raw: "weird"},
	}
	for status, want := range cases {
		assert.Equal(t, want, FromStatus(status), status)
	}
}

func TestFromStatusCallback(t *testing.T) {
	sid, ev, err := FromStatusCallback(map[string]string{"CallSid": "CA1", "CallStatus": "in-progress"})
	require.NoError(t, err)
	assert.Equal(t, "CA1", sid)
	assert.Equal(t, Answered{}, ev)

	_, _, err = FromStatusCallback(map[string]string{"CallStatus": "ringing"})
	assert.ErrorIs(t, err, ErrMalformed)
	_, _, err = FromStatusCallback(map[string]string{"CallSid": "CA1"})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestFromTranscriptionCallback(t *testing.T) {
	sid, ev, err := FromTranscriptionCallback(map[string]string{
		"CallSid":            "CA2",
		"TranscriptionEvent": "transcription-content",
		"Final":              "true",
		"TranscriptionData":  `{"transcript":"That meeting ID is not valid","confidence":0.9}`,
	})
	require.NoError(t, err)
	assert.Equal(t, "CA2", sid)
	assert.Equal(t, MenuPrompt{Text: "That meeting ID is not valid"}, ev)

	_, ev, err = FromTranscriptionCallback(map[string]string{"CallSid": "CA2", "TranscriptionEvent": "transcription-started"})
	require.NoError(t, err)
	assert.IsType(t, Unknown{}, ev)

	_, _, err = FromTranscriptionCallback(map[string]string{
		"CallSid":            "CA2",
		"TranscriptionEvent": "transcription-content",
		"TranscriptionData":  "{",
	})
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestKindsAreDistinct(t *testing.T) {
	all := []Event{Initiated{}, Ringing{}, Answered{}, Hangup{}, CallFailed{}, MenuPrompt{}, MenuRejected{},
		MenuTone{}, StreamStarted{}, StreamStopped{}, PlaybackFinished{}, Unknown{}}
	seen := map[string]bool{}
	for _, ev := range all {
		assert.False(t, seen[ev.Kind()], ev.Kind())
		seen[ev.Kind()] = true
	}
}
