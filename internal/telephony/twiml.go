package telephony

import (
	"strconv"

	"github.com/twilio/twilio-go/twiml"
)

const (
	transcriptionName = "navigation"
	streamName        = "bridge"
)

// keepAlive holds the call open between actions: pause, then come back for
// more of the same.
func (c *Client) keepAlive() []twiml.Element {
	return []twiml.Element{
		&twiml.VoicePause{Length: strconv.Itoa(int(c.cfg.KeepAlive.Seconds()))},
		&twiml.VoiceRedirect{Url: c.urls.KeepAlive(), Method: "POST"},
	}
}

// KeepAliveTwiML is the document served to the keep-alive redirect.
func (c *Client) KeepAliveTwiML() (string, error) {
	return twiml.Voice(c.keepAlive())
}

func (c *Client) dialTwiML(transcribe bool) (string, error) {
	var verbs []twiml.Element
	if transcribe {
		verbs = append(verbs, &twiml.VoiceStart{InnerElements: []twiml.Element{
			&twiml.VoiceTranscription{
				Name:              transcriptionName,
				Track:             "inbound_track",
				StatusCallbackUrl: c.urls.Transcription(),
			},
		}})
	}
	return twiml.Voice(append(verbs, c.keepAlive()...))
}

func (c *Client) digitsTwiML(digits string) (string, error) {
	verbs := []twiml.Element{&twiml.VoicePlay{Digits: digits}}
	return twiml.Voice(append(verbs, c.keepAlive()...))
}

func (c *Client) speakTwiML(text, turn string) (string, error) {
	verbs := []twiml.Element{
		&twiml.VoiceSay{Message: text, Voice: c.cfg.Voice},
		&twiml.VoiceRedirect{Url: c.urls.Playback(turn), Method: "POST"},
	}
	return twiml.Voice(verbs)
}

func (c *Client) streamTwiML(req StreamRequest) (string, error) {
	var verbs []twiml.Element
	if req.StopTranscription {
		verbs = append(verbs, &twiml.VoiceStop{InnerElements: []twiml.Element{
			&twiml.VoiceTranscription{Name: transcriptionName},
		}})
	}
	stream := &twiml.VoiceStream{
		Name: streamName,
		Url:  c.urls.Stream(),
		InnerElements: []twiml.Element{
			&twiml.VoiceParameter{Name: "session", Value: req.SessionID},
		},
	}
	if req.Bidirectional {
		// A connected stream carries audio both ways and owns the call until it ends.
		verbs = append(verbs, &twiml.VoiceConnect{InnerElements: []twiml.Element{stream}})
		return twiml.Voice(verbs)
	}
	stream.Track = "inbound_track"
	verbs = append(verbs, &twiml.VoiceStart{InnerElements: []twiml.Element{stream}})
	return twiml.Voice(append(verbs, c.keepAlive()...))
}

func (c *Client) stopStreamTwiML() (string, error) {
	verbs := []twiml.Element{&twiml.VoiceStop{InnerElements: []twiml.Element{
		&twiml.VoiceStream{Name: streamName},
	}}}
	return twiml.Voice(append(verbs, c.keepAlive()...))
}
