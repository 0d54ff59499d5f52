package mediastream

import (
	"encoding/json"
	"fmt"

	"github.com/chadiek/meetbridge/internal/audio"
	"github.com/chadiek/meetbridge/internal/callevent"
)

const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventDTMF      = "dtmf"
	eventStop      = "stop"
	eventClear     = "clear"
)

type message struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid,omitempty"`
	Start     *startBody `json:"start,omitempty"`
	Media     *mediaBody `json:"media,omitempty"`
	Mark      *markBody  `json:"mark,omitempty"`
	DTMF      *dtmfBody  `json:"dtmf,omitempty"`
}

type startBody struct {
	StreamSID    string            `json:"streamSid"`
	AccountSID   string            `json:"accountSid"`
	CallSID      string            `json:"callSid"`
	Tracks       []string          `json:"tracks"`
	MediaFormat  mediaFormat       `json:"mediaFormat"`
	CustomParams map[string]string `json:"customParameters"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaBody struct {
	Track     string `json:"track"`
	Chunk     string `json:"chunk"`
	Timestamp string `json:"timestamp"`
	Payload   string `json:"payload"`
}

type markBody struct {
	Name string `json:"name"`
}

type dtmfBody struct {
	Track string `json:"track"`
	Digit string `json:"digit"`
}

type outbound struct {
	Event     string         `json:"event"`
	StreamSID string         `json:"streamSid"`
	Media     *outboundMedia `json:"media,omitempty"`
	Mark      *markBody      `json:"mark,omitempty"`
}

type outboundMedia struct {
	Payload string `json:"payload"`
}

// parseMessage decodes one provider message and checks the body its event
// needs is present.
func parseMessage(data []byte) (message, error) {
	var msg message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", callevent.ErrMalformed, err)
	}
	missing := ""
	switch msg.Event {
	case "":
		missing = "event"
	case eventStart:
		if msg.Start == nil || msg.Start.CallSID == "" {
			missing = "start.callSid"
		}
	case eventMedia:
		if msg.Media == nil {
			missing = "media"
		}
	case eventMark:
		if msg.Mark == nil {
			missing = "mark"
		}
	case eventDTMF:
		if msg.DTMF == nil {
			missing = "dtmf"
		}
	}
	if missing != "" {
		return msg, fmt.Errorf("%w: %s event without %s", callevent.ErrMalformed, msg.Event, missing)
	}
	return msg, nil
}

func (m message) start() Start {
	s := m.Start
	streamSID := s.StreamSID
	if streamSID == "" {
		streamSID = m.StreamSID
	}
	rate := s.MediaFormat.SampleRate
	if rate == 0 {
		rate = audio.NarrowbandRate
	}
	return Start{
		StreamSID:  streamSID,
		CallSID:    s.CallSID,
		AccountSID: s.AccountSID,
		Tracks:     s.Tracks,
		Format:     audio.Format{Encoding: audio.Encoding(s.MediaFormat.Encoding), SampleRate: rate},
		Params:     s.CustomParams,
	}
}
