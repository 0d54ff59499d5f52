package telephony

import (
	"net/url"
	"strings"
)

// Webhook paths served by the HTTP layer.
const (
	PathStatus        = "/twilio/status"
	PathTranscription = "/twilio/transcription"
	PathPlayback      = "/twilio/playback"
	PathKeepAlive     = "/twilio/keepalive"
	PathStream        = "/twilio/stream"
)

// CallbackURLs builds the absolute webhook addresses handed to the provider.
type CallbackURLs struct {
	base string
}

// NewCallbackURLs uses base, the public origin the provider can reach.
func NewCallbackURLs(base string) CallbackURLs {
	return CallbackURLs{base: strings.TrimRight(base, "/")}
}

// Absolute joins path onto the public origin.
func (u CallbackURLs) Absolute(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return u.base + path
}

func (u CallbackURLs) Status() string        { return u.Absolute(PathStatus) }
func (u CallbackURLs) Transcription() string { return u.Absolute(PathTranscription) }
func (u CallbackURLs) KeepAlive() string     { return u.Absolute(PathKeepAlive) }

// Playback is the redirect target after a spoken prompt; turn identifies it.
func (u CallbackURLs) Playback(turn string) string {
	q := url.Values{}
	q.Set("turn", turn)
	return u.Absolute(PathPlayback) + "?" + q.Encode()
}

// Stream is the websocket address for media streaming.
func (u CallbackURLs) Stream() string {
	s := u.Absolute(PathStream)
	switch {
	case strings.HasPrefix(s, "https://"):
		return "wss://" + strings.TrimPrefix(s, "https://")
	case strings.HasPrefix(s, "http://"):
		return "ws://" + strings.TrimPrefix(s, "http://")
	}
	return s
}
