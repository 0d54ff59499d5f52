package speech

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/meetbridge/internal/audio"
	xlog "github.com/chadiek/meetbridge/internal/log"
)

// ErrNotConnected is returned when sending before Connect or after Close.
var ErrNotConnected = errors.New("speech: not connected")

// Config configures a LiveClient.
type Config struct {
	URL          string
	APIKey       string
	Model        string
	Voice        string
	Instructions string
	Mode         Mode
	DialTimeout  time.Duration
}

// LiveClient is an Endpoint speaking the bidirectional live-session protocol
// over a websocket.
type LiveClient struct {
	cfg    Config
	logger zerolog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	events  chan Event
	done    chan struct{}
	closed  bool
}

// NewLiveClient returns an unconnected client.
func NewLiveClient(cfg Config) *LiveClient {
	if cfg.Mode == "" {
		cfg.Mode = ModeAudio
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &LiveClient{
		cfg:    cfg,
		logger: xlog.WithComponent("speech"),
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.DialTimeout},
		events: make(chan Event, 256),
		done:   make(chan struct{}),
	}
}

// Factory returns a Factory producing clients with cfg.
func (cfg Config) Factory() Factory {
	return func() Endpoint { return NewLiveClient(cfg) }
}

type setupMessage struct {
	Setup setup `json:"setup"`
}

type setup struct {
	Model                    string           `json:"model"`
	GenerationConfig         generationConfig `json:"generationConfig"`
	SystemInstruction        *content         `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}        `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}        `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig struct {
		PrebuiltVoiceConfig struct {
			VoiceName string `json:"voiceName"`
		} `json:"prebuiltVoiceConfig"`
	} `json:"voiceConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type realtimeInputMessage struct {
	RealtimeInput struct {
		Audio inlineData `json:"audio"`
	} `json:"realtimeInput"`
}

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	GoAway        *struct {
		TimeLeft string `json:"timeLeft"`
	} `json:"goAway,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

// Connect dials the endpoint, sends the session setup and starts reading.
func (c *LiveClient) Connect(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("speech: parse url: %w", err)
	}
	if c.cfg.APIKey != "" && u.Query().Get("key") == "" {
		q := u.Query()
		q.Set("key", c.cfg.APIKey)
		u.RawQuery = q.Encode()
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			return fmt.Errorf("speech: dial (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("speech: dial: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return ErrNotConnected
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	if err := c.write(c.setup()); err != nil {
		_ = c.Close()
		return fmt.Errorf("speech: send setup: %w", err)
	}
	return nil
}

func (c *LiveClient) setup() setupMessage {
	modality := "AUDIO"
	if c.cfg.Mode == ModeText {
		modality = "TEXT"
	}
	s := setup{
		Model:                   c.cfg.Model,
		GenerationConfig:        generationConfig{ResponseModalities: []string{modality}},
		InputAudioTranscription: &struct{}{},
	}
	if c.cfg.Mode == ModeAudio {
		s.OutputAudioTranscription = &struct{}{}
		if c.cfg.Voice != "" {
			sc := &speechConfig{}
			sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName = c.cfg.Voice
			s.GenerationConfig.SpeechConfig = sc
		}
	}
	if c.cfg.Instructions != "" {
		s.SystemInstruction = &content{Parts: []part{{Text: c.cfg.Instructions}}}
	}
	return setupMessage{Setup: s}
}

// SendAudio implements Endpoint.
func (c *LiveClient) SendAudio(ctx context.Context, pcm []int16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var msg realtimeInputMessage
	msg.RealtimeInput.Audio = inlineData{
		MimeType: "audio/pcm;rate=" + strconv.Itoa(audio.WidebandRate),
		Data:     base64.StdEncoding.EncodeToString(audio.PCM16LE(pcm)),
	}
	return c.write(msg)
}

// Events implements Endpoint.
func (c *LiveClient) Events() <-chan Event { return c.events }

// Close implements Endpoint. It is idempotent.
func (c *LiveClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	close(c.done)
	c.mu.Unlock()
	if conn == nil {
		close(c.events)
		return nil
	}
	c.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return conn.Close()
}

func (c *LiveClient) write(v any) error {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()
	if conn == nil || closed {
		return ErrNotConnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(v)
}

func (c *LiveClient) readLoop(conn *websocket.Conn) {
	var final error
	defer func() {
		c.emit(Closed{Err: final})
		close(c.events)
	}()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					final = err
				}
			}
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("discarding malformed endpoint message")
			continue
		}
		for _, ev := range c.translate(msg) {
			if !c.emit(ev) {
				return
			}
		}
	}
}

func (c *LiveClient) translate(msg serverMessage) []Event {
	var out []Event
	if msg.SetupComplete != nil {
		out = append(out, Ready{})
	}
	if msg.GoAway != nil {
		c.logger.Warn().Str("time_left", msg.GoAway.TimeLeft).Msg("endpoint is closing the session")
	}
	sc := msg.ServerContent
	if sc == nil {
		return out
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		out = append(out, InputTranscript{Text: sc.InputTranscription.Text})
	}
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && strings.HasPrefix(p.InlineData.MimeType, "audio/pcm") {
				raw, err := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if err != nil {
					c.logger.Warn().Err(err).Msg("discarding undecodable audio part")
					continue
				}
				out = append(out, AudioOut{PCM: audio.SamplesFromPCM16LE(raw), Rate: rateOf(p.InlineData.MimeType)})
			}
			if p.Text != "" {
				out = append(out, TextOut{Text: p.Text})
			}
		}
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		out = append(out, OutputTranscript{Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		out = append(out, Interrupted{})
	}
	if sc.TurnComplete {
		out = append(out, TurnComplete{})
	}
	return out
}

func (c *LiveClient) emit(ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// rateOf extracts the rate parameter of an "audio/pcm;rate=N" mime type.
func rateOf(mime string) int {
	for _, param := range strings.Split(mime, ";")[1:] {
		k, v, ok := strings.Cut(strings.TrimSpace(param), "=")
		if ok && k == "rate" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				return n
			}
		}
	}
	return audio.SynthesisRate
}
