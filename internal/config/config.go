// Package config loads service configuration from defaults, an optional YAML
// file and the environment, in that order of precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/chadiek/meetbridge/internal/navigation"
	"github.com/chadiek/meetbridge/internal/speech"
	"github.com/chadiek/meetbridge/internal/telephony"
	"github.com/chadiek/meetbridge/internal/tts"
)

// Config holds application configuration.
type Config struct {
	HTTP       HTTPConfig       `yaml:"http"`
	Twilio     TwilioConfig     `yaml:"twilio"`
	Meeting    MeetingConfig    `yaml:"meeting"`
	Navigation NavigationConfig `yaml:"navigation"`
	Turn       TurnConfig       `yaml:"turn"`
	Speech     SpeechConfig     `yaml:"speech"`
	TTS        TTSConfig        `yaml:"tts"`
	Capture    CaptureConfig    `yaml:"capture"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// HTTPConfig is the webhook and operator listener.
type HTTPConfig struct {
	Address string `yaml:"address"`
	// PublicBaseURL is where the telephony provider reaches this service.
	PublicBaseURL      string `yaml:"public_base_url"`
	OperatorPassword   string `yaml:"operator_password"`
	ValidateSignatures bool   `yaml:"validate_signatures"`
}

// TwilioConfig is the telephony account.
type TwilioConfig struct {
	AccountSID  string        `yaml:"account_sid"`
	AuthToken   string        `yaml:"auth_token"`
	FromNumber  string        `yaml:"from_number"`
	RingTimeout time.Duration `yaml:"ring_timeout"`
	Voice       string        `yaml:"voice"`
}

// MeetingConfig is the default meeting to dial into.
type MeetingConfig struct {
	DialIn   string `yaml:"dial_in"`
	ID       string `yaml:"id"`
	Passcode string `yaml:"passcode"`
	AutoJoin bool   `yaml:"auto_join"`
}

// NavigationConfig tunes the dial-in menu walk.
type NavigationConfig struct {
	AnswerTimeout    time.Duration `yaml:"answer_timeout"`
	SettleDelay      time.Duration `yaml:"settle_delay"`
	GroupDelay       time.Duration `yaml:"group_delay"`
	JoinConfirmWait  time.Duration `yaml:"join_confirm_wait"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryCap         time.Duration `yaml:"retry_cap"`
	SkipAttendeeID   bool          `yaml:"skip_attendee_id"`
	Transcribe       bool          `yaml:"transcribe"`
	RejectionPhrases []string      `yaml:"rejection_phrases"`
}

// TurnConfig sizes the speaking lock for text.
type TurnConfig struct {
	PerWord  time.Duration `yaml:"per_word"`
	Overhead time.Duration `yaml:"overhead"`
}

// SpeechConfig is the realtime speech endpoint.
type SpeechConfig struct {
	URL          string `yaml:"url"`
	APIKey       string `yaml:"api_key"`
	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`
	// Mode is "audio" to stream synthesized audio or "text" to have the
	// telephony provider speak text replies.
	Mode string `yaml:"mode"`
}

// TTSConfig selects the synthesizer used for operator speech in audio mode.
type TTSConfig struct {
	Provider      string `yaml:"provider"`
	DeepgramKey   string `yaml:"deepgram_key"`
	DeepgramModel string `yaml:"deepgram_model"`

	// DeepgramIdleGap is the audio silence that ends a Deepgram utterance.
	DeepgramIdleGap     time.Duration `yaml:"deepgram_idle_gap"`
	DeepgramMaxDuration time.Duration `yaml:"deepgram_max_duration"`

	ElevenLabsKey     string `yaml:"elevenlabs_key"`
	ElevenLabsVoiceID string `yaml:"elevenlabs_voice_id"`
}

// CaptureConfig controls the inbound diagnostics window.
type CaptureConfig struct {
	Seconds        int    `yaml:"seconds"`
	Dir            string `yaml:"dir"`
	SupabaseURL    string `yaml:"supabase_url"`
	SupabaseKey    string `yaml:"supabase_key"`
	SupabaseBucket string `yaml:"supabase_bucket"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	nav := navigation.DefaultConfig()
	return Config{
		HTTP:   HTTPConfig{Address: ":8080", ValidateSignatures: true},
		Twilio: TwilioConfig{RingTimeout: 30 * time.Second, Voice: "Polly.Joanna"},
		Navigation: NavigationConfig{
			AnswerTimeout:    nav.AnswerTimeout,
			SettleDelay:      nav.SettleDelay,
			GroupDelay:       nav.GroupDelay,
			JoinConfirmWait:  nav.JoinConfirmWait,
			MaxRetries:       nav.MaxRetries,
			RetryBase:        nav.RetryBase,
			RetryCap:         nav.RetryCap,
			SkipAttendeeID:   nav.SkipAttendeeID,
			Transcribe:       nav.Transcribe,
			RejectionPhrases: nav.RejectionPhrases,
		},
		Turn: TurnConfig{PerWord: 400 * time.Millisecond, Overhead: 1500 * time.Millisecond},
		Speech: SpeechConfig{
			URL:   "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
			Model: "models/gemini-2.0-flash-live-001",
			Voice: "Puck",
			Mode:  string(speech.ModeAudio),
		},
		TTS: TTSConfig{
			Provider:            "none",
			DeepgramModel:       "aura-2-thalia-en",
			DeepgramIdleGap:     400 * time.Millisecond,
			DeepgramMaxDuration: 12 * time.Second,
		},
		Capture: CaptureConfig{Seconds: 30, SupabaseBucket: "call-captures"},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads .env (if present), the YAML file named by CONFIG_FILE (if set)
// and then the environment, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load()
	cfg := Defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Twilio.Validate(); err != nil {
		return fmt.Errorf("twilio config: %w", err)
	}
	if err := c.Meeting.Validate(); err != nil {
		return fmt.Errorf("meeting config: %w", err)
	}
	if err := c.Navigation.Validate(); err != nil {
		return fmt.Errorf("navigation config: %w", err)
	}
	if err := c.Speech.Validate(); err != nil {
		return fmt.Errorf("speech config: %w", err)
	}
	if err := c.TTS.Validate(); err != nil {
		return fmt.Errorf("tts config: %w", err)
	}
	if err := c.Capture.Validate(); err != nil {
		return fmt.Errorf("capture config: %w", err)
	}
	return nil
}

func (h *HTTPConfig) Validate() error {
	if h.Address == "" {
		return errors.New("address cannot be empty")
	}
	u, err := url.Parse(h.PublicBaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "https" && u.Scheme != "http") {
		return fmt.Errorf("public_base_url must be an absolute http(s) URL, got %q", h.PublicBaseURL)
	}
	return nil
}

func (t *TwilioConfig) Validate() error {
	if !strings.HasPrefix(t.AccountSID, "AC") {
		return fmt.Errorf("account_sid must start with AC, got %q", t.AccountSID)
	}
	if t.AuthToken == "" {
		return errors.New("auth_token cannot be empty")
	}
	if t.FromNumber == "" {
		return errors.New("from_number cannot be empty")
	}
	if t.RingTimeout < 5*time.Second {
		return fmt.Errorf("ring_timeout must be at least 5s, got %s", t.RingTimeout)
	}
	return nil
}

func (m *MeetingConfig) Validate() error {
	if !m.AutoJoin {
		return nil
	}
	target := m.Target("")
	return target.Validate()
}

// Target builds the navigation target for the configured meeting.
func (m MeetingConfig) Target(from string) navigation.Target {
	return navigation.Target{
		DialTo:    m.DialIn,
		DialFrom:  from,
		MeetingID: m.ID,
		Passcode:  m.Passcode,
	}.Normalize()
}

func (n *NavigationConfig) Validate() error {
	for name, d := range map[string]time.Duration{
		"answer_timeout":    n.AnswerTimeout,
		"settle_delay":      n.SettleDelay,
		"group_delay":       n.GroupDelay,
		"join_confirm_wait": n.JoinConfirmWait,
		"retry_base":        n.RetryBase,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if n.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", n.MaxRetries)
	}
	if n.RetryCap < n.RetryBase {
		return fmt.Errorf("retry_cap (%s) must not be below retry_base (%s)", n.RetryCap, n.RetryBase)
	}
	return nil
}

// Config converts to the navigator's settings.
func (n NavigationConfig) Config() navigation.Config {
	return navigation.Config{
		AnswerTimeout:    n.AnswerTimeout,
		SettleDelay:      n.SettleDelay,
		GroupDelay:       n.GroupDelay,
		JoinConfirmWait:  n.JoinConfirmWait,
		MaxRetries:       n.MaxRetries,
		RetryBase:        n.RetryBase,
		RetryCap:         n.RetryCap,
		SkipAttendeeID:   n.SkipAttendeeID,
		Transcribe:       n.Transcribe,
		RejectionPhrases: n.RejectionPhrases,
	}
}

func (s *SpeechConfig) Validate() error {
	switch speech.Mode(s.Mode) {
	case speech.ModeAudio, speech.ModeText:
	default:
		return fmt.Errorf("mode must be audio or text, got %q", s.Mode)
	}
	if !strings.HasPrefix(s.URL, "ws://") && !strings.HasPrefix(s.URL, "wss://") {
		return fmt.Errorf("url must be a websocket URL, got %q", s.URL)
	}
	if s.APIKey == "" {
		return errors.New("api_key cannot be empty")
	}
	return nil
}

// Endpoint converts to the speech client's settings.
func (s SpeechConfig) Endpoint() speech.Config {
	return speech.Config{
		URL:          s.URL,
		APIKey:       s.APIKey,
		Model:        s.Model,
		Voice:        s.Voice,
		Instructions: s.Instructions,
		Mode:         speech.Mode(s.Mode),
	}
}

func (t *TTSConfig) Validate() error {
	switch t.Provider {
	case "", "none":
	case "deepgram":
		if t.DeepgramKey == "" {
			return errors.New("deepgram_key required for the deepgram provider")
		}
	case "elevenlabs":
		if t.ElevenLabsKey == "" || t.ElevenLabsVoiceID == "" {
			return errors.New("elevenlabs_key and elevenlabs_voice_id required for the elevenlabs provider")
		}
	default:
		return fmt.Errorf("provider must be none, deepgram or elevenlabs, got %q", t.Provider)
	}
	if t.DeepgramIdleGap < 0 || t.DeepgramMaxDuration < 0 {
		return errors.New("deepgram_idle_gap and deepgram_max_duration must not be negative")
	}
	return nil
}

// Deepgram converts to the Deepgram synthesizer's settings.
func (t TTSConfig) Deepgram() tts.DeepgramConfig {
	return tts.DeepgramConfig{
		APIKey:      t.DeepgramKey,
		Model:       t.DeepgramModel,
		IdleGap:     t.DeepgramIdleGap,
		MaxDuration: t.DeepgramMaxDuration,
	}
}

func (c *CaptureConfig) Validate() error {
	if c.Seconds < 0 || c.Seconds > 600 {
		return fmt.Errorf("seconds must be between 0 and 600, got %d", c.Seconds)
	}
	if (c.SupabaseURL == "") != (c.SupabaseKey == "") {
		return errors.New("supabase_url and supabase_key must be set together")
	}
	return nil
}

// Telephony converts to the control-plane client settings.
func (c Config) Telephony() telephony.Config {
	return telephony.Config{
		AccountSID:    c.Twilio.AccountSID,
		AuthToken:     c.Twilio.AuthToken,
		From:          c.Twilio.FromNumber,
		PublicBaseURL: c.HTTP.PublicBaseURL,
		RingTimeout:   c.Twilio.RingTimeout,
		Voice:         c.Twilio.Voice,
	}
}
