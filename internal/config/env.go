package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// lookupFunc matches os.LookupEnv.
type lookupFunc func(key string) (string, bool)

// applyEnv overrides c with every variable that is set and non-empty.
func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("HTTP_ADDRESS", &c.HTTP.Address)
	if port, ok := e.get("PORT"); ok {
		c.HTTP.Address = ":" + port
	}
	e.str("PUBLIC_BASE_URL", &c.HTTP.PublicBaseURL)
	e.str("OPERATOR_PASSWORD", &c.HTTP.OperatorPassword)
	e.boolean("VALIDATE_TWILIO_SIGNATURES", &c.HTTP.ValidateSignatures)

	e.str("TWILIO_ACCOUNT_SID", &c.Twilio.AccountSID)
	e.str("TWILIO_AUTH_TOKEN", &c.Twilio.AuthToken)
	e.str("TWILIO_FROM_NUMBER", &c.Twilio.FromNumber)
	e.duration("TWILIO_RING_TIMEOUT", &c.Twilio.RingTimeout)
	e.str("TWILIO_VOICE", &c.Twilio.Voice)

	e.str("MEETING_DIAL_IN", &c.Meeting.DialIn)
	e.str("MEETING_ID", &c.Meeting.ID)
	e.str("MEETING_PASSCODE", &c.Meeting.Passcode)
	e.boolean("MEETING_AUTO_JOIN", &c.Meeting.AutoJoin)

	e.duration("NAV_ANSWER_TIMEOUT", &c.Navigation.AnswerTimeout)
	e.duration("NAV_SETTLE_DELAY", &c.Navigation.SettleDelay)
	e.duration("NAV_GROUP_DELAY", &c.Navigation.GroupDelay)
	e.duration("NAV_JOIN_CONFIRM_WAIT", &c.Navigation.JoinConfirmWait)
	e.integer("NAV_MAX_RETRIES", &c.Navigation.MaxRetries)
	e.duration("NAV_RETRY_BASE", &c.Navigation.RetryBase)
	e.duration("NAV_RETRY_CAP", &c.Navigation.RetryCap)
	e.boolean("NAV_SKIP_ATTENDEE_ID", &c.Navigation.SkipAttendeeID)
	e.boolean("NAV_TRANSCRIBE", &c.Navigation.Transcribe)
	e.list("NAV_REJECTION_PHRASES", &c.Navigation.RejectionPhrases)

	e.duration("TURN_PER_WORD", &c.Turn.PerWord)
	e.duration("TURN_OVERHEAD", &c.Turn.Overhead)

	e.str("SPEECH_URL", &c.Speech.URL)
	e.str("SPEECH_API_KEY", &c.Speech.APIKey)
	e.str("SPEECH_MODEL", &c.Speech.Model)
	e.str("SPEECH_VOICE", &c.Speech.Voice)
	e.str("SPEECH_INSTRUCTIONS", &c.Speech.Instructions)
	e.str("SPEECH_MODE", &c.Speech.Mode)

	e.str("TTS_PROVIDER", &c.TTS.Provider)
	e.str("DEEPGRAM_API_KEY", &c.TTS.DeepgramKey)
	e.str("DEEPGRAM_TTS_MODEL", &c.TTS.DeepgramModel)
	e.duration("DEEPGRAM_TTS_IDLE_GAP", &c.TTS.DeepgramIdleGap)
	e.duration("DEEPGRAM_TTS_MAX_DURATION", &c.TTS.DeepgramMaxDuration)
	e.str("ELEVENLABS_API_KEY", &c.TTS.ElevenLabsKey)
	e.str("ELEVENLABS_VOICE_ID", &c.TTS.ElevenLabsVoiceID)

	e.integer("CAPTURE_SECONDS", &c.Capture.Seconds)
	e.str("CAPTURE_DIR", &c.Capture.Dir)
	e.str("SUPABASE_URL", &c.Capture.SupabaseURL)
	e.str("SUPABASE_SERVICE_ROLE_KEY", &c.Capture.SupabaseKey)
	e.str("SUPABASE_BUCKET", &c.Capture.SupabaseBucket)

	e.str("LOG_LEVEL", &c.Logging.Level)
	e.boolean("LOG_PRETTY", &c.Logging.Pretty)

	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

// duration accepts Go durations ("4s") or bare milliseconds ("4000").
func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	if ms, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(ms) * time.Millisecond
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	*dst = out
}
