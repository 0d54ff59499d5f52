// Package telephony drives the PSTN call leg through the Twilio REST API:
// placing the call, playing tones, speaking, streaming media and hanging up.
package telephony

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	xlog "github.com/chadiek/meetbridge/internal/log"
)

// RetryPolicy bounds control-plane retries.
type RetryPolicy struct {
	MaxTries uint
	Initial  time.Duration
	Max      time.Duration
}

// Config configures the control-plane client.
type Config struct {
	AccountSID string
	AuthToken  string
	From       string
	// PublicBaseURL is the origin the provider uses for webhooks and streams.
	PublicBaseURL string
	// RingTimeout is how long the provider lets the far end ring.
	RingTimeout time.Duration
	// KeepAlive is the pause that holds the call open between actions.
	KeepAlive time.Duration
	Voice     string
	Retry     RetryPolicy
}

// DialRequest describes one outbound call attempt.
type DialRequest struct {
	To   string
	From string
	// Transcribe forks live transcription of the far end to the webhook.
	Transcribe bool
}

// StreamRequest describes how media streaming is started once joined.
type StreamRequest struct {
	SessionID string
	// Bidirectional lets audio be written back into the call.
	Bidirectional     bool
	StopTranscription bool
}

// RetryObserver is told about every retried control-plane request.
type RetryObserver func(op string)

// callAPI is the subset of the REST surface the client uses.
type callAPI interface {
	CreateCall(params *openapi.CreateCallParams) (*openapi.ApiV2010Call, error)
	UpdateCall(sid string, params *openapi.UpdateCallParams) (*openapi.ApiV2010Call, error)
	FetchCall(sid string, params *openapi.FetchCallParams) (*openapi.ApiV2010Call, error)
}

// Client is the Twilio-backed control plane.
type Client struct {
	api      callAPI
	cfg      Config
	urls     CallbackURLs
	logger   zerolog.Logger
	observer RetryObserver
}

// New builds a Client using the account credentials in cfg.
func New(cfg Config) *Client {
	rest := twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: cfg.AccountSID,
		Password: cfg.AuthToken,
	})
	return newClient(rest.Api, cfg)
}

func newClient(api callAPI, cfg Config) *Client {
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = 10 * time.Minute
	}
	if cfg.Retry.MaxTries == 0 {
		cfg.Retry.MaxTries = 4
	}
	if cfg.Retry.Initial <= 0 {
		cfg.Retry.Initial = 250 * time.Millisecond
	}
	if cfg.Retry.Max <= 0 {
		cfg.Retry.Max = 5 * time.Second
	}
	return &Client{
		api:    api,
		cfg:    cfg,
		urls:   NewCallbackURLs(cfg.PublicBaseURL),
		logger: xlog.WithComponent("telephony"),
	}
}

// OnRetry registers an observer for retried requests.
func (c *Client) OnRetry(fn RetryObserver) { c.observer = fn }

// URLs exposes the webhook addresses the client hands out.
func (c *Client) URLs() CallbackURLs { return c.urls }

// Dial places an outbound call and returns its call SID.
func (c *Client) Dial(ctx context.Context, req DialRequest) (string, error) {
	from := req.From
	if from == "" {
		from = c.cfg.From
	}
	doc, err := c.dialTwiML(req.Transcribe)
	if err != nil {
		return "", &DialError{Err: err}
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(from)
	params.SetTwiml(doc)
	params.SetStatusCallback(c.urls.Status())
	params.SetStatusCallbackMethod("POST")
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	if c.cfg.RingTimeout > 0 {
		params.SetTimeout(int(c.cfg.RingTimeout.Seconds()))
	}

	call, err := c.do(ctx, "create call", func() (*openapi.ApiV2010Call, error) {
		return c.api.CreateCall(params)
	})
	if err != nil {
		return "", &DialError{Err: err}
	}
	if call == nil || call.Sid == nil || *call.Sid == "" {
		return "", &DialError{Err: errors.New("provider returned no call sid")}
	}
	c.logger.Info().Str("call_sid", *call.Sid).Str("to", req.To).Msg("call created")
	return *call.Sid, nil
}

// SendDigits plays a tone sequence on the call as a single action.
func (c *Client) SendDigits(ctx context.Context, callSID, digits string) error {
	if !validDigits(digits) {
		return &ActionError{Action: "send digits", Err: fmt.Errorf("%w: %q", ErrInvalidDigits, digits)}
	}
	doc, err := c.digitsTwiML(digits)
	if err != nil {
		return &ActionError{Action: "send digits", Err: err}
	}
	return c.update(ctx, "send digits", callSID, doc)
}

// Speak reads text into the call. When it finishes the provider requests the
// playback webhook with the given turn name.
func (c *Client) Speak(ctx context.Context, callSID, text, turn string) error {
	doc, err := c.speakTwiML(text, turn)
	if err != nil {
		return &ActionError{Action: "speak", Err: err}
	}
	return c.update(ctx, "speak", callSID, doc)
}

// StartStream begins forwarding call audio to the media websocket.
func (c *Client) StartStream(ctx context.Context, callSID string, req StreamRequest) error {
	doc, err := c.streamTwiML(req)
	if err != nil {
		return &ActionError{Action: "start stream", Err: err}
	}
	return c.update(ctx, "start stream", callSID, doc)
}

// StopStream ends a forked media stream and keeps the call open.
func (c *Client) StopStream(ctx context.Context, callSID string) error {
	doc, err := c.stopStreamTwiML()
	if err != nil {
		return &ActionError{Action: "stop stream", Err: err}
	}
	return c.update(ctx, "stop stream", callSID, doc)
}

// Hangup completes the call.
func (c *Client) Hangup(ctx context.Context, callSID string) error {
	params := &openapi.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := c.do(ctx, "hangup", func() (*openapi.ApiV2010Call, error) {
		return c.api.UpdateCall(callSID, params)
	})
	if err != nil {
		return &ActionError{Action: "hangup", Err: err}
	}
	return nil
}

// Status fetches the provider's view of the call.
func (c *Client) Status(ctx context.Context, callSID string) (string, error) {
	call, err := c.do(ctx, "fetch call", func() (*openapi.ApiV2010Call, error) {
		return c.api.FetchCall(callSID, &openapi.FetchCallParams{})
	})
	if err != nil {
		return "", &ActionError{Action: "fetch call", Err: err}
	}
	if call == nil || call.Status == nil {
		return "", nil
	}
	return *call.Status, nil
}

func (c *Client) update(ctx context.Context, action, callSID, doc string) error {
	params := &openapi.UpdateCallParams{}
	params.SetTwiml(doc)
	_, err := c.do(ctx, action, func() (*openapi.ApiV2010Call, error) {
		return c.api.UpdateCall(callSID, params)
	})
	if err != nil {
		return &ActionError{Action: action, Err: err}
	}
	c.logger.Debug().Str("call_sid", callSID).Str("action", action).Msg("call updated")
	return nil
}

// do runs one REST request with bounded exponential backoff on transient
// errors. Only transient errors that outlast the retries become a
// TransportError; anything else is returned as the provider reported it.
func (c *Client) do(ctx context.Context, op string, fn func() (*openapi.ApiV2010Call, error)) (*openapi.ApiV2010Call, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.Retry.Initial
	b.MaxInterval = c.cfg.Retry.Max

	attempts := 0
	var permanent error
	call, err := backoff.Retry(ctx, func() (*openapi.ApiV2010Call, error) {
		attempts++
		call, err := fn()
		if err != nil && !Retryable(err) {
			permanent = err
			return nil, backoff.Permanent(err)
		}
		return call, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(c.cfg.Retry.MaxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn().Err(err).Str("op", op).Dur("wait", wait).Msg("retrying control-plane request")
			if c.observer != nil {
				c.observer(op)
			}
		}),
	)
	if permanent != nil {
		return nil, permanent
	}
	if err != nil {
		return nil, &TransportError{Op: op, Attempts: attempts, Err: err}
	}
	return call, nil
}

func validDigits(digits string) bool {
	if digits == "" {
		return false
	}
	return strings.Trim(digits, "0123456789*#wW") == ""
}
