package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/chadiek/meetbridge/internal/config"
	"github.com/chadiek/meetbridge/internal/metrics"
	"github.com/chadiek/meetbridge/internal/navigation"
	"github.com/chadiek/meetbridge/internal/sched"
	"github.com/chadiek/meetbridge/internal/session"
	"github.com/chadiek/meetbridge/internal/speech"
	"github.com/chadiek/meetbridge/internal/telephony"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTelephony struct {
	mu      sync.Mutex
	next    int
	hangups []string
}

func (f *fakeTelephony) Dial(context.Context, telephony.DialRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	return fmt.Sprintf("CA%d", f.next), nil
}

func (f *fakeTelephony) SendDigits(context.Context, string, string) error { return nil }

func (f *fakeTelephony) Hangup(_ context.Context, sid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups = append(f.hangups, sid)
	return nil
}

func (f *fakeTelephony) Speak(context.Context, string, string, string) error { return nil }

func (f *fakeTelephony) StartStream(context.Context, string, telephony.StreamRequest) error {
	return nil
}

type nullEndpoint struct {
	events chan speech.Event
	once   sync.Once
}

func (e *nullEndpoint) Connect(context.Context) error            { return nil }
func (e *nullEndpoint) SendAudio(context.Context, []int16) error { return nil }
func (e *nullEndpoint) Events() <-chan speech.Event              { return e.events }

func (e *nullEndpoint) Close() error {
	e.once.Do(func() { close(e.events) })
	return nil
}

type staticKeepAlive string

func (k staticKeepAlive) KeepAliveTwiML() (string, error) { return string(k), nil }

type fixture struct {
	srv     *Server
	tel     *fakeTelephony
	metrics *metrics.Metrics
}

func newFixture(t *testing.T, httpCfg config.HTTPConfig) *fixture {
	t.Helper()
	f := &fixture{tel: &fakeTelephony{}, metrics: metrics.New()}
	reg := session.NewRegistry(session.Options{
		Navigation: navigation.DefaultConfig(),
		Mode:       speech.ModeAudio,
	}, session.Deps{
		Telephony: f.tel,
		Speech:    func() speech.Endpoint { return &nullEndpoint{events: make(chan speech.Event)} },
		Metrics:   f.metrics,
		Clock:     sched.NewManual(time.Unix(1_700_000_000, 0)),
	})
	f.srv = New(Deps{
		HTTP:      httpCfg,
		AuthToken: "token",
		Meeting:   config.MeetingConfig{DialIn: "+16465588656", ID: "83914076399"},
		DialFrom:  "+15550100",
		Registry:  reg,
		KeepAlive: staticKeepAlive("<Response><Pause length=\"600\"/></Response>"),
		Metrics:   f.metrics,
	})
	t.Cleanup(func() {
		f.srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		reg.Shutdown(ctx)
	})
	return f
}

func (f *fixture) do(method, target, body, contentType string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	rec := f.do(http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["sessions"])
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	rec := f.do(http.MethodGet, "/metrics", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "meetbridge_active_sessions")
}

func TestStatusWebhookForUnknownCall(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	form := url.Values{"CallSid": {"CA404"}, "CallStatus": {"in-progress"}}
	rec := f.do(http.MethodPost, "/twilio/status", form.Encode(), "application/x-www-form-urlencoded")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DroppedEvents.WithLabelValues("unknown_call")))
}

func TestMalformedWebhookAcknowledged(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	rec := f.do(http.MethodPost, "/twilio/status", "CallStatus=ringing", "application/x-www-form-urlencoded")

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.DroppedEvents.WithLabelValues("malformed")))
}

func TestUnsignedWebhookRejected(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{ValidateSignatures: true, PublicBaseURL: "https://bridge.example.com"})
	rec := f.do(http.MethodPost, "/twilio/status", "CallSid=CA1&CallStatus=completed", "application/x-www-form-urlencoded")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestKeepAliveAndPlaybackReturnTwiML(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	for _, path := range []string{"/twilio/keepalive", "/twilio/playback?turn=turn-1"} {
		rec := f.do(http.MethodPost, path, "CallSid=CA9", "application/x-www-form-urlencoded")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.Contains(t, rec.Header().Get("Content-Type"), "application/xml", path)
		assert.Contains(t, rec.Body.String(), "<Pause", path)
	}
}

func TestOperatorRoutesRequirePassword(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{OperatorPassword: "secret"})

	rec := f.do(http.MethodGet, "/sessions", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/sessions?password=secret", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSessionLifecycle(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})

	rec := f.do(http.MethodPost, "/sessions", `{"passcode":"1234"}`, "application/json")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, "DIALING", created.State)
	assert.Equal(t, "CA1", created.CallSID)
	assert.Equal(t, "83914076399", created.MeetingID)

	rec = f.do(http.MethodGet, "/sessions/"+created.ID, "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	rec = f.do(http.MethodGet, "/sessions", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = f.do(http.MethodPost, "/sessions/"+created.ID+"/speak", `{"text":"hello"}`, "application/json")
	assert.Equal(t, http.StatusConflict, rec.Code, "speaking before the join is refused")

	rec = f.do(http.MethodGet, "/sessions/"+created.ID+"/capture", "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code, "capture disabled")

	rec = f.do(http.MethodDelete, "/sessions/"+created.ID, "", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"CA1"}, f.tel.hangups)

	rec = f.do(http.MethodDelete, "/sessions/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(http.MethodGet, "/sessions/"+created.ID, "", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStartSessionRejectsInvalidTarget(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	rec := f.do(http.MethodPost, "/sessions", `{"meeting_id":"abc","dial_in":"not-a-number"}`, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSpeakRequiresText(t *testing.T) {
	f := newFixture(t, config.HTTPConfig{})
	rec := f.do(http.MethodPost, "/sessions", `{}`, "application/json")
	require.Equal(t, http.StatusCreated, rec.Code)
	var created session.Snapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	rec = f.do(http.MethodPost, "/sessions/"+created.ID+"/speak", `{}`, "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(http.MethodPost, "/sessions/nope/speak", `{"text":"hi"}`, "application/json")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
