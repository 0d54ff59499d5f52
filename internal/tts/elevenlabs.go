package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	xlog "github.com/chadiek/meetbridge/internal/log"
)

// ElevenLabsClient streams speech from the ElevenLabs HTTP streaming API.
type ElevenLabsClient struct {
	APIKey  string
	VoiceID string
	ModelID string
	BaseURL string
	HTTP    *http.Client
	logger  zerolog.Logger
}

func NewElevenLabsClient(apiKey, voiceID string) *ElevenLabsClient {
	return &ElevenLabsClient{
		APIKey:  apiKey,
		VoiceID: voiceID,
		ModelID: "eleven_flash_v2_5",
		BaseURL: "https://api.elevenlabs.io",
		HTTP:    &http.Client{},
		logger:  xlog.WithComponent("tts.elevenlabs"),
	}
}

func (e *ElevenLabsClient) Synthesize(ctx context.Context, text string) (<-chan []byte, <-chan error) {
	pcmCh := make(chan []byte, 1024)
	errCh := make(chan error, 1)
	go func() {
		defer close(pcmCh)
		defer close(errCh)
		if e.APIKey == "" || e.VoiceID == "" {
			errCh <- fmt.Errorf("elevenlabs: %w (or voice id)", ErrMissingKey)
			return
		}
		if err := e.stream(ctx, text, pcmCh); err != nil {
			errCh <- err
		}
	}()
	return pcmCh, errCh
}

func (e *ElevenLabsClient) stream(ctx context.Context, text string, pcmCh chan<- []byte) error {
	u, err := url.Parse(strings.TrimRight(e.BaseURL, "/") + "/v1/text-to-speech/" + url.PathEscape(e.VoiceID) + "/stream")
	if err != nil {
		return fmt.Errorf("elevenlabs: %w", err)
	}
	q := u.Query()
	q.Set("output_format", fmt.Sprintf("pcm_%d", SampleRate))
	q.Set("optimize_streaming_latency", "2")
	u.RawQuery = q.Encode()

	body, err := json.Marshal(map[string]any{
		"model_id": e.ModelID,
		"text":     text,
		"voice_settings": map[string]any{
			"stability":        0.4,
			"similarity_boost": 0.7,
		},
	})
	if err != nil {
		return fmt.Errorf("elevenlabs: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("elevenlabs: %w", err)
	}
	req.Header.Set("xi-api-key", e.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("elevenlabs: stream request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preview, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("elevenlabs: status=%d body=%s", resp.StatusCode, string(preview))
	}

	buf := make([]byte, 4096)
	total := 0
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			out := make([]byte, n)
			copy(out, buf[:n])
			select {
			case pcmCh <- out:
			case <-ctx.Done():
				return ctx.Err()
			}
			total += n
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				e.logger.Debug().Int("bytes", total).Msg("synthesis complete")
				return nil
			}
			return fmt.Errorf("elevenlabs: read stream: %w", rerr)
		}
	}
}
