// Package mediastream serves the provider's media-stream websocket: μ-law
// call audio and stream lifecycle in, paced audio and marks out.
package mediastream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/chadiek/meetbridge/internal/audio"
	"github.com/chadiek/meetbridge/internal/callevent"
)

// ErrClosed is returned when writing to a closed stream.
var ErrClosed = errors.New("mediastream: closed")

const writeWait = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The provider connects from its own origin; the route is not browser facing.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Start describes a stream once the provider announces it.
type Start struct {
	StreamSID  string
	CallSID    string
	AccountSID string
	Tracks     []string
	Format     audio.Format
	Params     map[string]string
}

// Binding receives a started stream's traffic.
type Binding interface {
	HandleMedia(track string, payload []byte)
	HandleEvent(ev callevent.Event)
	Detach(c *Conn)
}

// Binder routes a started stream to its owner. Returning an error closes the
// stream.
type Binder func(c *Conn, start Start) (Binding, error)

// Conn is one media-stream websocket.
type Conn struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu   sync.Mutex
	mu        sync.RWMutex
	streamSID string
	callSID   string
	closed    bool
	closeOnce sync.Once
}

// Upgrade accepts the websocket handshake.
func Upgrade(w http.ResponseWriter, r *http.Request, logger zerolog.Logger) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("mediastream: upgrade: %w", err)
	}
	return &Conn{ws: ws, logger: logger}, nil
}

// StreamSID returns the provider's stream identifier, empty before start.
func (c *Conn) StreamSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.streamSID
}

// CallSID returns the call leg the stream belongs to.
func (c *Conn) CallSID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.callSID
}

// Serve reads until the stream stops, the socket fails or ctx ends.
func (c *Conn) Serve(ctx context.Context, bind Binder) error {
	defer func() { _ = c.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	var binding Binding
	defer func() {
		if binding != nil {
			binding.Detach(c)
		}
	}()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("mediastream: read: %w", err)
		}
		msg, err := parseMessage(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("discarding media-stream message")
			continue
		}
		switch msg.Event {
		case eventConnected:
		case eventStart:
			if binding != nil {
				c.logger.Warn().Msg("duplicate start on media stream")
				continue
			}
			start := msg.start()
			c.mu.Lock()
			c.streamSID, c.callSID = start.StreamSID, start.CallSID
			c.mu.Unlock()
			b, err := bind(c, start)
			if err != nil {
				c.logger.Warn().Err(err).Str("call_sid", start.CallSID).Msg("rejecting media stream")
				return nil
			}
			binding = b
			binding.HandleEvent(callevent.StreamStarted{StreamSID: start.StreamSID})
		case eventMedia:
			if binding == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
			if err != nil {
				c.logger.Warn().Err(err).Msg("discarding undecodable media payload")
				continue
			}
			binding.HandleMedia(msg.Media.Track, payload)
		case eventMark:
			if binding != nil {
				binding.HandleEvent(callevent.PlaybackFinished{Name: msg.Mark.Name})
			}
		case eventDTMF:
			if binding != nil {
				binding.HandleEvent(callevent.MenuTone{Digit: msg.DTMF.Digit})
			}
		case eventStop:
			if binding != nil {
				binding.HandleEvent(callevent.StreamStopped{StreamSID: msg.StreamSID})
			}
			return nil
		default:
			c.logger.Debug().Str("event", msg.Event).Msg("ignoring media-stream event")
		}
	}
}

// WriteMedia sends one μ-law frame into the call.
func (c *Conn) WriteMedia(payload []byte) error {
	return c.write(outbound{
		Event:     eventMedia,
		StreamSID: c.StreamSID(),
		Media:     &outboundMedia{Payload: base64.StdEncoding.EncodeToString(payload)},
	})
}

// WriteMark asks the provider to echo name once playback reaches it.
func (c *Conn) WriteMark(name string) error {
	return c.write(outbound{Event: eventMark, StreamSID: c.StreamSID(), Mark: &markBody{Name: name}})
}

// Clear discards audio the provider has buffered but not played.
func (c *Conn) Clear() error {
	return c.write(outbound{Event: eventClear, StreamSID: c.StreamSID()})
}

// Close shuts the socket. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *Conn) write(msg outbound) error {
	if c.isClosed() {
		return ErrClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("mediastream: encode %s: %w", msg.Event, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("mediastream: write %s: %w", msg.Event, err)
	}
	return nil
}
