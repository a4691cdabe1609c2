package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

var ErrClosed = errors.New("relay connection closed")

// Client is an endpoint's connection to the relay. Handlers run one at a
// time on the reader goroutine in frame order.
type Client struct {
	ws     *websocket.Conn
	codec  protocol.Codec
	logger *slog.Logger
	id     string

	writeMu sync.Mutex

	mu       sync.RWMutex
	handlers map[protocol.Event][]func(json.RawMessage)

	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// Dial connects to a relay websocket URL and waits for the relay to assign
// a connection id.
func Dial(ctx context.Context, url string, codec protocol.Codec, logger *slog.Logger) (*Client, error) {
	if codec == nil {
		codec = protocol.JSONCodec{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing relay %s: %w", url, err)
	}

	c := &Client{
		ws:       ws,
		codec:    codec,
		logger:   logger,
		handlers: make(map[protocol.Event][]func(json.RawMessage)),
		done:     make(chan struct{}),
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetReadDeadline(deadline)
	}
	env, err := c.readEnvelope()
	if err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("waiting for relay greeting: %w", err)
	}
	_ = ws.SetReadDeadline(time.Time{})

	var hello protocol.Connected
	if env.Event != protocol.EventConnected {
		_ = ws.Close()
		return nil, fmt.Errorf("unexpected relay greeting %q", env.Event)
	}
	if err := env.Decode(&hello); err != nil || hello.SocketID == "" {
		_ = ws.Close()
		return nil, fmt.Errorf("invalid relay greeting: %v", err)
	}
	c.id = hello.SocketID

	go c.readLoop()
	return c, nil
}

// ID is the connection id the relay assigned.
func (c *Client) ID() string {
	return c.id
}

func (c *Client) On(event protocol.Event, handler func(json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], handler)
}

func (c *Client) Send(event protocol.Event, payload any) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	env, err := protocol.NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	frame, err := c.codec.Encode(env)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", event, err)
	}
	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(msgType, frame); err != nil {
		return fmt.Errorf("sending %s: %w", event, err)
	}
	return nil
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err reports why the connection ended, after Done is closed.
func (c *Client) Err() error {
	<-c.done
	return c.err
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}

func (c *Client) readEnvelope() (protocol.Envelope, error) {
	msgType, frame, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, &readError{err: err}
	}
	if msgType == websocket.BinaryMessage {
		return protocol.ProtoCodec{}.Decode(frame)
	}
	return protocol.JSONCodec{}.Decode(frame)
}

// readError marks a failure of the underlying connection, as opposed to a
// frame that could not be decoded.
type readError struct {
	err error
}

func (e *readError) Error() string { return e.err.Error() }

func (e *readError) Unwrap() error { return e.err }

func (c *Client) readLoop() {
	defer c.closeOnce.Do(func() { close(c.done) })

	for {
		env, err := c.readEnvelope()
		if err != nil {
			var rerr *readError
			if !errors.As(err, &rerr) {
				c.logger.Warn("Dropping malformed relay frame", "error", err)
				continue
			}
			if websocket.IsUnexpectedCloseError(rerr.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.err = rerr.err
			} else {
				c.err = ErrClosed
			}
			return
		}

		c.mu.RLock()
		handlers := append([]func(json.RawMessage){}, c.handlers[env.Event]...)
		c.mu.RUnlock()

		if len(handlers) == 0 {
			c.logger.Debug("No handler for relay event", "event", env.Event.String())
			continue
		}
		for _, h := range handlers {
			h(env.Data)
		}
	}
}
