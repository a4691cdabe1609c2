package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rudransh-shrivastava/peer-drop/internal/protocol"
)

const (
	DefaultQueueSize = 64

	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

type Config struct {
	Addr      string
	Logger    *slog.Logger
	QueueSize int
}

type Server struct {
	config   Config
	logger   *slog.Logger
	hub      *Hub
	listener net.Listener
	http     *http.Server
	upgrader websocket.Upgrader
}

func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return nil, err
	}

	s := newServer(cfg, logger)
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func newServer(cfg Config, logger *slog.Logger) *Server {
	return &Server{
		config: cfg,
		logger: logger,
		hub:    NewHub(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// NewHandlerServer builds a server without a listener, for mounting its
// Handler elsewhere.
func NewHandlerServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return newServer(cfg, logger)
}

func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Port returns the bound TCP port, or 0 without a listener.
func (s *Server) Port() int {
	if s.listener == nil {
		return 0
	}
	if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

func (s *Server) Hub() *Hub {
	return s.hub
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Relay server started", "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		_ = s.Shutdown()
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) Shutdown() error {
	s.logger.Info("Shutting down relay server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(protocol.Health{
		Status:    "ok",
		Timestamp: time.Now().UnixMilli(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		logger: s.logger,
		codec:  protocol.JSONCodec{},
		send:   make(chan protocol.Envelope, s.config.QueueSize),
		done:   make(chan struct{}),
	}
	s.logger.Info("Endpoint connected", "conn", c.id, "remote", r.RemoteAddr)

	s.hub.Register(c.id, c)
	go c.writeLoop()

	env, _ := protocol.NewEnvelope(protocol.EventConnected, protocol.Connected{SocketID: c.id})
	c.Deliver(env)

	s.readLoop(c)

	s.hub.Disconnect(c.id)
	c.close()
	s.logger.Info("Endpoint disconnected", "conn", c.id)
}

func (s *Server) readLoop(c *conn) {
	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("Websocket read failed", "conn", c.id, "error", err)
			}
			return
		}

		var codec protocol.Codec = protocol.JSONCodec{}
		if msgType == websocket.BinaryMessage {
			codec = protocol.ProtoCodec{}
		}
		c.setCodec(codec)

		env, err := codec.Decode(frame)
		if err != nil {
			s.logger.Warn("Dropping malformed frame", "conn", c.id, "error", err)
			continue
		}
		s.handleMessage(c, env)
	}
}

func (s *Server) handleMessage(c *conn, env protocol.Envelope) {
	switch env.Event {
	case protocol.EventJoinRoom:
		var req protocol.JoinRoom
		if err := env.Decode(&req); err != nil {
			s.logger.Warn("Dropping malformed join", "conn", c.id, "error", err)
			return
		}
		if err := s.hub.Join(c.id, req.RoomID, req.DeviceName); err != nil {
			s.logger.Warn("Dropping join", "conn", c.id, "error", err)
		}
	case protocol.EventLeaveRoom:
		var req protocol.LeaveRoom
		if err := env.Decode(&req); err != nil {
			s.logger.Warn("Dropping malformed leave", "conn", c.id, "error", err)
			return
		}
		s.hub.Leave(c.id, req.RoomID)
	case protocol.EventOffer, protocol.EventAnswer, protocol.EventICECandidate:
		if err := s.hub.RelayHandshake(c.id, env); err != nil {
			s.logger.Warn("Dropping handshake", "conn", c.id, "event", env.Event.String(), "error", err)
		}
	case protocol.EventSubscribeDevices, protocol.EventUnsubscribeDevices:
		var names []string
		if err := env.Decode(&names); err != nil {
			s.logger.Warn("Dropping malformed subscription", "conn", c.id, "error", err)
			return
		}
		if env.Event == protocol.EventSubscribeDevices {
			s.hub.Subscribe(c.id, names)
		} else {
			s.hub.Unsubscribe(c.id, names)
		}
	default:
		s.logger.Warn("Unhandled event", "conn", c.id, "event", env.Event.String())
	}
}

// conn is one live websocket. Replies use the codec of the most recent
// inbound frame.
type conn struct {
	id     string
	ws     *websocket.Conn
	logger *slog.Logger

	mu    sync.Mutex
	codec protocol.Codec

	send      chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func (c *conn) Deliver(env protocol.Envelope) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// Close drops the websocket; the read loop then unwinds and disconnects the
// endpoint from the hub.
func (c *conn) Close() {
	c.close()
}

func (c *conn) setCodec(codec protocol.Codec) {
	c.mu.Lock()
	c.codec = codec
	c.mu.Unlock()
}

func (c *conn) currentCodec() protocol.Codec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codec
}

func (c *conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case env := <-c.send:
			codec := c.currentCodec()
			frame, err := codec.Encode(env)
			if err != nil {
				c.logger.Error("Failed to encode event", "conn", c.id, "event", env.Event.String(), "error", err)
				continue
			}
			msgType := websocket.TextMessage
			if codec.Binary() {
				msgType = websocket.BinaryMessage
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(msgType, frame); err != nil {
				c.logger.Debug("Websocket write failed", "conn", c.id, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
