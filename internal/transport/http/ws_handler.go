package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"liveroom/internal/app"
	"liveroom/internal/domain"
	"liveroom/internal/logger"
	"liveroom/internal/protocol"
)

// WSConfig tunes the per-connection transport.
type WSConfig struct {
	SendBuffer     int
	PingInterval   time.Duration
	WriteTimeout   time.Duration
	ReadLimit      int64
	AllowedOrigins []string
}

func (c WSConfig) withDefaults() WSConfig {
	if c.SendBuffer <= 0 {
		c.SendBuffer = 64
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 15 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = 64 << 10
	}
	return c
}

// WSHandler upgrades requests to websockets and feeds every frame into the coordinator.
type WSHandler struct {
	coord    *app.Coordinator
	cfg      WSConfig
	upgrader websocket.Upgrader
	log      *slog.Logger
}

func NewWSHandler(coord *app.Coordinator, cfg WSConfig, log *slog.Logger) *WSHandler {
	cfg = cfg.withDefaults()
	if log == nil {
		log = slog.Default()
	}
	return &WSHandler{
		coord: coord,
		cfg:   cfg,
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(cfg.AllowedOrigins),
		},
	}
}

// ServeWS runs one connection until the peer goes away or the coordinator closes it. Joining
// happens in-band with a join frame, so the upgrade itself needs no parameters.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context(), h.log)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("ws upgrade failed", slog.Any("err", err))
		return
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := newWSConn(ws, h.cfg, log)
	h.coord.Connect(c)
	log.Debug("ws connected", slog.String("conn", c.id), slog.String("remote", r.RemoteAddr))

	go c.writeLoop()
	h.readLoop(ctx, c)

	h.coord.Disconnect(c)
	_ = c.Close()
	log.Debug("ws disconnected", slog.String("conn", c.id))
}

func (h *WSHandler) readLoop(ctx context.Context, c *wsConn) {
	pongWait := 2 * h.cfg.PingInterval
	c.conn.SetReadLimit(h.cfg.ReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug("ws read failed", slog.String("conn", c.id), slog.Any("err", err))
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		// Errors were already delivered to the client as error frames.
		_ = h.coord.HandleFrame(ctx, c, data)
	}
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// wsConn is a websocket behind a bounded send queue. Only writeLoop writes to the socket; a full
// queue fails the send so one slow client never stalls a room.
type wsConn struct {
	id           string
	conn         *websocket.Conn
	send         chan []byte
	done         chan struct{}
	closeOnce    sync.Once
	pingEvery    time.Duration
	writeTimeout time.Duration
	log          *slog.Logger
}

func newWSConn(conn *websocket.Conn, cfg WSConfig, log *slog.Logger) *wsConn {
	return &wsConn{
		id:           uuid.NewString(),
		conn:         conn,
		send:         make(chan []byte, cfg.SendBuffer),
		done:         make(chan struct{}),
		pingEvery:    cfg.PingInterval,
		writeTimeout: cfg.WriteTimeout,
		log:          log,
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(msg protocol.Outbound) error {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode frame", slog.String("type", msg.Type), slog.Any("err", err))
		return domain.ErrSendFailed
	}
	select {
	case <-c.done:
		return domain.ErrSendFailed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return domain.ErrSendFailed
	}
}

// Close stops the writer after it flushes what is already queued.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

func (c *wsConn) writeLoop() {
	ticker := time.NewTicker(c.pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				c.log.Debug("ws write failed", slog.String("conn", c.id), slog.Any("err", err))
				_ = c.Close()
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout)); err != nil {
				_ = c.Close()
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(c.writeTimeout))
			return
		}
	}
}

func (c *wsConn) flush() {
	for {
		select {
		case data := <-c.send:
			if err := c.write(data); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *wsConn) write(data []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}
