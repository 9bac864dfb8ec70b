package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fulcrum-net/fulcrum/internal/protocol"
)

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	sendBuffer = 256              // Per-client outbound channel buffer
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Operator tooling connects from anywhere on the admin network.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Stream fans fleet envelopes out to connected WebSocket clients. Clients
// are read-only observers; inbound frames are discarded.
type Stream struct {
	mu      sync.Mutex
	clients map[*streamClient]struct{}
	unsubs  []func()
	closed  bool
}

// streamClient owns one connection. All writes go through the Send channel
// into writePump, so ping and event writes never race.
type streamClient struct {
	stream *Stream
	conn   *websocket.Conn
	send   chan []byte
	done   chan struct{}
	once   sync.Once
}

// NewStream creates an empty stream; call Attach to feed it.
func NewStream() *Stream {
	return &Stream{clients: make(map[*streamClient]struct{})}
}

// Attach subscribes the stream to the given message types on the bus and
// forwards every matching envelope to all connected clients.
func (s *Stream) Attach(messenger Messenger, msgTypes ...string) error {
	for _, msgType := range msgTypes {
		unsub, err := messenger.Subscribe(msgType, s.onEnvelope)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.unsubs = append(s.unsubs, unsub)
		s.mu.Unlock()
	}
	return nil
}

func (s *Stream) onEnvelope(env *protocol.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		return
	}

	s.mu.Lock()
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			slog.Warn("[API] Stream client slow, dropping event", "type", env.Type)
		}
	}
}

// HandleWebSocket upgrades the connection and starts the client pumps.
func (s *Stream) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		http.Error(w, "stream closed", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[API] WebSocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		stream: s,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()

	slog.Info("[API] Stream client connected", "remote", r.RemoteAddr)
	go c.writePump()
	go c.readPump()
}

// Close detaches the bus subscriptions and drops every client.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubs := s.unsubs
	s.unsubs = nil
	clients := make([]*streamClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	for _, c := range clients {
		c.close()
	}
}

func (c *streamClient) close() {
	c.once.Do(func() {
		close(c.done)
		c.stream.mu.Lock()
		delete(c.stream.clients, c)
		c.stream.mu.Unlock()
		c.conn.Close()
		slog.Info("[API] Stream client disconnected")
	})
}

// writePump is the only goroutine that writes to the connection.
func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

			// Drain queued events in the same wake-up.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.conn.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			return
		}
	}
}

// readPump keeps the pong handler serviced and discards inbound frames.
func (c *streamClient) readPump() {
	defer c.close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Warn("[API] Stream read error", "error", err)
			}
			return
		}
	}
}
