// Package transport (continued): the three semantic socket roles of
// spec §4.1, carried over persistent websocket connections. A Conn is
// one physical connection; the socket types above it add the
// request/reply, fan-out and one-way semantics.
package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one physical websocket connection speaking the Message
// framing. It is safe for one concurrent reader and one concurrent
// writer (the usual websocket constraint), matching the "single-
// threaded within a task" model of spec §5 — callers serialize their
// own access.
type Conn struct {
	ws       *websocket.Conn
	registry *Registry
}

// NewConn wraps an established websocket connection.
func NewConn(ws *websocket.Conn, registry *Registry) *Conn {
	return &Conn{ws: ws, registry: registry}
}

// Send validates and writes m as a single binary websocket frame.
func (c *Conn) Send(m Message) error {
	if c.registry != nil {
		if err := c.registry.Validate(m); err != nil {
			return err
		}
	}
	data, err := Encode(m)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, data)
}

// Recv reads and validates the next Message. A decode or schema
// failure is a protocol error per spec §7 and should cause session
// teardown in the caller.
func (c *Conn) Recv() (Message, error) {
	kind, data, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, err
	}
	if kind != websocket.BinaryMessage {
		return Message{}, fmt.Errorf("transport: expected binary frame, got kind %d", kind)
	}
	m, err := Decode(data)
	if err != nil {
		return Message{}, err
	}
	if c.registry != nil {
		if err := c.registry.Validate(m); err != nil {
			return Message{}, err
		}
	}
	return m, nil
}

// RecvDeadline reads the next Message, failing with a timeout error if
// none arrives before deadline (spec §5 "any recv-with-timeout").
func (c *Conn) RecvDeadline(deadline time.Time) (Message, error) {
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return Message{}, err
	}
	return c.Recv()
}

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.ws.Close() }

// RemoteAddr returns the peer's network address, used for liveness
// logging and access-event attribution.
func (c *Conn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RepListener is the server side of a REQ/REP role: it accepts
// websocket upgrades and hands each resulting Conn to a per-connection
// handler that must alternate Recv/Send strictly, matching the
// builder and admin wire protocols (spec §4.1).
type RepListener struct {
	registry *Registry
}

// NewRepListener returns a REP-role listener validating against registry.
func NewRepListener(registry *Registry) *RepListener {
	return &RepListener{registry: registry}
}

// Handler upgrades r/w and passes the resulting Conn to serve. serve
// owns the connection's lifetime and is expected to loop
// Recv-then-Send until the peer disconnects or the protocol ends
// (e.g. on BYE).
func (l *RepListener) Handler(serve func(*Conn)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, l.registry)
		serve(conn)
	}
}

// RouterSocket is the server side of a ROUTER/DEALER role: many peers
// connect concurrently and are addressed by a caller-supplied routing
// key (e.g. a slave-id or a file-transfer session id), decoupling
// delivery order across peers (spec §4.1, used by DRIVER and JUGGLER).
type RouterSocket struct {
	registry *Registry

	mu    sync.RWMutex
	peers map[string]*Conn
}

// NewRouterSocket returns an empty RouterSocket.
func NewRouterSocket(registry *Registry) *RouterSocket {
	return &RouterSocket{registry: registry, peers: make(map[string]*Conn)}
}

// Handler upgrades the connection, lets identify extract the peer's
// routing key from its first message, then indexes the Conn under
// that key until onClose fires (connection error or explicit Forget).
func (s *RouterSocket) Handler(identify func(Message) (key string, ok bool), onMessage func(key string, m Message), onClose func(key string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := NewConn(ws, s.registry)

		first, err := conn.Recv()
		if err != nil {
			conn.Close()
			return
		}
		key, ok := identify(first)
		if !ok {
			conn.Close()
			return
		}
		s.register(key, conn)
		onMessage(key, first)

		for {
			m, err := conn.Recv()
			if err != nil {
				s.forget(key)
				if onClose != nil {
					onClose(key)
				}
				return
			}
			onMessage(key, m)
		}
	}
}

func (s *RouterSocket) register(key string, conn *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.peers[key]; ok {
		old.Close()
	}
	s.peers[key] = conn
}

func (s *RouterSocket) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.peers, key)
}

// Forget drops key's connection without closing it, for callers that
// have already taken ownership of teardown.
func (s *RouterSocket) Forget(key string) { s.forget(key) }

// SendTo delivers m to the peer registered under key.
func (s *RouterSocket) SendTo(key string, m Message) error {
	s.mu.RLock()
	conn, ok := s.peers[key]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("transport: no peer registered for %q", key)
	}
	return conn.Send(m)
}

// Close closes and forgets the peer connection registered under key,
// if any.
func (s *RouterSocket) Close(key string) {
	s.mu.Lock()
	conn, ok := s.peers[key]
	delete(s.peers, key)
	s.mu.Unlock()
	if ok {
		conn.Close()
	}
}

// PushSocket is the one-way send-only role (spec §4.1). It wraps an
// in-process channel rather than a network connection, since one-way
// sends between tasks here are between goroutines of the same process
// (see internal/model's "Ownership" note — inter-task state changes
// happen by message send, not shared memory, even within one OS
// process). No component constructs one: SUPERVISOR's control fan-out
// and SECRETARY's Notify use plain Go channels directly.
type PushSocket struct {
	ch chan Message
}

// PullSocket is the read side of a PushSocket.
type PullSocket struct {
	ch chan Message
}

// NewPushPull returns a connected push/pull pair with the given
// buffer depth.
func NewPushPull(buffer int) (*PushSocket, *PullSocket) {
	ch := make(chan Message, buffer)
	return &PushSocket{ch: ch}, &PullSocket{ch: ch}
}

// Send enqueues m. It never blocks the sender on a network round trip,
// per spec §4.8's "never block a render on network I/O" — callers
// size Buffer generously and treat a full channel as backpressure.
func (p *PushSocket) Send(ctx context.Context, m Message) error {
	select {
	case p.ch <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv blocks until a Message is available or ctx is done.
func (p *PullSocket) Recv(ctx context.Context) (Message, error) {
	select {
	case m := <-p.ch:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// DialConn dials a websocket endpoint and wraps the result as a Conn.
// Used by internal test harnesses and by CHASE's admin-socket client
// helpers; the builder side of DRIVER/JUGGLER is implemented by the
// (out-of-scope) builder process, not this repository.
func DialConn(ctx context.Context, url string, registry *Registry) (*Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return NewConn(ws, registry), nil
}
