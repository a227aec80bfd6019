// Package broker hosts the shared signaling document store behind a
// websocket JSON-RPC surface. Clients connect with the socket channel in
// internal/signaling; state lives in the in-memory channel behind the
// broker, so the broker is the single point both peers rendezvous at.
package broker

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/HMasataka/telecare/internal/signaling"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/jsonrpc2"
	websocketjsonrpc2 "github.com/sourcegraph/jsonrpc2/websocket"
)

type Server struct {
	channel  *signaling.MemoryChannel
	upgrader websocket.Upgrader
}

func NewServer() *Server {
	return &Server{
		channel: signaling.NewMemoryChannel(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Channel exposes the backing store, mainly for tests.
func (s *Server) Channel() *signaling.MemoryChannel {
	return s.channel
}

// HandleWebSocket upgrades the request and serves JSON-RPC on it until the
// client disconnects. Each connection gets its own subscription table.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade websocket", "error", err)
		return
	}

	sess := &clientSession{
		channel: s.channel,
		subs:    make(map[string]signaling.Unsubscribe),
	}

	ctx := r.Context()
	conn := jsonrpc2.NewConn(ctx, websocketjsonrpc2.NewObjectStream(ws), jsonrpc2.AsyncHandler(sess))

	slog.Info("client connected", slog.String("remote", r.RemoteAddr))

	<-conn.DisconnectNotify()
	sess.teardown()

	slog.Info("client disconnected", slog.String("remote", r.RemoteAddr))
}

// clientSession is the per-connection handler. It tracks the connection's
// subscriptions so they detach when the socket goes away.
type clientSession struct {
	channel *signaling.MemoryChannel

	mu   sync.Mutex
	subs map[string]signaling.Unsubscribe
}

func (c *clientSession) register(unsub signaling.Unsubscribe) string {
	id := uuid.NewString()

	c.mu.Lock()
	c.subs[id] = unsub
	c.mu.Unlock()
	return id
}

func (c *clientSession) unregister(id string) {
	c.mu.Lock()
	unsub, ok := c.subs[id]
	delete(c.subs, id)
	c.mu.Unlock()

	if ok {
		unsub()
	}
}

func (c *clientSession) teardown() {
	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[string]signaling.Unsubscribe)
	c.mu.Unlock()

	for _, unsub := range subs {
		unsub()
	}
}

// notify pushes a server-initiated notification, logging delivery failures.
func notify(ctx context.Context, conn *jsonrpc2.Conn, method string, params any) {
	if err := conn.Notify(ctx, method, params); err != nil {
		slog.Debug("failed to push notification", "error", err, slog.String("method", method))
	}
}
