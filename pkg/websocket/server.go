package websocket

import (
	"context"
	"log/slog"

	"github.com/zimrat/shofar/internal/logger"
	"github.com/zimrat/shofar/pkg/reactor"
	"github.com/zimrat/shofar/pkg/transport"
)

const acceptBacklog = 128

// Server owns a listening socket and the set of accepted connections,
// keyed by connection identity. It implements the reactor's handle
// contract: readiness on the listening socket means pending
// connections to accept. All methods must be called from the reactor
// goroutine.
type Server struct {
	logger  *slog.Logger
	sock    *transport.Sock
	reactor *reactor.Reactor
	opts    Options
	hooks   Hooks
	conns   map[int]*Conn
}

// Listen binds a listening socket and registers the server with the
// reactor. Every accepted connection inherits opts and hooks, and logs
// through the logger attached to ctx.
func Listen(ctx context.Context, host string, port int, r *reactor.Reactor, opts Options, hooks Hooks) (*Server, error) {
	l := logger.FromContext(ctx)

	sock, err := transport.Listen(host, port, acceptBacklog)
	if err != nil {
		return nil, err
	}

	s := &Server{
		logger:  l,
		sock:    sock,
		reactor: r,
		opts:    opts.withDefaults(),
		hooks:   hooks,
		conns:   map[int]*Conn{},
	}
	r.Add(s)

	return s, nil
}

// ID returns the listening socket's identity.
func (s *Server) ID() int {
	return s.sock.ID()
}

func (s *Server) IsOpen() bool {
	return s.sock.IsOpen()
}

// OnReadable accepts every pending connection. Transient accept
// failures (e.g. descriptor exhaustion) are logged without tearing the
// listener down.
func (s *Server) OnReadable() error {
	for {
		c, err := s.Accept()
		if err != nil {
			s.logger.Warn("failed to accept connection", slog.Any("error", err))
			return nil
		}
		if c == nil {
			return nil
		}
	}
}

// OnOutOfBand is meaningless on a listening socket.
func (s *Server) OnOutOfBand() error {
	return nil
}

// Accept accepts one pending connection, wraps it, and registers it
// with the server and the reactor. It returns (nil, nil) when no
// connection is pending.
func (s *Server) Accept() (*Conn, error) {
	sock, err := s.sock.Accept()
	if err != nil || sock == nil {
		return nil, err
	}

	c := newConn(sock, s, s.opts, s.hooks, s.logger)
	s.conns[c.ID()] = c
	s.reactor.Add(c)

	if addr, port, err := c.RemoteAddr(); err == nil {
		c.logger.Debug("accepted connection",
			slog.String("peer_addr", addr), slog.Int("peer_port", port))
	}

	return c, nil
}

// Len returns the number of registered connections.
func (s *Server) Len() int {
	return len(s.conns)
}

// Broadcast writes one message to every connection in its OK state.
// Per-connection write errors are swallowed (and logged), so one bad
// peer cannot abort the fan-out.
func (s *Server) Broadcast(op Opcode, payload []byte) {
	for _, c := range s.conns {
		if !c.ok() {
			continue
		}
		if err := c.Write(op, payload); err != nil {
			c.logger.Debug("broadcast write failed", slog.Any("error", err))
		}
	}
}

// PingAll sends a Ping control frame to every connection in its OK
// state, with the same error policy as [Server.Broadcast]. Pongs arrive
// through the connections' Pong hooks.
func (s *Server) PingAll(payload []byte) {
	for _, c := range s.conns {
		if !c.ok() {
			continue
		}
		if err := c.WritePing(payload); err != nil {
			c.logger.Debug("ping write failed", slog.Any("error", err))
		}
	}
}

// Close closes every connection (with the given status), deregisters
// the server from the reactor, and closes the listening socket.
func (s *Server) Close(status StatusCode, reason string) {
	snapshot := make([]*Conn, 0, len(s.conns))
	for _, c := range s.conns {
		snapshot = append(snapshot, c)
	}
	for _, c := range snapshot {
		c.Close(status, reason)
	}

	s.reactor.Remove(s)
	_ = s.sock.Close()

	s.logger.Debug("WebSocket server closed", slog.String("close_status", status.String()))
}

// Abort closes the server without notifying connected peers.
func (s *Server) Abort() {
	s.Close(StatusNone, "")
}

// remove deregisters a closing connection from the server's registry
// and the reactor. Identity is compared, so a descriptor number reused
// by a newer connection is left alone.
func (s *Server) remove(c *Conn) {
	if s.conns[c.ID()] == c {
		delete(s.conns, c.ID())
	}
	s.reactor.Remove(c)
}
