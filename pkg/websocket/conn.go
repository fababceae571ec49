package websocket

import (
	"bytes"
	"errors"
	"log/slog"

	"github.com/lithammer/shortuuid/v4"

	"github.com/zimrat/shofar/pkg/transport"
)

// connState tracks a connection through its lifecycle:
// handshake -> ok -> closed. Closed is terminal.
type connState int

const (
	stateHandshake connState = iota
	stateOK
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateHandshake:
		return "handshake"
	case stateOK:
		return "ok"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Hooks injects user behavior into a connection. Every field is
// optional; nil fields fall back to the protocol defaults: text and
// binary messages close the connection with 1003, a ping is answered
// with a pong echoing its payload, a pong is ignored, and a close
// tears the connection down (echoing a Close frame of our own).
type Hooks struct {
	Ready  func(*Conn)
	Text   func(*Conn, string)
	Binary func(*Conn, []byte)
	Ping   func(*Conn, []byte)
	Pong   func(*Conn, []byte)
	Closed func(*Conn, StatusCode, string)
}

// Options holds the per-connection configuration knobs. The zero value
// selects all defaults.
type Options struct {
	// MaxHandshakeBytes bounds the HTTP upgrade request (default 4096);
	// longer requests are answered with HTTP 413 and dropped.
	MaxHandshakeBytes int
	// MaxFramePayload bounds one inbound frame's payload (default
	// 128 KiB, floor 125); larger frames fail with 1009.
	MaxFramePayload int
	// MaxMessageBytes bounds one assembled inbound message (default
	// 10 MiB); larger messages fail with 1009.
	MaxMessageBytes int
	// FragmentSize is the outbound fragmentation granularity (default
	// 128 KiB).
	FragmentSize int
	// RSVMask is the set of RSV bits negotiated extensions may use
	// (wire positions RSV1=0x40, RSV2=0x20, RSV3=0x10; default 0).
	RSVMask byte
	// CheckRequest, if set, runs after a syntactically valid upgrade
	// request is parsed and before the 101 response is written.
	// Returning a [*Error] with an HTTP code rejects the upgrade with
	// that status.
	CheckRequest func(*Request) error
}

func (o Options) withDefaults() Options {
	if o.MaxHandshakeBytes <= 0 {
		o.MaxHandshakeBytes = DefaultMaxHandshakeBytes
	}
	if o.MaxFramePayload <= 0 {
		o.MaxFramePayload = DefaultMaxFramePayload
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if o.FragmentSize <= 0 {
		o.FragmentSize = DefaultFragmentSize
	}
	return o
}

// readChunk is how much one non-blocking read asks for.
const readChunk = 32 << 10

// Conn is one accepted server-side connection: the handshake state, the
// frame reader, the fragment-assembly state, and the socket. The
// reactor drives it through its readiness callbacks; it is not safe for
// concurrent use.
type Conn struct {
	logger *slog.Logger
	sock   *transport.Sock
	server *Server // nil for connections outside a server registry.
	opts   Options
	hooks  Hooks

	state connState
	hs    *handshake
	req   *Request

	reader     *FrameReader
	continueOp Opcode
	assembly   bytes.Buffer
}

func newConn(sock *transport.Sock, server *Server, opts Options, hooks Hooks, l *slog.Logger) *Conn {
	if l == nil {
		l = slog.Default()
	}
	opts = opts.withDefaults()

	c := &Conn{
		logger:     l.With(slog.String("conn_id", shortuuid.New()), slog.Int("fd", sock.ID())),
		sock:       sock,
		server:     server,
		opts:       opts,
		hooks:      hooks,
		state:      stateHandshake,
		hs:         newHandshake(opts.MaxHandshakeBytes),
		reader:     NewFrameReader(opts.MaxFramePayload),
		continueOp: continueNone,
	}
	c.reader.SetRSVMask(opts.RSVMask)

	return c
}

// ID returns the connection's stable identity (its descriptor).
func (c *Conn) ID() int {
	return c.sock.ID()
}

func (c *Conn) IsOpen() bool {
	return c.state != stateClosed && c.sock.IsOpen()
}

// ok reports whether the connection completed its upgrade and may
// perform frame I/O.
func (c *Conn) ok() bool {
	return c.state == stateOK
}

// Request returns the upgrade request, once the connection reached its
// OK state (nil before that).
func (c *Conn) Request() *Request {
	return c.req
}

// RemoteAddr returns the peer's address and port.
func (c *Conn) RemoteAddr() (string, int, error) {
	return c.sock.PeerName()
}

// SetRSVMask widens the RSV bits inbound frames may carry. Intended for
// the Ready hook of a negotiated extension.
func (c *Conn) SetRSVMask(mask byte) {
	c.opts.RSVMask = mask
	c.reader.SetRSVMask(mask)
}

// OnReadable drives the connection: a handshake exchange before the OK
// state, frame I/O after it. This is the single catch-and-close site:
// a [*Error] is echoed on the wire (Close frame, or HTTP status during
// the handshake), a transport error tears down without a notification
// (the peer is likely already gone), and anything else attempts a 1011
// close. The error is returned to the reactor in all three cases.
func (c *Conn) OnReadable() error {
	err := c.readTick()
	if err == nil {
		return nil
	}

	var werr *Error
	var terr *transport.Error
	switch {
	case errors.As(err, &werr):
		if werr.Code >= int(StatusNormalClosure) {
			c.Close(StatusCode(werr.Code), werr.Reason)
		} else {
			// An HTTP status from the handshake phase.
			if serr := c.sock.WriteAll(statusResponse(werr.Code)); serr != nil {
				c.logger.Debug("failed to send handshake error response", slog.Any("error", serr))
			}
			c.Close(StatusNone, "")
		}
	case errors.As(err, &terr):
		c.Close(StatusNone, "")
	default:
		c.Close(StatusInternalError, "")
	}

	return err
}

// OnOutOfBand rejects urgent data: there is no legitimate use of TCP
// out-of-band data in the WebSocket protocol.
func (c *Conn) OnOutOfBand() error {
	err := closeError(StatusProtocolError, "out-of-band data")
	c.Close(StatusProtocolError, "out-of-band data")
	return err
}

func (c *Conn) readTick() error {
	if c.state == stateClosed {
		return nil
	}

	// A readable socket with nothing to peek means the peer has shut
	// down its writing end or is gone entirely.
	eof, err := c.sock.Peek()
	if err != nil {
		return err
	}
	if eof {
		c.logger.Debug("peer closed the connection")
		c.Close(StatusNone, "")
		return nil
	}

	if c.state == stateHandshake {
		return c.readHandshake()
	}
	return c.readFrames()
}

// readHandshake accumulates upgrade-request bytes until the request
// completes (possibly across multiple ticks), then sends the 101
// response, transitions to OK, and dispatches any pipelined frame
// bytes that arrived in the same segment.
func (c *Conn) readHandshake() error {
	for c.state == stateHandshake {
		data, eof, err := c.sock.Recv(readChunk)
		if err != nil {
			return err
		}
		if eof {
			c.logger.Debug("peer closed the connection during the handshake")
			c.Close(StatusNone, "")
			return nil
		}
		if data == nil {
			return nil // Drained; the request continues next tick.
		}

		done, rest, err := c.hs.push(data)
		if err != nil {
			return err
		}
		if !done {
			continue
		}

		if c.opts.CheckRequest != nil {
			if err := c.opts.CheckRequest(c.hs.request()); err != nil {
				return err
			}
		}

		if err := c.sock.WriteAll(c.hs.response()); err != nil {
			return err
		}

		c.req = c.hs.request()
		c.hs = nil
		c.state = stateOK
		c.logger.Debug("WebSocket connection established",
			slog.String("request_line", c.req.RequestLine))

		if c.hooks.Ready != nil {
			c.hooks.Ready(c)
		}

		if len(rest) > 0 && c.state == stateOK {
			return c.dispatchBytes(rest)
		}
	}
	return nil
}

// readFrames drains the socket and dispatches every frame that
// completed. Partial frames persist in the reader across ticks.
func (c *Conn) readFrames() error {
	for c.state == stateOK {
		data, eof, err := c.sock.Recv(readChunk)
		if err != nil {
			return err
		}
		if eof {
			c.logger.Debug("peer closed the connection")
			c.Close(StatusNone, "")
			return nil
		}
		if data == nil {
			return nil
		}

		if err := c.dispatchBytes(data); err != nil {
			return err
		}
	}
	return nil
}

func (c *Conn) dispatchBytes(data []byte) error {
	frames, err := c.reader.Push(data)
	for _, f := range frames {
		if c.state != stateOK {
			break // Closed by an earlier frame; drop the rest.
		}
		if herr := c.handleFrame(f); herr != nil {
			return herr
		}
	}
	return err
}

// Close finishes the connection. A status of 1000 or above on a
// connection in its OK state first sends a Close frame with that
// status and reason; [StatusNone] (or any value below 1000) skips the
// wire-level notification. Deregistration from the server, closing the
// socket, and entering the terminal state happen unconditionally, even
// if the Close frame cannot be written.
func (c *Conn) Close(status StatusCode, reason string) {
	if c.state == stateClosed {
		return
	}

	if status >= StatusNormalClosure && c.state == stateOK {
		if err := c.WriteClose(status, reason); err != nil {
			c.logger.Debug("failed to send WebSocket close control frame", slog.Any("error", err))
		}
	}

	if c.server != nil {
		c.server.remove(c)
	}
	_ = c.sock.Close()
	c.state = stateClosed

	c.logger.Debug("WebSocket connection closed",
		slog.String("close_status", status.String()), slog.String("close_reason", reason))
}

// Abort tears the connection down without a wire-level notification.
// The reactor uses it for handles that failed without closing
// themselves.
func (c *Conn) Abort() {
	c.Close(StatusNone, "")
}
