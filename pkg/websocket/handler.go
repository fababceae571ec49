package websocket

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"unicode/utf8"
)

// Inbound and outbound size defaults: the assembled-message limit and
// the outbound fragmentation granularity.
const (
	DefaultMaxMessageBytes = 10 << 20
	DefaultFragmentSize    = 128 << 10
)

// handleFrame dispatches one fully parsed inbound frame: control frames
// are routed whole, data frames feed the fragment-assembly state.
//
// It is based on:
//   - Fragmentation: https://datatracker.ietf.org/doc/html/rfc6455#section-5.4
//   - Control frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
//   - Data frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.6
func (c *Conn) handleFrame(f Frame) error {
	c.logger.Debug("received WebSocket frame", slog.Bool("fin", f.Fin()),
		slog.String("opcode", f.Opcode().String()), slog.Int("length", len(f.Payload())))

	switch op := f.Opcode(); {
	case op == opcodeClose:
		return c.handleClose(f)

	// "An endpoint MUST be capable of handling control
	// frames in the middle of a fragmented message".
	case op == opcodePing:
		if c.hooks.Ping != nil {
			c.hooks.Ping(c, f.Payload())
			return nil
		}
		return c.WritePong(f.Payload())

	case op == opcodePong:
		if c.hooks.Pong != nil {
			c.hooks.Pong(c, f.Payload())
		}
		return nil

	case op == opcodeContinuation:
		if c.continueOp == continueNone {
			return closeError(StatusProtocolError, "continuation frame with nothing to continue")
		}
		return c.appendData(c.continueOp, f)

	default: // Text or binary.
		if c.continueOp != continueNone {
			return closeError(StatusProtocolError, "data frame interleaved in a fragmented message")
		}
		return c.appendData(op, f)
	}
}

// appendData accumulates one data frame into the in-progress message,
// and delivers the message when its final fragment arrives.
func (c *Conn) appendData(op Opcode, f Frame) error {
	if c.assembly.Len()+len(f.Payload()) > c.opts.MaxMessageBytes {
		reason := fmt.Sprintf("message exceeds the limit of %d bytes", c.opts.MaxMessageBytes)
		return closeError(StatusMessageTooBig, reason)
	}
	c.assembly.Write(f.Payload())

	if !f.Fin() {
		c.continueOp = op
		return nil
	}

	data := c.assembly.Bytes()
	c.assembly.Reset()
	c.continueOp = continueNone

	c.logger.Debug("finished receiving WebSocket data message",
		slog.String("opcode", op.String()), slog.Int("length", len(data)))

	// "When an endpoint is to interpret a byte stream as UTF-8 but finds
	// that the byte stream is not, in fact, a valid UTF-8 stream, that
	// endpoint MUST _Fail the WebSocket Connection_".
	if op == OpcodeText {
		if !utf8.Valid(data) {
			return closeError(StatusInvalidData, "invalid UTF-8 in text message")
		}
		if c.hooks.Text == nil {
			return closeError(StatusUnsupportedData, "text messages are not accepted")
		}
		c.hooks.Text(c, string(data))
		return nil
	}

	if c.hooks.Binary == nil {
		return closeError(StatusUnsupportedData, "binary messages are not accepted")
	}
	c.hooks.Binary(c, append([]byte(nil), data...))
	return nil
}

// handleClose parses an inbound Close frame and runs the close hook.
// The default behavior echoes the status in a closing handshake of our
// own (the connection is still in its OK state here, so [Conn.Close]
// sends the responding Close frame).
func (c *Conn) handleClose(f Frame) error {
	status, reason, err := f.CloseStatus()
	if err != nil {
		return err
	}

	c.logger.Debug("received WebSocket close control frame",
		slog.String("close_status", status.String()), slog.String("close_reason", reason))

	if c.hooks.Closed != nil {
		c.hooks.Closed(c, status, reason)
		return nil
	}

	c.Close(status, reason)
	return nil
}

// Write sends one data (or control) message, fragmenting data payloads
// larger than the configured fragment size: the first frame carries the
// opcode, subsequent ones are continuations, and only the last has the
// FIN bit set. A zero-length payload still produces one final frame.
func (c *Conn) Write(op Opcode, payload []byte) error {
	if op.isControl() {
		return c.writeFrame(true, op, payload)
	}

	size := c.opts.FragmentSize
	for first := true; first || len(payload) > 0; first = false {
		if !first {
			op = opcodeContinuation
		}

		chunk := payload
		if len(chunk) > size {
			chunk = chunk[:size]
		}
		payload = payload[len(chunk):]

		if err := c.writeFrame(len(payload) == 0, op, chunk); err != nil {
			return err
		}
	}
	return nil
}

// writeFrame encodes and sends a single frame, unmasked (server to
// client). A fragmented or oversized control frame is a programmer
// error and is reported as a plain error, not a wire-level close.
func (c *Conn) writeFrame(fin bool, op Opcode, payload []byte) error {
	if op.isControl() {
		if !fin {
			return fmt.Errorf("control frame (opcode %d) must not be fragmented", op)
		}
		if len(payload) > maxControlPayload {
			return fmt.Errorf("control frame (opcode %d) payload too long: %d bytes", op, len(payload))
		}
	}

	return c.sock.WriteAll(appendFrame(nil, fin, 0, op, payload))
}

// WriteClose sends a single Close frame carrying the big-endian status
// code followed by the UTF-8 reason (truncated to fit a control frame).
func (c *Conn) WriteClose(status StatusCode, reason string) error {
	status, reason = checkClosePayload(status, reason)

	payload := binary.BigEndian.AppendUint16(nil, uint16(status))
	payload = append(payload, reason...)

	c.logger.Debug("sending WebSocket close control frame",
		slog.String("close_status", status.String()), slog.String("close_reason", reason))

	return c.writeFrame(true, opcodeClose, payload)
}

// WritePing sends a single Ping control frame.
func (c *Conn) WritePing(payload []byte) error {
	return c.writeFrame(true, opcodePing, payload)
}

// WritePong sends a single Pong control frame.
func (c *Conn) WritePong(payload []byte) error {
	return c.writeFrame(true, opcodePong, payload)
}
