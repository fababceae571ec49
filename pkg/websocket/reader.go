package websocket

import (
	"encoding/binary"
	"fmt"
)

// DefaultMaxFramePayload bounds a single inbound frame's payload.
// [minMaxFramePayload] is the lowest admissible setting, so control
// frames always fit.
const (
	DefaultMaxFramePayload = 128 << 10
	minMaxFramePayload     = maxControlPayload
)

// pendingFrame is an accepted frame header whose payload has not fully
// arrived yet. Its bytes are already consumed from the read buffer.
type pendingFrame struct {
	fin     bool
	rsv     byte
	opcode  Opcode
	length  int
	maskKey [4]byte
}

// FrameReader incrementally parses the client-to-server frame stream:
// it accumulates bytes across reads and emits zero or more fully
// validated, unmasked frames per push. Partial frames persist across
// reactor ticks.
//
// It parses the server side of
// https://datatracker.ietf.org/doc/html/rfc6455#section-5.2: the MASK
// bit is required, and payloads are unmasked during emission.
type FrameReader struct {
	buf        []byte
	maxPayload int
	rsvMask    byte
	pending    *pendingFrame
}

func NewFrameReader(maxPayload int) *FrameReader {
	if maxPayload < minMaxFramePayload {
		maxPayload = minMaxFramePayload
	}
	return &FrameReader{maxPayload: maxPayload}
}

// SetRSVMask widens the RSV bits an inbound frame may carry, using the
// wire bit positions RSV1=0x40, RSV2=0x20, RSV3=0x10. The mask is zero
// until an extension negotiates otherwise.
func (r *FrameReader) SetRSVMask(mask byte) {
	r.rsvMask = mask & bits1to3
}

// Buffered returns the number of bytes held for the next (partial)
// frame, not counting a consumed pending header.
func (r *FrameReader) Buffered() int {
	return len(r.buf)
}

// Push accumulates data and returns every frame that completed. Frames
// parsed before a protocol error are still returned alongside it.
func (r *FrameReader) Push(data []byte) ([]Frame, error) {
	r.buf = append(r.buf, data...)

	var frames []Frame
	for {
		if r.pending == nil {
			ok, err := r.parseHeader()
			if err != nil {
				return frames, err
			}
			if !ok {
				return frames, nil
			}
		}

		if len(r.buf) < r.pending.length {
			return frames, nil
		}

		frames = append(frames, r.emit())
	}
}

// parseHeader attempts to parse and consume one frame header from the
// buffer. It reports false when more bytes are needed. Validation
// failures surface as [Error] values bound to a close code.
//
// It is based on:
//   - Base framing protocol: https://datatracker.ietf.org/doc/html/rfc6455#section-5.2
//   - Client-to-server masking: https://datatracker.ietf.org/doc/html/rfc6455#section-5.3
//   - Control frames: https://datatracker.ietf.org/doc/html/rfc6455#section-5.5
func (r *FrameReader) parseHeader() (bool, error) {
	if len(r.buf) < 2 {
		return false, nil
	}

	b0, b1 := r.buf[0], r.buf[1]
	fin := b0&bit0 != 0
	rsv := b0 & bits1to3
	op := Opcode(b0 & bits4to7)
	masked := b1&bit0 != 0
	length7 := int(b1 & bits1to7)

	// Everything below is decidable from the first two bytes.
	if rsv&^r.rsvMask != 0 {
		return false, closeError(StatusProtocolError, "invalid reserved bits")
	}
	if (op > OpcodeBinary && op < opcodeClose) || op > opcodePong {
		return false, closeError(StatusProtocolError, fmt.Sprintf("unknown opcode %d", op))
	}
	if op.isControl() {
		if !fin {
			return false, closeError(StatusProtocolError, "control frame must not be fragmented")
		}
		if length7 > maxControlPayload {
			return false, closeError(StatusProtocolError, "control frame payload too long")
		}
	}
	if !masked {
		return false, closeError(StatusProtocolError, "client frames must be masked")
	}

	extLen := 0
	switch length7 {
	case len16bits:
		extLen = 2
	case len64bits:
		extLen = 8
	}
	headerSize := 2 + extLen + 4
	if len(r.buf) < headerSize {
		return false, nil
	}

	length := length7
	switch extLen {
	case 2:
		length = int(binary.BigEndian.Uint16(r.buf[2:4]))
	case 8:
		l := binary.BigEndian.Uint64(r.buf[2:10])
		if l&(1<<63) != 0 {
			return false, closeError(StatusProtocolError, "payload length high bit set")
		}
		if l > uint64(r.maxPayload) {
			reason := fmt.Sprintf("frame payload of %d bytes exceeds the limit of %d", l, r.maxPayload)
			return false, closeError(StatusMessageTooBig, reason)
		}
		length = int(l)
	}
	if length > r.maxPayload {
		reason := fmt.Sprintf("frame payload of %d bytes exceeds the limit of %d", length, r.maxPayload)
		return false, closeError(StatusMessageTooBig, reason)
	}

	p := &pendingFrame{fin: fin, rsv: rsv, opcode: op, length: length}
	copy(p.maskKey[:], r.buf[2+extLen:headerSize])
	r.buf = r.buf[headerSize:]
	r.pending = p

	return true, nil
}

// emit unmasks the pending frame's payload, consumes it from the
// buffer, and resets the pending state. The caller has verified that
// the full payload is buffered.
func (r *FrameReader) emit() Frame {
	p := r.pending
	r.pending = nil

	payload := make([]byte, p.length)
	for i, b := range r.buf[:p.length] {
		payload[i] = b ^ p.maskKey[i&3]
	}
	r.buf = r.buf[p.length:]

	return Frame{fin: p.fin, rsv: p.rsv, opcode: p.opcode, payload: payload}
}
