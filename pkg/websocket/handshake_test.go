package websocket

import (
	"bytes"
	"errors"
	"net/http"
	"strings"
	"testing"
)

// https://datatracker.ietf.org/doc/html/rfc6455#section-1.3
const (
	sampleRequest = "GET /chat HTTP/1.1\r\n" +
		"Host: x\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"\r\n"

	sampleAccept = "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

	sampleResponse = "HTTP/1.1 101 Switching Protocols\r\n" +
		"Connection: Upgrade\r\n" +
		"Upgrade: websocket\r\n" +
		"Sec-WebSocket-Accept: " + sampleAccept + "\r\n\r\n"
)

func TestHandshakeSuccess(t *testing.T) {
	h := newHandshake(0)

	done, rest, err := h.push([]byte(sampleRequest))
	if err != nil {
		t.Fatalf("handshake.push() error = %v", err)
	}
	if !done || len(rest) != 0 {
		t.Fatalf("handshake.push() = %v, %q, want true with no rest", done, rest)
	}

	if got := string(h.response()); got != sampleResponse {
		t.Errorf("handshake.response() =\n%q\nwant\n%q", got, sampleResponse)
	}

	req := h.request()
	if req.RequestLine != "GET /chat HTTP/1.1" {
		t.Errorf("request line = %q", req.RequestLine)
	}
	if got := req.Header("Sec-WebSocket-Key"); got != "dGhlIHNhbXBsZSBub25jZQ==" {
		t.Errorf("key header = %q", got)
	}
}

// The request may arrive in arbitrarily small segments, including ones
// that split the terminator.
func TestHandshakeIncremental(t *testing.T) {
	h := newHandshake(0)

	raw := []byte(sampleRequest)
	cut := len(raw) - 2 // Between the terminator's two CRLFs.

	done, _, err := h.push(raw[:cut])
	if err != nil {
		t.Fatalf("handshake.push() error = %v", err)
	}
	if done {
		t.Fatal("handshake.push() = done before the terminator arrived")
	}

	done, rest, err := h.push(raw[cut:])
	if err != nil {
		t.Fatalf("handshake.push() error = %v", err)
	}
	if !done || len(rest) != 0 {
		t.Errorf("handshake.push() = %v, %q, want true with no rest", done, rest)
	}
}

// Bytes beyond the terminator (pipelined frames) are handed back.
func TestHandshakePipelinedRest(t *testing.T) {
	h := newHandshake(0)

	frame := []byte{0x89, 0x80, 1, 2, 3, 4}
	done, rest, err := h.push(append([]byte(sampleRequest), frame...))
	if err != nil || !done {
		t.Fatalf("handshake.push() = %v, error = %v", done, err)
	}
	if !bytes.Equal(rest, frame) {
		t.Errorf("handshake.push() rest = %#v, want %#v", rest, frame)
	}
}

func TestHandshakeHeaderNormalization(t *testing.T) {
	h := newHandshake(0)

	raw := "GET / HTTP/1.1\r\n" +
		"UPGRADE:   websocket  \r\n" +
		"Connection: keep-alive, Upgrade\r\n" +
		"Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n" +
		"Sec-WebSocket-Version: 13\r\n" +
		"X-Tag: one\r\n" +
		"x-tag: two\r\n" +
		"\r\n"

	done, _, err := h.push([]byte(raw))
	if err != nil || !done {
		t.Fatalf("handshake.push() = %v, error = %v", done, err)
	}

	req := h.request()
	if got := req.Header("x-tag"); got != "one, two" {
		t.Errorf("duplicate header join = %q, want %q", got, "one, two")
	}
	if got := req.Header("Upgrade"); got != "websocket" {
		t.Errorf("trimmed header = %q, want %q", got, "websocket")
	}
}

func TestHandshakeRejections(t *testing.T) {
	tests := []struct {
		name string
		edit func(string) string
		want int
	}{
		{
			name: "http_1_0_request",
			edit: func(r string) string {
				return strings.Replace(r, "HTTP/1.1", "HTTP/1.0", 1)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "missing_connection_header",
			edit: func(r string) string {
				return strings.Replace(r, "Connection: Upgrade\r\n", "", 1)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "wrong_upgrade_header",
			edit: func(r string) string {
				return strings.Replace(r, "Upgrade: websocket", "Upgrade: h2c", 1)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "wrong_version",
			edit: func(r string) string {
				return strings.Replace(r, "Sec-WebSocket-Version: 13", "Sec-WebSocket-Version: 8", 1)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "short_key",
			edit: func(r string) string {
				return strings.Replace(r, "dGhlIHNhbXBsZSBub25jZQ==", "c2hvcnQ=", 1)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "undecodable_key",
			edit: func(r string) string {
				return strings.Replace(r, "dGhlIHNhbXBsZSBub25jZQ==", "not base64!", 1)
			},
			want: http.StatusBadRequest,
		},
		{
			name: "header_line_without_colon",
			edit: func(r string) string {
				return strings.Replace(r, "Host: x\r\n", "Host x\r\n", 1)
			},
			want: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandshake(0)
			done, _, err := h.push([]byte(tt.edit(sampleRequest)))
			if done {
				t.Fatal("handshake.push() accepted an invalid request")
			}

			var werr *Error
			if !errors.As(err, &werr) {
				t.Fatalf("handshake.push() error = %v, want *websocket.Error", err)
			}
			if werr.Code != tt.want {
				t.Errorf("error code = %d (%s), want %d", werr.Code, werr.Reason, tt.want)
			}
		})
	}
}

func TestHandshakeOverflow(t *testing.T) {
	h := newHandshake(64)

	// No terminator in sight, past the limit.
	done, _, err := h.push(bytes.Repeat([]byte("GET /"), 20))
	if done {
		t.Fatal("handshake.push() accepted an oversized request")
	}

	var werr *Error
	if !errors.As(err, &werr) {
		t.Fatalf("handshake.push() error = %v, want *websocket.Error", err)
	}
	if werr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("error code = %d, want %d", werr.Code, http.StatusRequestEntityTooLarge)
	}
}

func TestStatusResponse(t *testing.T) {
	got := string(statusResponse(http.StatusRequestEntityTooLarge))
	want := "HTTP/1.1 413 Request Entity Too Large\r\n\r\n"
	if got != want {
		t.Errorf("statusResponse(413) = %q, want %q", got, want)
	}
}

func TestAcceptValue(t *testing.T) {
	if got := acceptValue("dGhlIHNhbXBsZSBub25jZQ=="); got != sampleAccept {
		t.Errorf("acceptValue() = %q, want %q", got, sampleAccept)
	}
}
