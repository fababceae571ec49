package websocket

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/zimrat/shofar/pkg/reactor"
)

// startServer returns a listening server, its reactor, and the
// concrete port to dial.
func startServer(t *testing.T, opts Options, hooks Hooks) (*Server, *reactor.Reactor, int) {
	t.Helper()

	r := reactor.New(slog.Default())
	srv, err := Listen(context.Background(), "127.0.0.1", 0, r, opts, hooks)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { srv.Close(StatusNone, "") })

	_, port, err := srv.sock.Name()
	if err != nil {
		t.Fatalf("Sock.Name() error = %v", err)
	}

	return srv, r, port
}

// tick spins the reactor through a few short ticks, letting pending
// accepts and reads drain.
func tick(t *testing.T, r *reactor.Reactor, n int) {
	t.Helper()
	for range n {
		if _, err := r.React(20 * time.Millisecond); err != nil {
			t.Fatalf("Reactor.React() error = %v", err)
		}
	}
}

// wsDial connects to the server and completes a valid upgrade.
func wsDial(t *testing.T, r *reactor.Reactor, port int) net.Conn {
	t.Helper()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("net.Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	if _, err := conn.Write([]byte(sampleRequest)); err != nil {
		t.Fatalf("handshake write error = %v", err)
	}
	tick(t, r, 3)

	resp := make([]byte, len(sampleResponse))
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatalf("handshake read error = %v", err)
	}
	if string(resp) != sampleResponse {
		t.Fatalf("handshake response =\n%q\nwant\n%q", resp, sampleResponse)
	}

	return conn
}

// readServerFrame reads one unmasked frame off a client connection.
func readServerFrame(t *testing.T, conn net.Conn) (byte, []byte) {
	t.Helper()

	header := make([]byte, 2)
	if _, err := io.ReadFull(conn, header); err != nil {
		t.Fatalf("frame header read error = %v", err)
	}
	if header[1]&bit0 != 0 {
		t.Fatal("server frame has the MASK bit set")
	}

	n := int(header[1] & bits1to7)
	switch n {
	case len16bits:
		ext := make([]byte, 2)
		if _, err := io.ReadFull(conn, ext); err != nil {
			t.Fatalf("frame length read error = %v", err)
		}
		n = int(binary.BigEndian.Uint16(ext))
	case len64bits:
		ext := make([]byte, 8)
		if _, err := io.ReadFull(conn, ext); err != nil {
			t.Fatalf("frame length read error = %v", err)
		}
		n = int(binary.BigEndian.Uint64(ext))
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(conn, payload); err != nil {
		t.Fatalf("frame payload read error = %v", err)
	}
	return header[0], payload
}

func TestServerEndToEndEcho(t *testing.T) {
	echo := Hooks{
		Text: func(c *Conn, msg string) {
			if err := c.Write(OpcodeText, []byte(msg)); err != nil {
				t.Errorf("Conn.Write() error = %v", err)
			}
		},
	}
	srv, r, port := startServer(t, Options{}, echo)

	conn := wsDial(t, r, port)
	if srv.Len() != 1 {
		t.Fatalf("Server.Len() = %d, want 1", srv.Len())
	}

	key := [4]byte{0x10, 0x20, 0x30, 0x40}
	if _, err := conn.Write(maskFrame(true, 0, OpcodeText, key, []byte("hi"))); err != nil {
		t.Fatalf("frame write error = %v", err)
	}
	tick(t, r, 3)

	b0, payload := readServerFrame(t, conn)
	if b0 != 0x81 || string(payload) != "hi" {
		t.Errorf("echoed frame = %#x %q, want 0x81 \"hi\"", b0, payload)
	}
}

func TestServerBroadcast(t *testing.T) {
	srv, r, port := startServer(t, Options{}, Hooks{Text: func(*Conn, string) {}})

	conns := []net.Conn{wsDial(t, r, port), wsDial(t, r, port)}
	if srv.Len() != 2 {
		t.Fatalf("Server.Len() = %d, want 2", srv.Len())
	}

	srv.Broadcast(OpcodeText, []byte("to everyone"))
	for i, conn := range conns {
		b0, payload := readServerFrame(t, conn)
		if b0 != 0x81 || string(payload) != "to everyone" {
			t.Errorf("client %d: broadcast frame = %#x %q", i, b0, payload)
		}
	}
}

func TestServerPingAll(t *testing.T) {
	srv, r, port := startServer(t, Options{}, Hooks{})

	conn := wsDial(t, r, port)
	srv.PingAll([]byte("still there?"))

	b0, payload := readServerFrame(t, conn)
	if b0 != bit0|byte(opcodePing) || string(payload) != "still there?" {
		t.Errorf("ping frame = %#x %q", b0, payload)
	}
}

func TestServerOrderlyShutdown(t *testing.T) {
	srv, r, port := startServer(t, Options{}, Hooks{})
	conn := wsDial(t, r, port)

	srv.Close(StatusGoingAway, "server shutting down")

	b0, payload := readServerFrame(t, conn)
	if b0 != bit0|byte(opcodeClose) {
		t.Fatalf("shutdown frame header = %#x, want a final close frame", b0)
	}
	if status := StatusCode(binary.BigEndian.Uint16(payload)); status != StatusGoingAway {
		t.Errorf("shutdown close status = %v, want %v", status, StatusGoingAway)
	}
	if reason := string(payload[2:]); reason != "server shutting down" {
		t.Errorf("shutdown close reason = %q", reason)
	}

	if srv.Len() != 0 || r.Len() != 0 {
		t.Errorf("registries after shutdown: server %d, reactor %d, want 0, 0", srv.Len(), r.Len())
	}
	if srv.IsOpen() {
		t.Error("Server.IsOpen() after Close() = true, want false")
	}

	// The TCP connection is gone too.
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err != io.EOF {
		t.Errorf("client read after shutdown = %v, want io.EOF", err)
	}
}

func TestServerDropsDisconnectedClient(t *testing.T) {
	srv, r, port := startServer(t, Options{}, Hooks{})

	conn := wsDial(t, r, port)
	if err := conn.Close(); err != nil {
		t.Fatalf("client close error = %v", err)
	}
	tick(t, r, 3)

	if srv.Len() != 0 {
		t.Errorf("Server.Len() after client disconnect = %d, want 0", srv.Len())
	}
	// Only the listener itself remains registered.
	if r.Len() != 1 {
		t.Errorf("Reactor.Len() after client disconnect = %d, want 1", r.Len())
	}
}

// A protocol violation by one peer closes only that peer.
func TestServerIsolatesProtocolFailures(t *testing.T) {
	srv, r, port := startServer(t, Options{}, Hooks{Text: func(*Conn, string) {}})

	good := wsDial(t, r, port)
	bad := wsDial(t, r, port)

	// Unmasked frames are a client-side protocol error.
	if _, err := bad.Write([]byte{0x81, 0x02, 'h', 'i'}); err != nil {
		t.Fatalf("frame write error = %v", err)
	}
	tick(t, r, 3)

	b0, payload := readServerFrame(t, bad)
	if b0 != bit0|byte(opcodeClose) {
		t.Fatalf("violation response = %#x, want a final close frame", b0)
	}
	if status := StatusCode(binary.BigEndian.Uint16(payload)); status != StatusProtocolError {
		t.Errorf("violation close status = %v, want %v", status, StatusProtocolError)
	}

	if srv.Len() != 1 {
		t.Errorf("Server.Len() = %d, want only the well-behaved client", srv.Len())
	}

	// The surviving client still works.
	key := [4]byte{1, 2, 3, 4}
	if _, err := good.Write(maskFrame(true, 0, opcodePing, key, nil)); err != nil {
		t.Fatalf("frame write error = %v", err)
	}
	tick(t, r, 3)
	if b0, _ := readServerFrame(t, good); b0 != bit0|byte(opcodePong) {
		t.Errorf("surviving client's pong = %#x", b0)
	}
}

func TestServerRejectsUpgradeByHook(t *testing.T) {
	opts := Options{
		CheckRequest: func(r *Request) error {
			if !strings.HasPrefix(r.RequestLine, "GET /chat ") {
				return &Error{Code: 404, Reason: "unknown endpoint"}
			}
			return nil
		},
	}
	_, r, port := startServer(t, opts, Hooks{})

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("net.Dial() error = %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetDeadline(time.Now().Add(5 * time.Second))

	raw := strings.Replace(sampleRequest, "GET /chat ", "GET /other ", 1)
	if _, err := conn.Write([]byte(raw)); err != nil {
		t.Fatalf("handshake write error = %v", err)
	}
	tick(t, r, 3)

	resp, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("response read error = %v", err)
	}
	if want := "HTTP/1.1 404 Not Found\r\n\r\n"; string(resp) != want {
		t.Errorf("rejection response = %q, want %q", resp, want)
	}
}
