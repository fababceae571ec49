// Wstest exposes Shofar's [WebSocket server] as an echo endpoint for
// the fuzzing client of the [Autobahn Testsuite]:
//
//	wstest -m fuzzingclient -s fuzzingclient.json
//
// The fuzzing client's spec file is not part of this repository; it
// must list ws://127.0.0.1:9001 as the server under test.
//
// [WebSocket server]: https://pkg.go.dev/github.com/zimrat/shofar/pkg/websocket
// [Autobahn Testsuite]: https://github.com/crossbario/autobahn-testsuite
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/zimrat/shofar/internal/logger"
	"github.com/zimrat/shofar/pkg/reactor"
	"github.com/zimrat/shofar/pkg/websocket"
)

const (
	host = "127.0.0.1"
	port = 9001
)

func main() {
	initLog()

	r := reactor.New(slog.Default())

	// Echo every data message back to its sender; everything else
	// (ping/pong bookkeeping, close handshakes, protocol failures)
	// is exercised through the package defaults.
	hooks := websocket.Hooks{
		Text: func(c *websocket.Conn, msg string) {
			echo(c, websocket.OpcodeText, []byte(msg))
		},
		Binary: func(c *websocket.Conn, data []byte) {
			echo(c, websocket.OpcodeBinary, data)
		},
	}

	ctx := logger.WithContext(context.Background(), slog.Default())
	srv, err := websocket.Listen(ctx, host, port, r, websocket.Options{}, hooks)
	if err != nil {
		logger.FatalError("listen error", err)
	}

	slog.Info("echo server ready for the Autobahn fuzzing client",
		slog.String("host", host), slog.Int("port", port), slog.Int("id", srv.ID()))

	for {
		if _, err := r.React(time.Second); err != nil {
			logger.FatalError("reactor error", err)
		}
	}
}

func initLog() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))
}

func echo(c *websocket.Conn, op websocket.Opcode, data []byte) {
	if err := c.Write(op, data); err != nil {
		slog.Error("echo error", slog.Any("error", err))
		c.Close(websocket.StatusInternalError, "")
	}
}
