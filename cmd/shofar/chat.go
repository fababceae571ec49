package main

import (
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zimrat/shofar/pkg/metrics"
	"github.com/zimrat/shofar/pkg/websocket"
)

// chatApp relays text messages between all connected peers (or echoes
// them back to their sender in echo mode). Binary messages fall through
// to the protocol default, which rejects them with close code 1003.
type chatApp struct {
	srv  *websocket.Server
	echo bool
}

func (a *chatApp) hooks() websocket.Hooks {
	return websocket.Hooks{
		Ready:  a.ready,
		Text:   a.text,
		Closed: a.closed,
	}
}

func (a *chatApp) ready(c *websocket.Conn) {
	peer := "unknown"
	if addr, port, err := c.RemoteAddr(); err == nil {
		peer = fmt.Sprintf("%s:%d", addr, port)
	}

	log.Info().Str("peer", peer).Msg("chat peer joined")
	metrics.CountEvent(slog.Default(), time.Now(), "join", c.Request().RequestLine)

	if !a.echo {
		a.srv.Broadcast(websocket.OpcodeText, []byte("* a new peer joined the chat"))
	}
}

func (a *chatApp) text(c *websocket.Conn, msg string) {
	metrics.CountEvent(slog.Default(), time.Now(), "message", strconv.Itoa(len(msg)))

	if a.echo {
		if err := c.Write(websocket.OpcodeText, []byte(msg)); err != nil {
			log.Warn().Err(err).Msg("echo write failed")
		}
		return
	}

	a.srv.Broadcast(websocket.OpcodeText, []byte(msg))
}

func (a *chatApp) closed(c *websocket.Conn, status websocket.StatusCode, reason string) {
	log.Info().Str("status", status.String()).Str("reason", reason).Msg("chat peer left")
	metrics.CountEvent(slog.Default(), time.Now(), "leave", status.String())

	c.Close(status, reason)

	if !a.echo {
		a.srv.Broadcast(websocket.OpcodeText, []byte("* a peer left the chat"))
	}
}
