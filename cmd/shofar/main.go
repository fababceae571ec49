package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	altsrc "github.com/urfave/cli-altsrc/v3"
	"github.com/urfave/cli-altsrc/v3/toml"
	"github.com/urfave/cli/v3"

	"github.com/tzrikka/xdg"
	"github.com/zimrat/shofar/internal/logger"
	"github.com/zimrat/shofar/pkg/reactor"
	"github.com/zimrat/shofar/pkg/websocket"
)

const (
	ConfigDirName  = "shofar"
	ConfigFileName = "config.toml"

	DefaultPort = 8688

	tickInterval = time.Second
)

func main() {
	bi, _ := debug.ReadBuildInfo()

	cmd := &cli.Command{
		Name:    "shofar",
		Usage:   "Single-threaded WebSocket server that broadcasts chat messages",
		Version: bi.Main.Version,
		Flags:   flags(),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			initLog(cmd.Bool("dev") || cmd.Bool("pretty-log"))
			return run(ctx, cmd)
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func flags() []cli.Flag {
	path := configFile()
	return []cli.Flag{
		&cli.BoolFlag{
			Name:  "dev",
			Usage: "simple setup, but unsafe for production",
		},
		&cli.BoolFlag{
			Name:  "pretty-log",
			Usage: "human-readable console logging, instead of JSON",
		},
		&cli.BoolFlag{
			Name:  "echo",
			Usage: "echo messages back to their sender, instead of broadcasting",
		},
		&cli.StringFlag{
			Name:  "host",
			Usage: "listening address (all interfaces if empty)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("SHOFAR_HOST"),
				toml.TOML("server.host", path),
			),
		},
		&cli.IntFlag{
			Name:  "port",
			Usage: "listening TCP port",
			Value: DefaultPort,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("SHOFAR_PORT"),
				toml.TOML("server.port", path),
			),
		},
		&cli.StringFlag{
			Name:  "auth-secret",
			Usage: "HMAC secret for bearer-token authentication (disabled if empty)",
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("SHOFAR_AUTH_SECRET"),
				toml.TOML("server.auth_secret", path),
			),
		},
		&cli.IntFlag{
			Name:  "max-handshake-bytes",
			Usage: "HTTP upgrade requests longer than this are rejected with 413",
			Value: websocket.DefaultMaxHandshakeBytes,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("SHOFAR_MAX_HANDSHAKE_BYTES"),
				toml.TOML("limits.max_handshake_bytes", path),
			),
		},
		&cli.IntFlag{
			Name:  "max-frame-payload",
			Usage: "inbound frames with longer payloads fail with close code 1009",
			Value: websocket.DefaultMaxFramePayload,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("SHOFAR_MAX_FRAME_PAYLOAD"),
				toml.TOML("limits.max_frame_payload", path),
			),
		},
		&cli.IntFlag{
			Name:  "max-message-bytes",
			Usage: "longer assembled inbound messages fail with close code 1009",
			Value: websocket.DefaultMaxMessageBytes,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("SHOFAR_MAX_MESSAGE_BYTES"),
				toml.TOML("limits.max_message_bytes", path),
			),
		},
		&cli.IntFlag{
			Name:  "fragment-size",
			Usage: "outbound messages are fragmented at this granularity",
			Value: websocket.DefaultFragmentSize,
			Sources: cli.NewValueSourceChain(
				cli.EnvVar("SHOFAR_FRAGMENT_SIZE"),
				toml.TOML("limits.fragment_size", path),
			),
		},
	}
}

// configFile returns the path to the app's configuration file.
// It also creates an empty file if it doesn't already exist.
func configFile() altsrc.StringSourcer {
	path, err := xdg.CreateFile(xdg.ConfigHome, ConfigDirName, ConfigFileName)
	if err != nil {
		logger.FatalError("failed to create config file", err)
	}
	return altsrc.StringSourcer(path)
}

// initLog initializes the logger for the server's event loop, based on
// whether it's running in development mode or not.
func initLog(devMode bool) {
	var handler slog.Handler
	if devMode {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level:     slog.LevelDebug,
			AddSource: true,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// run starts the server and spins the reactor until a termination
// signal arrives, then closes every connection in an orderly fashion.
func run(ctx context.Context, cmd *cli.Command) error {
	r := reactor.New(slog.Default())

	opts := websocket.Options{
		MaxHandshakeBytes: cmd.Int("max-handshake-bytes"),
		MaxFramePayload:   cmd.Int("max-frame-payload"),
		MaxMessageBytes:   cmd.Int("max-message-bytes"),
		FragmentSize:      cmd.Int("fragment-size"),
	}
	if secret := cmd.String("auth-secret"); secret != "" {
		opts.CheckRequest = bearerAuth(secret)
	}

	app := &chatApp{echo: cmd.Bool("echo")}
	ctx = logger.WithContext(ctx, slog.Default())
	srv, err := websocket.Listen(ctx, cmd.String("host"), cmd.Int("port"), r, opts, app.hooks())
	if err != nil {
		return err
	}
	app.srv = srv

	log.Info().Msgf("WebSocket server listening on port %d", cmd.Int("port"))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	for {
		select {
		case <-sig:
			log.Info().Msg("shutting down")
			srv.Close(websocket.StatusGoingAway, "server shutting down")
			return nil
		case <-ctx.Done():
			srv.Close(websocket.StatusGoingAway, "server shutting down")
			return ctx.Err()
		default:
		}

		if _, err := r.React(tickInterval); err != nil {
			srv.Close(websocket.StatusInternalError, "")
			return err
		}
	}
}
