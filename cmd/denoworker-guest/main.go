package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"github.com/val-town/deno-http-worker/guest"
)

// denoworker-guest is a compiled guest bootstrap. It accepts the same argv
// shape the launcher produces for a deno runtime, so it can be dropped in
// via worker.WithCommand("denoworker-guest"). Handlers come from the
// registry; this binary ships an "echo" handler for smoke tests, and real
// deployments build their own binary that registers theirs.
func main() {
	app := &cli.App{
		Name:      "denoworker-guest",
		Usage:     "serve a registered handler over a worker socket",
		ArgsUsage: "<socket-path> <script|import> <handler-name>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "allow-read",
				Usage: "Read allowlist appended by the launcher. Accepted for argv compatibility; enforcement belongs to the runtime.",
			},
			&cli.StringFlag{
				Name:  "allow-write",
				Usage: "Write allowlist appended by the launcher. Accepted for argv compatibility.",
			},
			&cli.BoolFlag{
				Name:  "allow-all",
				Usage: "Blanket grant. Accepted for argv compatibility.",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "Enable debug logging.",
			},
		},
		Action: func(c *cli.Context) error {
			var logger *zap.Logger
			var err error
			if c.Bool("debug") {
				logger, err = zap.NewDevelopment()
			} else {
				logger, err = zap.NewProduction()
			}
			if err != nil {
				return fmt.Errorf("building logger: %w", err)
			}

			// An interrupt from the host's Shutdown drains in-flight
			// requests and exits 0.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			return guest.Run(ctx, c.Args().Slice(), guest.RegistryLoader{}, logger)
		},
	}

	guest.Register("echo", guest.HandlerFunc(echo))

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// echo reports the reconstructed request back to the caller as JSON.
func echo(w http.ResponseWriter, r *http.Request) error {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return fmt.Errorf("reading request body: %w", err)
	}

	headers := map[string]string{}
	for name := range r.Header {
		headers[strings.ToLower(name)] = r.Header.Get(name)
	}
	if r.Host != "" {
		headers["host"] = r.Host
	}

	w.Header().Set("Content-Type", "application/json")
	return json.NewEncoder(w).Encode(map[string]any{
		"ok":      r.URL.String(),
		"method":  r.Method,
		"body":    string(body),
		"headers": headers,
	})
}
