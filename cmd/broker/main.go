// Command broker runs the multi-agent coordination broker: presence
// registry, per-agent inboxes, notify channel, response router, and
// the authenticated RPC surface that fronts them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/meshbroker/broker/internal/config"
	"github.com/meshbroker/broker/internal/dispatch"
	"github.com/meshbroker/broker/internal/logging"
	"github.com/meshbroker/broker/internal/store"
)

var version = "dev"

func main() {
	logging.Setup()

	if len(os.Args) < 2 {
		if err := runServe(os.Args[1:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "serve":
		if err := runServe(os.Args[2:]); err != nil {
			slog.Error("fatal", "error", err)
			os.Exit(1)
		}
	case "version":
		fmt.Println(version)
	default:
		if len(os.Args[1]) > 0 && os.Args[1][0] == '-' {
			if err := runServe(os.Args[1:]); err != nil {
				slog.Error("fatal", "error", err)
				os.Exit(1)
			}
			return
		}
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		fmt.Fprintf(os.Stderr, "usage: broker [serve|version] [flags]\n")
		os.Exit(1)
	}
}

func runServe(args []string) error {
	configPath, rest := extractConfigFlag(args)

	cfg, err := config.Load(configPath, rest)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if lvl, err := logging.ParseLevel(cfg.LogLevel); err == nil {
		logging.SetLevel(lvl)
	} else {
		slog.Warn("invalid log level, keeping default", "log_level", cfg.LogLevel)
	}

	logging.PrintBanner(version, cfg.ListenAddr)
	logging.PrintAccessURL(cfg.ListenAddr)
	if !cfg.AuthEnabled() {
		slog.Warn("no server-secret, proxy-token, or admin-key configured: running in dev mode, every request is admitted")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}

	server := dispatch.NewServer(cfg, st)
	return server.Serve(ctx)
}

// extractConfigFlag pulls a leading -config/--config PATH (or
// -config=PATH form) out of args before the rest is handed to
// config.Load's own flag set, so the two flag sets never see each
// other's flags.
func extractConfigFlag(args []string) (path string, rest []string) {
	rest = make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "-config" || a == "--config":
			if i+1 < len(args) {
				path = args[i+1]
				i++
			}
		case len(a) > len("-config=") && a[:len("-config=")] == "-config=":
			path = a[len("-config="):]
		case len(a) > len("--config=") && a[:len("--config=")] == "--config=":
			path = a[len("--config="):]
		default:
			rest = append(rest, a)
		}
	}
	return path, rest
}
