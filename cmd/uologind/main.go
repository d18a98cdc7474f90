// Command uologind is the Ultima Online login proxy daemon: it accepts
// client TCP connections, validates credentials against a local user
// database, optionally requires a UDP "knock" before admitting a client,
// and splices authenticated sessions through to the configured game
// server.
package main

import (
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mkellermann/uologin/internal/config"
	"github.com/mkellermann/uologin/internal/proxy"
)

func main() {
	configPath := flag.String("config", "/etc/uologin/uologin.yaml", "path to configuration file")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	slog.Info("uologind starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	inst, err := proxy.New(cfg)
	if err != nil {
		slog.Error("failed to initialize", "err", err)
		os.Exit(1)
	}

	if err := inst.Start(); err != nil {
		slog.Error("failed to start listeners", "err", err)
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath, func(newCfg *config.Config) {
		inst.Reload(newCfg)
	})
	if err != nil {
		slog.Warn("config hot-reload not available", "err", err)
	}

	slog.Info("uologind ready",
		"port", cfg.Listen.Port,
		"knock_port", cfg.Knock.Port,
		"game_servers", len(cfg.GameServers),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		watcher.Stop()
	}
	inst.Stop()

	slog.Info("uologind stopped")
}
