package app

import (
	"context"
	"os/signal"
	"syscall"
)

// Run is the entrypoint behind cmd/kiyomitalk: load config, build the app,
// and serve until SIGINT or SIGTERM. Errors are returned rather than exiting
// so deferred cleanup still runs.
func Run() error {
	cfg := LoadConfig()
	log := NewLogger(cfg.LogLevel, cfg.LogFormat)

	a, err := New(cfg, log)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return a.Run(ctx)
}
