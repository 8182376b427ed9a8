// Command spotbot is the entry point for the spot trading bot. "spotbot run"
// starts the bot in the configured mode; the remaining subcommands are
// one-shot maintenance utilities that share the bot's configuration and
// ledger lock.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
