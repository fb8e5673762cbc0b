package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/openfroyo/animus/cmd/animus/commands"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Build information, set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	// Interrupts cancel the root context; a running manifest finishes its
	// current hook before the run stops.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		log.Error().Err(err).Msg("Command execution failed")
		stop()
		os.Exit(1)
	}
}

// setupLogging configures the global logger used until settings are loaded.
// LOG_LEVEL accepts any zerolog level name; the default is info.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	level, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
