package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/skiff/cmd/skiff/commands"
)

// Version information (set via ldflags during build)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	setupLogging()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Warn().Msg("Received interrupt signal, aborting run...")
		cancel()
	}()

	if err := commands.Execute(ctx, Version, Commit, BuildDate); err != nil {
		var exit *commands.ExitError
		if errors.As(err, &exit) {
			os.Exit(exit.Code)
		}
		log.Error().Err(err).Msg("Command execution failed")
		os.Exit(1)
	}
}

// setupLogging configures zerolog for human-readable output on stderr. Results go to
// stdout, so logs never mix with rendered output.
func setupLogging() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(commands.ParseLevel(os.Getenv("LOG_LEVEL")))
}
