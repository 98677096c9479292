package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tengil/tengil/cmd/tg/commands"
)

// Set with -ldflags "-X main.Version=..." at release time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(envLevel(os.Getenv("TG_LOG_LEVEL")))

	os.Exit(run())
}

func run() int {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// First signal: stop dispatching and let in-flight backend calls finish.
	// Second signal: leave immediately.
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		if _, ok := <-signals; !ok {
			return
		}
		log.Warn().Msg("Interrupted; waiting for dispatched actions (interrupt again to abort)")
		cancel()
		if _, ok := <-signals; ok {
			log.Error().Msg("Aborted")
			os.Exit(commands.ExitAborted)
		}
	}()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err != nil && !commands.IsReported(err) {
		log.Error().Err(err).Msg("Command failed")
	}
	return commands.ExitCode(err)
}

func envLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel
	}
	return level
}
