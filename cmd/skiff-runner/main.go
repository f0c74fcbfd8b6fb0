// Package main implements the skiff runner binary.
// It is shipped inside the runtime bundle, executes one function call described by
// --request and prints the result envelope on stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openfroyo/skiff/pkg/runner"
	"github.com/openfroyo/skiff/pkg/runner/protocol"
)

var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("skiff-runner", flag.ContinueOnError)
	thinDir := fs.String("thin-dir", "", "directory the runtime bundle was extracted into")
	request := fs.String("request", "", "base64 encoded request")
	logLevel := fs.String("log-level", "warn", "log level written to stderr")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	level, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		level = zerolog.WarnLevel
	}
	log.Logger = zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	runner.Version = version

	stdout := protocol.NewEncoder(os.Stdout)
	stderr := protocol.NewEncoder(os.Stderr)
	if err := stdout.EncodeDelimiter(); err != nil {
		return 1
	}
	if err := stderr.EncodeDelimiter(); err != nil {
		return 1
	}

	req, err := protocol.DecodeRequest(*request)
	if err != nil {
		_ = stdout.EncodeReturn(&protocol.Return{Return: fmt.Sprintf("Invalid request: %v", err), Retcode: 1})
		return 1
	}

	dir := *thinDir
	if dir == "" {
		if exe, err := os.Executable(); err == nil {
			// The binary lives in <thin>/bin.
			dir = filepath.Dir(filepath.Dir(exe))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := runner.New(dir, os.Stdin, os.Stdout)
	ret := r.Execute(ctx, req)
	if err := stdout.EncodeReturn(ret); err != nil {
		log.Error().Err(err).Msg("failed to write return")
		return 1
	}

	if req.Wipe {
		if err := r.Wipe(); err != nil {
			log.Warn().Err(err).Str("thin_dir", dir).Msg("failed to wipe thin dir")
		}
	}
	return ret.Retcode
}
