// Command awdshells is a multi-session reverse-shell aggregator: it listens
// on a TCP port, accepts inbound shells, and lets the operator enumerate,
// interact with, and drive commands across many of them concurrently.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"awdshells/internal/cli"
	"awdshells/internal/logger"
	"awdshells/internal/server"
)

const version = "awdshells version 1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	port := pflag.IntP("port", "p", 11451, "listen port")
	concurrency := pflag.IntP("concurrency", "c", 50, "worker concurrency hint")
	levelName := pflag.StringP("level", "l", "success", "display log level: raw|success|message|warning|error|none")
	gui := pflag.BoolP("gui", "g", false, "GUI mode (not implemented: logs a warning and runs the CLI)")
	showVersion := pflag.BoolP("version", "v", false, "print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Println(version)
		return 0
	}

	level, err := logger.ParseLevel(*levelName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	logPath := fmt.Sprintf("awdshells-%s.log", time.Now().Format("20060102150405"))
	log, err := logger.New(logPath, level)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to open log file:", err)
		return 1
	}
	defer log.Close()

	srv := server.New(server.Config{
		Address:     "0.0.0.0",
		Port:        *port,
		Concurrency: *concurrency,
		MaxSessions: server.DefaultMaxSessions,
	}, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		log.Error("startup failed: %v", err)
		return 1
	}
	defer srv.Stop()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Message("signal received, shutting down")
		cancel()
		_ = srv.Stop()
		os.Exit(0)
	}()

	if *gui {
		log.Warning("GUI mode is not implemented in this build; falling back to the CLI")
	}

	driver := cli.New(srv, log, os.Stdin, os.Stdout)
	driver.Run(ctx)

	return 0
}
