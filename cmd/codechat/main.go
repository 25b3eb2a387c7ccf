// Package main is the entry point for the codechat bridge.
//
// Usage:
//
//	codechat [-version] [serve]
//	codechat ask [-file path] [-offset n] [-selection text] [-type kind] [-root dir] message...
//	codechat ask -complete -file path [-offset n]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codechat/config"
	"codechat/internal/app"
	"codechat/internal/logging"
	"codechat/internal/version"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("codechat", flag.ContinueOnError)
	fs.SetOutput(stderr)
	versionFlag := fs.Bool("version", false, "Print version information")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *versionFlag {
		fmt.Fprintln(stdout, version.Info())
		return 0
	}

	cmd, rest := "serve", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	result, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "failed to load config: %v\n", err)
		return 1
	}
	if err := logging.Setup(logging.Options{Level: result.Config.Log.Level, Format: result.Config.Log.Format}); err != nil {
		fmt.Fprintf(stderr, "failed to set up logging: %v\n", err)
		return 1
	}

	switch cmd {
	case "serve":
		return serve(result)
	case "ask":
		return ask(result, rest, stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command %q (valid: serve, ask)\n", cmd)
		return 2
	}
}

func serve(result *config.LoadResult) int {
	slog.Info("starting codechat",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	application, err := app.New(context.Background(), result, app.Options{})
	if err != nil {
		slog.Error("failed to initialize application", "error", err)
		return 1
	}

	// Handle graceful shutdown
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		<-quit

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := application.Shutdown(ctx); err != nil {
			slog.Error("application shutdown error", "error", err)
		}
	}()

	addr := ":" + result.Config.Server.Port
	if err := application.Start(addr); err != nil {
		slog.Error("server failed", "error", err)
		_ = application.Shutdown(context.Background())
		return 1
	}
	return 0
}
