package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"shimrelay/internal/app"
	"shimrelay/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type options struct {
	configPath string
	version    bool
	check      bool
}

// parseFlags reads command line options.
// Params: args without program name; stderr receives usage output.
// Returns: options or flag error.
func parseFlags(args []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("shimrelay", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.configPath, "config", "config.toml", "path to TOML config file or directory")
	fs.BoolVar(&opts.version, "v", false, "show build information")
	fs.BoolVar(&opts.version, "version", false, "show build information")
	fs.BoolVar(&opts.check, "check", false, "validate config and exit")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	return opts, nil
}

// checkConfig validates the config and prints a one-line summary.
// Params: path config file or directory; stdout/stderr output streams.
// Returns: process exit code.
func checkConfig(path string, stdout, stderr io.Writer) int {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(stderr, "config invalid: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "config ok: collectors=%d ingest=%t drop_rules=%d\n",
		len(cfg.Collector), cfg.Ingest.Enabled, len(cfg.Pipeline.DropEvent))
	return 0
}

// reloadOnHangup turns SIGHUP into non-blocking reload triggers until ctx ends.
func reloadOnHangup(ctx context.Context) <-chan struct{} {
	hangup := make(chan os.Signal, 1)
	signal.Notify(hangup, syscall.SIGHUP)

	reload := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(hangup)
		for {
			select {
			case <-ctx.Done():
				return
			case <-hangup:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()
	return reload
}

func run(args []string, stdout, stderr io.Writer) int {
	opts, err := parseFlags(args, stderr)
	if err != nil {
		return 2
	}

	switch {
	case opts.version:
		fmt.Fprintf(stdout, "shimrelay version=%s commit=%s date=%s\n", version, commit, date)
		return 0
	case opts.check:
		return checkConfig(opts.configPath, stdout, stderr)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = app.Run(ctx, app.Runtime{ConfigPath: opts.configPath, Reload: reloadOnHangup(ctx)})
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}
