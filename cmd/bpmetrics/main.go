package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"bpmetrics/internal/app"
	"bpmetrics/internal/config"
)

const (
	exitCodeFailure      = 1
	exitCodeUsage        = 2
	defaultRedisDatabase = 8

	// daemonEnv marks the re-executed background child.
	daemonEnv = "BPMETRICS_DAEMON"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// run parses flags and starts the relay.
// Params: args command line without program name.
// Returns: process exit code.
func run(args []string) int {
	flags := pflag.NewFlagSet("bpmetrics", pflag.ContinueOnError)

	var (
		configPath string
		overrides  config.Overrides
		redisDB    int
		background bool
		showInfo   bool
	)

	flags.StringVarP(&configPath, "config", "c", "", "path to TOML config file or directory")
	flags.StringVar(&overrides.Address, "address", "", "bind address, host[:port] (port 5561 when omitted)")
	flags.StringVarP(&overrides.Redis, "redis", "r", "", "redis host:port (default localhost:6379)")
	flags.IntVar(&redisDB, "redisdb", defaultRedisDatabase, "redis database index")
	flags.StringSliceVar(&overrides.Graphite, "graphite", nil, "comma-separated carbon host:port list")
	flags.BoolVarP(&overrides.Debug, "debug", "d", false, "enable debug logging")
	flags.StringVarP(&overrides.LogPath, "logpath", "l", "", "directory for bpmetrics.log")
	flags.BoolVarP(&background, "background", "b", false, "detach from the terminal")
	flags.BoolVarP(&showInfo, "version", "v", false, "show build information")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeUsage
	}

	if showInfo {
		fmt.Printf("bpmetrics version=%s commit=%s date=%s\n", version, commit, date)
		return 0
	}
	if flags.Changed("redisdb") {
		overrides.RedisDB = &redisDB
	}

	if background && !isDaemonChild() {
		if _, err := config.Load(configPath, overrides); err != nil {
			return reportRunError(flags, err)
		}
		if err := detach(); err != nil {
			fmt.Fprintf(os.Stderr, "error: detach: %v\n", err)
			return exitCodeFailure
		}
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)
	defer signal.Stop(reloadSignal)

	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadSignal:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	if err := app.Run(ctx, app.Runtime{ConfigPath: configPath, Overrides: overrides, Reload: reload}); err != nil {
		return reportRunError(flags, err)
	}

	return 0
}

// reportRunError prints err and maps it to an exit code.
// Params: flags for usage output; err startup or runtime error.
// Returns: exitCodeUsage for a missing address, exitCodeFailure otherwise.
func reportRunError(flags *pflag.FlagSet, err error) int {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	if errors.Is(err, config.ErrAddressRequired) {
		flags.Usage()
		return exitCodeUsage
	}
	return exitCodeFailure
}

func main() {
	os.Exit(run(os.Args[1:]))
}
