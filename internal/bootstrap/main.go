package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/mattjoyce/hive/internal/channel"
	"github.com/mattjoyce/hive/internal/log"
	"github.com/mattjoyce/hive/internal/task"
)

// Environment variables read by worker processes.
const (
	EnvLogLevel       = "HIVE_LOG_LEVEL"
	EnvConnectTimeout = "HIVE_CONNECT_TIMEOUT"
	EnvMaxFrameBytes  = "HIVE_MAX_FRAME_BYTES"
)

// Main is the worker entry point. It returns the process exit code.
func Main(args []string, stdin io.Reader, stderr io.Writer, loader task.Loader) int {
	level := os.Getenv(EnvLogLevel)
	if level == "" {
		level = "WARN"
	}
	log.SetupWriter(level, stderr)

	opts := Options{
		Args:   args,
		Stdin:  stdin,
		Loader: loader,
		Logger: log.WithComponent("worker"),
	}
	if raw := os.Getenv(EnvConnectTimeout); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			fmt.Fprintf(stderr, "hive-worker: invalid %s %q: %v\n", EnvConnectTimeout, raw, err)
			return 1
		}
		opts.ConnectTimeout = d
	}
	if raw := os.Getenv(EnvMaxFrameBytes); raw != "" {
		opt, err := maxFrameOption(raw)
		if err != nil {
			fmt.Fprintf(stderr, "hive-worker: invalid %s %q: %v\n", EnvMaxFrameBytes, raw, err)
			return 1
		}
		opts.ChannelOptions = append(opts.ChannelOptions, opt)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := Run(ctx, opts); err != nil {
		fmt.Fprintf(stderr, "hive-worker: %v\n", err)
		return 1
	}
	return 0
}

func maxFrameOption(raw string) (channel.Option, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, errors.New("must be positive")
	}
	return channel.WithMaxFrameBytes(n), nil
}
