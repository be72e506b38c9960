// Command ipcbus-demo is a thin command-line demonstration of the ipcbus
// package: it joins a named bus, prints every message it receives from
// other participants, and publishes a line at a time from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jkaberg/ipcbus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// version is injected at build time via ldflags.
var version = "dev"

func main() {
	cfg, showVersion := parseFlags()

	if showVersion {
		fmt.Printf("ipcbus-demo %s\n", version)
		os.Exit(0)
	}

	logger := cfg.Logger

	bus, err := ipcbus.New(cfg)
	if err != nil {
		logger.WithError(err).Fatal("failed to create bus")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Debug("received termination signal, shutting down...")
		cancel()
	}()

	bus.OnMessageReceived(func(msg []byte) {
		fmt.Printf("< %s\n", msg)
	})

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error {
		return publishStdinLines(ctx, bus, logger)
	})

	logger.WithFields(logrus.Fields{
		"version":  version,
		"bus_name": cfg.Name,
		"instance": bus.InstanceID(),
	}).Info("joined bus")

	if err := grp.Wait(); err != nil && err != context.Canceled {
		logger.WithError(err).Warn("background group exited")
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.WaitTimeout)
	defer closeCancel()
	if err := bus.CloseContext(closeCtx); err != nil {
		logger.WithError(err).Warn("error while closing bus")
	}
}

// publishStdinLines reads one line at a time from stdin and publishes each
// as a message, until ctx is canceled or stdin is closed.
func publishStdinLines(ctx context.Context, bus *ipcbus.Bus, logger *logrus.Logger) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			h, err := bus.Publish(ctx, []byte(line))
			if err != nil {
				logger.WithError(err).Warn("publish failed")
				continue
			}
			if err := h.Wait(ctx); err != nil {
				logger.WithError(err).Warn("publish did not complete")
			}
		}
	}
}

func parseFlags() (ipcbus.Config, bool) {
	cfg := ipcbus.DefaultConfig()

	showVersion := flag.Bool("version", false, "Show version and exit")
	verbose := flag.Bool("verbose", getEnvOrDefault("IPCBUS_VERBOSE", "false") == "true", "Enable verbose logging")

	flag.StringVar(&cfg.Name, "name",
		getEnvOrDefault("IPCBUS_NAME", "demo"),
		"Bus name shared with other participants")

	var maxFileSize int
	flag.IntVar(&maxFileSize, "max-file-size", int(cfg.MaxFileSize), "Capacity in bytes for the shared log")

	flag.IntVar(&cfg.MaxReaderCount, "max-reader-count", cfg.MaxReaderCount, "Read-semaphore permits")

	var minMessageAgeMS, waitTimeoutMS int
	flag.IntVar(&minMessageAgeMS, "min-message-age-ms", int(cfg.MinMessageAge/time.Millisecond), "Minimum entry lifetime before it may be trimmed, in milliseconds")
	flag.IntVar(&waitTimeoutMS, "wait-timeout-ms", int(cfg.WaitTimeout/time.Millisecond), "Lock acquisition ceiling, in milliseconds")

	flag.Parse()

	cfg.MaxFileSize = uint32(maxFileSize)
	cfg.MinMessageAge = time.Duration(minMessageAgeMS) * time.Millisecond
	cfg.WaitTimeout = time.Duration(waitTimeoutMS) * time.Millisecond

	cfg.Logger = setupLogger(*verbose)

	return cfg, *showVersion
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func setupLogger(verbose bool) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	if verbose {
		logger.SetLevel(logrus.DebugLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
	return logger
}
