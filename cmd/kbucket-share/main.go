package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/flatironinstitute/kbucket/internal/agent"
	"github.com/flatironinstitute/kbucket/internal/logger"
)

func main() {
	hubURL := flag.String("hub", "https://kbucket.flatironinstitute.org", "Hub base URL to connect to")
	key := flag.String("key", "", "Share key (8 to 64 characters; generated if omitted)")
	logLevel := flag.String("log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: kbucket-share [flags] <directory>")
		flag.PrintDefaults()
		os.Exit(2)
	}

	logger.SetLevel(*logLevel)

	if err := run(*hubURL, *key, flag.Arg(0)); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "kbucket-share: %v\n", err)
		os.Exit(1)
	}
}

func run(hubURL, key, directory string) error {
	if key == "" {
		generated, err := generateKey()
		if err != nil {
			return fmt.Errorf("failed to generate share key: %w", err)
		}
		key = generated
		logger.Info("Generated share key: %s", key)
	}

	a, err := agent.New(agent.Config{
		HubURL:    hubURL,
		ShareKey:  key,
		Directory: directory,
	})
	if err != nil {
		return err
	}

	logger.Info("Sharing %s via %s/share/%s/", directory, hubURL, key)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = a.Run(ctx)
	logger.Info("Share agent stopped")
	return err
}

func generateKey() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
