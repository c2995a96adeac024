// Command connectord is the connector's entrypoint: flag parsing,
// configuration loading, GOMAXPROCS tuning, and signal-driven graceful
// shutdown (spec.md §6). Grounded on the teacher's cmd/main.go flag and
// config-loading shape, generalized from the teacher's inline JSON
// config struct to internal/config.Load, and adding the
// automaxprocs/signal-handling wiring the teacher's single-process model
// didn't need.
package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/stratumd/connectord/internal/config"
	"github.com/stratumd/connectord/internal/connector"
)

func main() {
	os.Exit(run())
}

func run() int {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a connector configuration file")
	flag.Parse()

	logger := log.New(os.Stdout, "[connectord] ", log.LstdFlags)

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Printf("failed to load configuration: %v", err)
		return 1
	}

	conn, err := connector.New(cfg, logger)
	if err != nil {
		logger.Printf("failed to start connector: %v", err)
		return 1
	}

	conn.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownDone := make(chan struct{})
	go func() {
		conn.WaitForShutdown()
		close(shutdownDone)
	}()

	select {
	case sig := <-sigCh:
		logger.Printf("received signal %v, shutting down", sig)
		conn.Shutdown()
	case <-shutdownDone:
		logger.Printf("control loop requested shutdown")
	}

	return 0
}
