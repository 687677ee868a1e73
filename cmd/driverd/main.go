// Command driverd runs the driver as a standalone process: it loads
// configuration from the environment, starts the driver, and blocks
// until an operator signal requests a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r3e-driver/mudd/internal/driver"
	"github.com/r3e-driver/mudd/internal/driverconfig"
	"github.com/r3e-driver/mudd/internal/obslog"
	"github.com/r3e-driver/mudd/pkg/version"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code per base-spec §6: 0 clean shutdown,
// 1 configuration error, 2 failed to load master.
func run() int {
	cfg, err := driverconfig.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "driverd: configuration error: %v\n", err)
		return 1
	}

	log := obslog.New(obslog.Config{Level: cfg.Logging.Level, Pretty: cfg.Logging.Pretty})
	log.WithField("version", version.FullVersion()).Info("starting driverd")

	d, err := driver.New(cfg, log)
	if err != nil {
		log.WithField("error", err).Error("failed to construct driver")
		return 1
	}

	if err := d.Start(context.Background()); err != nil {
		log.WithField("error", err).Error("failed to load master")
		return 2
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := d.Stop(shutdownCtx); err != nil {
		log.WithField("error", err).Error("shutdown error")
	}

	return 0
}
