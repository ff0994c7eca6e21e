// Copyright 2021 Clayton Craft <clayton@craftyguy.net>
// SPDX-License-Identifier: GPL-3.0-or-later

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"gitlab.com/postmarketOS/gnss_control/internal/config"
	"gitlab.com/postmarketOS/gnss_control/internal/control"
	"gitlab.com/postmarketOS/gnss_control/internal/gnss"
	"gitlab.com/postmarketOS/gnss_control/internal/server"
)

func usage() {
	flag.CommandLine.Usage()
}

func main() {
	var confFile string
	flag.StringVar(&confFile, "c", "/etc/gnss_control.conf", "Configuration file to use.")
	var help bool
	flag.BoolVar(&help, "h", false, "Print help and quit.")

	flag.Usage = func() {
		fmt.Println("usage: gnss_control [OPTION...]")
		fmt.Println("Runs the device access server for a u-blox timing receiver.")
		fmt.Println("Options:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if help {
		usage()
		return
	}

	if flag.Arg(0) != "" {
		fmt.Printf("Unknown command: %q\n", flag.Arg(0))
		usage()
		return
	}

	conf, err := config.Parse(confFile)
	if err != nil {
		log.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: conf.Level()}))
	slog.SetDefault(logger)

	if err := run(conf, logger); err != nil {
		log.Fatal(err)
	}
}

func run(conf *config.Config, logger *slog.Logger) error {
	svc := control.New(control.Options{
		Transport:       gnss.Serial{},
		Sessions:        conf.MaxSessions,
		QueueDepth:      conf.QueueDepth,
		LockTimeout:     conf.LockTimeoutDuration(),
		RequiredCfgKeys: conf.RequiredCfgKeys,
		RequireUniqueID: conf.RequireUniqueID,
		DefaultDevice:   conf.DevicePath,
		DefaultBaudRate: conf.BaudRate,
		StateFile:       conf.StateFile,
		Logger:          logger,
	})
	defer svc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// bring the device back to the last committed state, falling back to
	// the operator's configuration on first start
	for _, file := range []string{conf.StateFile, conf.DeviceConfig} {
		if file == "" {
			continue
		}
		if loaded := initFrom(ctx, svc, file, logger); loaded {
			break
		}
	}

	if conf.DeviceConfig != "" {
		err := config.Watch(ctx, conf.DeviceConfig, func() {
			logger.Info("device configuration changed, reinitializing", "file", conf.DeviceConfig)
			initFrom(ctx, svc, conf.DeviceConfig, logger)
		})
		if err != nil {
			return fmt.Errorf("run(): %w", err)
		}
	}

	srv := server.New(conf.Socket, conf.OwnerGroup, conf.Listen, svc, logger)
	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	// streams only end once the service closes them
	svc.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// initFrom reinitializes the device from file. It reports false when the
// file does not exist.
func initFrom(ctx context.Context, svc *control.Service, file string, logger *slog.Logger) bool {
	d, err := config.LoadDevice(file)
	if errors.Is(err, fs.ErrNotExist) {
		return false
	}
	if err != nil {
		logger.Warn("unable to load device configuration", "file", file, "err", err)
		return true
	}

	sum := svc.Reinitialize(ctx, d)
	logger.Info("initialization finished", "file", file, "status", sum.InitStatus, "message", sum.Message)
	return true
}
