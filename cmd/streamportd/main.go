// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/gbtstream/streamport-broker/internal/broker"
	"github.com/gbtstream/streamport-broker/internal/config"
	"github.com/gbtstream/streamport-broker/internal/health"
	"github.com/gbtstream/streamport-broker/internal/janitor"
	"github.com/gbtstream/streamport-broker/internal/logging"
	"github.com/gbtstream/streamport-broker/internal/rpcserver"
)

func main() {
	var configPath string
	pflag.StringVarP(&configPath, "config", "c", "/etc/streamport-broker/config.yaml", "path to the broker's YAML config file")
	pflag.Parse()

	if info, err := os.Stat(configPath); err != nil || info.IsDir() {
		fmt.Fprintf(os.Stderr, "Error: config file %q does not exist\n", configPath)
		os.Exit(1)
	}

	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, closer := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	b := broker.New(cfg, logger)

	var wg sync.WaitGroup

	if cfg.Janitor.Enabled {
		j, err := janitor.New(cfg.Janitor.Schedule, b, logger)
		if err != nil {
			logger.Error("starting janitor", "error", err)
			os.Exit(1)
		}
		j.Start()
		defer j.Stop(context.Background())
	}

	if cfg.Health.Enabled {
		acl := health.NewACL(cfg.Health.ParsedCIDRs)
		healthSrv := health.NewServer(cfg.Health.Listen, b, acl, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := healthSrv.Run(ctx); err != nil {
				logger.Error("health server error", "error", err)
			}
		}()
	}

	rpcErr := make(chan error, 1)
	go func() {
		rpcErr <- rpcserver.Run(ctx, cfg, b, logger)
	}()

	var exitErr error
	select {
	case err := <-rpcErr:
		exitErr = err
	case <-ctx.Done():
		exitErr = <-rpcErr
	}

	wg.Wait()

	if exitErr != nil {
		logger.Error("rpc server exited with error", "error", exitErr)
		os.Exit(1)
	}
	logger.Info("streamportd shut down cleanly")
}
