// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package janitor runs the broker's periodic maintenance job: logging pool
// and registry occupancy, and reclaiming ports whose ingest worker died
// without a matching FreeStreamPort call.
package janitor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/gbtstream/streamport-broker/internal/broker"
	"github.com/gbtstream/streamport-broker/internal/logging"
)

// Janitor wraps a cron.Cron running a single maintenance job on a
// configurable schedule.
type Janitor struct {
	cron   *cron.Cron
	logger *slog.Logger
	broker *broker.Broker
}

// New builds a Janitor that has not yet started. schedule is a standard
// 6-field cron expression (seconds first).
func New(schedule string, b *broker.Broker, logger *slog.Logger) (*Janitor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logging.WithComponent(logger, "janitor")

	j := &Janitor{logger: logger, broker: b}

	c := cron.New(cron.WithSeconds(), cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	if _, err := c.AddFunc(schedule, j.runOnce); err != nil {
		return nil, fmt.Errorf("adding janitor cron job for schedule %q: %w", schedule, err)
	}
	j.cron = c

	return j, nil
}

// Start begins the periodic job. Non-blocking.
func (j *Janitor) Start() {
	j.logger.Info("janitor started")
	j.cron.Start()
}

// Stop stops the scheduler and waits (bounded by ctx) for any in-flight run
// to finish.
func (j *Janitor) Stop(ctx context.Context) {
	j.logger.Info("janitor stopping")
	stopCtx := j.cron.Stop()

	select {
	case <-stopCtx.Done():
		j.logger.Info("janitor stopped gracefully")
	case <-ctx.Done():
		j.logger.Warn("janitor stop timed out")
	}
}

func (j *Janitor) runOnce() {
	reclaimed := j.broker.SweepDeadWorkers()
	snap := j.broker.Snapshot()

	j.logger.Info("janitor sweep",
		"free_ports", snap.FreePorts,
		"bound_ports", len(snap.BoundPorts),
		"reclaimed", len(reclaimed),
	)
	for _, ps := range snap.PortStats {
		j.logger.Info("port stats",
			"port", ps.Port,
			"bytes_received", ps.BytesReceived,
			"frames_emitted", ps.FramesEmitted,
			"last_activity", ps.LastActivity,
		)
	}
}
