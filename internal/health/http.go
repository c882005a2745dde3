// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/gbtstream/streamport-broker/internal/broker"
	"github.com/gbtstream/streamport-broker/internal/logging"
)

// SystemStats is a point-in-time snapshot of host resource usage, collected
// periodically in the background so /stats never blocks on gopsutil.
type SystemStats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	LoadAverage   float64 `json:"load_average"`
}

// monitor collects SystemStats on a timer, independent of request handling.
type monitor struct {
	logger *slog.Logger
	mu     sync.RWMutex
	stats  SystemStats
	close  chan struct{}
	wg     sync.WaitGroup
}

func newMonitor(logger *slog.Logger) *monitor {
	return &monitor{logger: logging.WithComponent(logger, "health.monitor"), close: make(chan struct{})}
}

func (m *monitor) start() {
	m.wg.Add(1)
	go m.run()
}

func (m *monitor) stop() {
	close(m.close)
	m.wg.Wait()
}

func (m *monitor) run() {
	defer m.wg.Done()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	m.collect()
	for {
		select {
		case <-m.close:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *monitor) collect() {
	var stats SystemStats

	if percentages, err := cpu.Percent(0, false); err == nil && len(percentages) > 0 {
		stats.CPUPercent = percentages[0]
	} else {
		m.logger.Debug("failed to collect cpu stats", "error", err)
	}

	if v, err := mem.VirtualMemory(); err == nil {
		stats.MemoryPercent = v.UsedPercent
	} else {
		m.logger.Debug("failed to collect memory stats", "error", err)
	}

	if l, err := load.Avg(); err == nil {
		stats.LoadAverage = l.Load1
	} else {
		m.logger.Debug("failed to collect load stats", "error", err)
	}

	m.mu.Lock()
	m.stats = stats
	m.mu.Unlock()
}

func (m *monitor) current() SystemStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// statsResponse is the JSON body served from GET /stats.
type statsResponse struct {
	FreePorts  int                `json:"free_ports"`
	BoundPorts []uint16           `json:"bound_ports"`
	PortStats  []broker.PortStats `json:"port_stats"`
	System     SystemStats        `json:"system"`
}

// Server exposes GET /healthz (liveness) and GET /stats (broker + system
// snapshot) behind an IP/CIDR ACL that denies any remote address not
// explicitly allow-listed.
type Server struct {
	httpServer *http.Server
	monitor    *monitor
	logger     *slog.Logger
}

// NewServer builds a health Server listening on listen, serving b's
// snapshot and gating every route behind acl.
func NewServer(listen string, b *broker.Broker, acl *ACL, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mon := newMonitor(logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/stats", func(w http.ResponseWriter, r *http.Request) {
		snap := b.Snapshot()
		resp := statsResponse{
			FreePorts:  snap.FreePorts,
			BoundPorts: snap.BoundPorts,
			PortStats:  snap.PortStats,
			System:     mon.current(),
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			logger.Warn("encoding stats response", "error", err)
		}
	})

	return &Server{
		httpServer: &http.Server{
			Addr:    listen,
			Handler: acl.Middleware(mux),
		},
		monitor: mon,
		logger:  logging.WithComponent(logger, "health.server"),
	}
}

// Run starts the system monitor and serves HTTP until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.monitor.start()
	defer s.monitor.stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("health server shutdown error", "error", err)
		}
	}()

	s.logger.Info("health server listening", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
