// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package broker orchestrates the port pool, worker registry, transport
// binder and ingest worker behind the two RPC operations, BindStreamPort
// and FreeStreamPort.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gbtstream/streamport-broker/internal/config"
	"github.com/gbtstream/streamport-broker/internal/ingest"
	"github.com/gbtstream/streamport-broker/internal/portpool"
	"github.com/gbtstream/streamport-broker/internal/registry"
	"github.com/gbtstream/streamport-broker/internal/reorder"
	"github.com/gbtstream/streamport-broker/internal/sink"
	"github.com/gbtstream/streamport-broker/internal/transport"
)

// BindResult is the outcome of a BindStreamPort call.
type BindResult struct {
	Code            Code
	Message         string
	MediaServerIP   string
	MediaServerPort uint32
}

// FreeResult is the outcome of a FreeStreamPort call.
type FreeResult struct {
	Code Code
}

// Code is the broker's own outcome enumeration, kept independent of the
// rpcwire package so the broker has no wire-format dependency; rpcserver
// translates it to the wire's ResponseCode.
type Code int

const (
	CodeOk Code = iota
	CodeNoPortsFree
	CodeBindPortError
	CodeRunStreamServiceError
)

// Broker holds the live state shared by every RPC call: the free-port
// pool, the bound-port registry, and the configuration that shapes how
// ingest workers are built.
type Broker struct {
	cfg    *config.Config
	pool   *portpool.Pool
	reg    *registry.Registry
	logger *slog.Logger
}

// New constructs a Broker with a freshly seeded port pool covering
// [cfg.StreamPortStart, cfg.StreamPortStop].
func New(cfg *config.Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		cfg:    cfg,
		pool:   portpool.New(cfg.StreamPortStart, cfg.StreamPortStop),
		reg:    registry.New(),
		logger: logger,
	}
}

// BindStreamPort allocates a port, binds UDP+TCP listeners on it, and
// spawns an ingest worker that reorders and sinks its RTP traffic.
func (b *Broker) BindStreamPort(ctx context.Context) BindResult {
	if b.cfg.Behavior.BindStub {
		b.logger.Warn("serving BindStreamPort via bind_stub toggle (dead-branch parity mode)")
		return BindResult{
			Code:            CodeOk,
			MediaServerIP:   b.cfg.Behavior.StubMediaServerIP,
			MediaServerPort: uint32(b.cfg.Behavior.StubMediaServerPort),
		}
	}

	port := b.pool.Pop()
	if port == 0 {
		return BindResult{Code: CodeNoPortsFree, Message: "no free stream ports available"}
	}

	pair, err := transport.Bind(b.cfg.Host, port)
	if err != nil {
		if !*b.cfg.Behavior.LeakPortOnBindError {
			b.pool.Push(port)
		}
		return BindResult{Code: CodeBindPortError, Message: err.Error()}
	}

	workerCtx, cancel := context.WithCancel(ctx)
	worker := ingest.NewWorker(port, pair.UDP, pair.TCP, ingest.Config{
		RecvBufferSize: int(b.cfg.SocketRecvBufferSize),
		LimitFrames:    reorder.DefaultLimitFrames,
		SinkFactory:    b.sinkFactoryFor(port),
		PacketsPerSec:  ratelimitPacketsPerSec(b.cfg),
	}, b.logger)

	udpDone, tcpDone := worker.Run(workerCtx)

	b.reg.Insert(port, &registry.StreamTask{
		Cancel:  cancel,
		UDPDone: udpDone,
		TCPDone: tcpDone,
		Stats: func() (uint64, uint64, time.Time) {
			s := worker.Stats()
			return s.BytesReceived, s.FramesEmitted, s.LastActivity
		},
	})

	b.logger.Info("stream port bound", "port", port)

	return BindResult{
		Code:            CodeOk,
		MediaServerIP:   b.cfg.MyIP,
		MediaServerPort: uint32(port),
	}
}

// FreeStreamPort tears down the ingest worker bound to port and returns
// the port to the pool. Freeing a port with no live task is a no-op that
// still replies Ok.
func (b *Broker) FreeStreamPort(port uint16) FreeResult {
	task, ok := b.reg.Remove(port)
	if !ok {
		return FreeResult{Code: CodeOk}
	}

	task.Cancel()
	task.Wait()

	b.pool.Push(port)
	b.logger.Info("stream port freed", "port", port)

	return FreeResult{Code: CodeOk}
}

func ratelimitPacketsPerSec(cfg *config.Config) int {
	if !cfg.RateLimit.Enabled {
		return 0
	}
	return cfg.RateLimit.PacketsPerSec
}

// sinkFactoryFor returns the ingest.SinkFactory a worker on this port
// should use, honoring sink.kind and the legacy_fixed_names parity toggle.
func (b *Broker) sinkFactoryFor(port uint16) ingest.SinkFactory {
	return func(tr string, connID int) sink.Sink {
		path, err := b.sinkPath(port, tr, connID)
		if err != nil {
			b.logger.Warn("building sink path", "port", port, "transport", tr, "error", err)
			return sink.NoopSink{}
		}

		var s sink.Sink
		switch b.cfg.Sink.Kind {
		case "file":
			s, err = sink.NewFileSink(path)
		case "gzip":
			s, err = sink.NewGzipSink(path)
		case "s3":
			s, err = sink.NewS3Sink(context.Background(), b.cfg.Sink.Bucket, fmt.Sprintf("%s/%d/%s", b.cfg.Sink.Prefix, port, tr), b.cfg.Sink.Region)
		default:
			return sink.NoopSink{}
		}
		if err != nil {
			b.logger.Warn("opening sink", "port", port, "transport", tr, "kind", b.cfg.Sink.Kind, "error", err)
			return sink.NoopSink{}
		}
		return s
	}
}

func (b *Broker) sinkPath(port uint16, tr string, connID int) (string, error) {
	dir := b.cfg.Sink.Dir
	if dir == "" {
		dir = "."
	}

	if b.cfg.Sink.LegacyFixedNames {
		// Fixed per-transport filenames that collide across ports and
		// connections; kept only for parity testing against a deployment
		// that relies on that fixed layout, not recommended otherwise: file
		// sinks sharing the name interleave their records, and a gzip sink
		// truncates the file each time one is opened.
		return filepath.Join(dir, tr+".output.ps"), nil
	}

	if tr == "udp" {
		return filepath.Join(dir, fmt.Sprintf("udp-%d.ps", port)), nil
	}
	return filepath.Join(dir, fmt.Sprintf("tcp-%d-%d.ps", port, connID)), nil
}

// SweepDeadWorkers reclaims ports whose ingest worker exited on its own
// (e.g. a socket error) without ever going through FreeStreamPort, and
// returns the ports it reclaimed. Intended to be called periodically by
// the janitor.
func (b *Broker) SweepDeadWorkers() []uint16 {
	dead := b.reg.RemoveDead()
	reclaimed := make([]uint16, 0, len(dead))
	for port := range dead {
		b.pool.Push(port)
		reclaimed = append(reclaimed, port)
	}
	if len(reclaimed) > 0 {
		b.logger.Warn("janitor reclaimed orphaned stream ports", "ports", reclaimed)
	}
	return reclaimed
}

// PortStats is a point-in-time read of one bound port's ingest counters.
type PortStats struct {
	Port          uint16    `json:"port"`
	BytesReceived uint64    `json:"bytes_received"`
	FramesEmitted uint64    `json:"frames_emitted"`
	LastActivity  time.Time `json:"last_activity"`
}

// Snapshot is a point-in-time read of broker state for the Janitor and the
// health/observability endpoint.
type Snapshot struct {
	FreePorts  int
	BoundPorts []uint16
	PortStats  []PortStats
}

// Snapshot reports current pool/registry occupancy, plus each bound port's
// ingest counters. Safe for concurrent use with Bind/Free — Pool and
// Registry each guard their own state.
func (b *Broker) Snapshot() Snapshot {
	tasks := b.reg.Tasks()

	ports := make([]uint16, 0, len(tasks))
	stats := make([]PortStats, 0, len(tasks))
	for port, task := range tasks {
		ports = append(ports, port)
		if task.Stats == nil {
			continue
		}
		bytesReceived, framesEmitted, lastActivity := task.Stats()
		stats = append(stats, PortStats{
			Port:          port,
			BytesReceived: bytesReceived,
			FramesEmitted: framesEmitted,
			LastActivity:  lastActivity,
		})
	}

	return Snapshot{
		FreePorts:  b.pool.Len(),
		BoundPorts: ports,
		PortStats:  stats,
	}
}
