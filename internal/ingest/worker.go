// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package ingest runs the per-port dual-transport RTP ingest worker: one
// UDP receive loop and one TCP accept loop, each feeding packets into its
// own Reorder Buffer and observing a shared cancellation signal.
package ingest

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/pion/rtp"

	"github.com/gbtstream/streamport-broker/internal/logging"
	"github.com/gbtstream/streamport-broker/internal/reorder"
	"github.com/gbtstream/streamport-broker/internal/sink"
)

// maxConsecutiveAcceptErrors is the number of consecutive accept errors the
// TCP accept loop tolerates before it starts sleeping between retries (the
// sleep grows with the error count, capped at 5s), mirroring the
// control-plane accept loop's own error backoff policy.
const maxConsecutiveAcceptErrors = 5

// SinkFactory builds the sink a Reorder Buffer should write assembled
// frames to. transport is "udp" or "tcp"; connID distinguishes concurrent
// TCP connections on the same port (always 0 for the UDP sub-task, since
// a port has at most one UDP sub-task). The factory already knows which
// port it is building sinks for (it is constructed per-worker by the
// broker) and is free to ignore these arguments and return
// sink.NoopSink{}.
type SinkFactory func(transport string, connID int) sink.Sink

// Worker owns the UDP socket and TCP listener for one bound port and runs
// its two ingest sub-tasks until cancelled.
type Worker struct {
	port        uint16
	udpConn     net.PacketConn
	tcpListener net.Listener
	recvBufSize int
	limitFrames int
	sinkFactory SinkFactory
	rateLimiter *PacketLimiter
	logger      *slog.Logger

	udpDone chan struct{}
	tcpDone chan struct{}

	bytesReceived    uint64 // atomic
	framesEmitted    uint64 // atomic
	lastActivityUnix int64  // atomic, unix nanoseconds
}

// Stats is a point-in-time snapshot of a Worker's ingest counters, surfaced
// by the janitor and the health/stats endpoint.
type Stats struct {
	BytesReceived uint64
	FramesEmitted uint64
	LastActivity  time.Time
}

// Stats reports the worker's live counters. Safe for concurrent use.
func (w *Worker) Stats() Stats {
	lastActivity := atomic.LoadInt64(&w.lastActivityUnix)
	s := Stats{
		BytesReceived: atomic.LoadUint64(&w.bytesReceived),
		FramesEmitted: atomic.LoadUint64(&w.framesEmitted),
	}
	if lastActivity != 0 {
		s.LastActivity = time.Unix(0, lastActivity)
	}
	return s
}

func (w *Worker) recordPacket(n int) {
	atomic.AddUint64(&w.bytesReceived, uint64(n))
	atomic.StoreInt64(&w.lastActivityUnix, time.Now().UnixNano())
}

func (w *Worker) recordFrame() {
	atomic.AddUint64(&w.framesEmitted, 1)
}

// Config bundles a Worker's tunables.
type Config struct {
	RecvBufferSize int
	LimitFrames    int
	SinkFactory    SinkFactory
	PacketsPerSec  int // 0 disables rate limiting
}

// NewWorker constructs a Worker over an already-bound UDP/TCP pair. The
// caller (the broker) retains ownership of port bookkeeping; the worker
// only runs the ingest loops and owns the sockets' lifetime.
func NewWorker(port uint16, udpConn net.PacketConn, tcpListener net.Listener, cfg Config, logger *slog.Logger) *Worker {
	if cfg.RecvBufferSize <= 0 {
		cfg.RecvBufferSize = 1500
	}
	if cfg.LimitFrames < 0 {
		cfg.LimitFrames = reorder.DefaultLimitFrames
	}
	if cfg.SinkFactory == nil {
		cfg.SinkFactory = func(string, int) sink.Sink { return sink.NoopSink{} }
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		port:        port,
		udpConn:     udpConn,
		tcpListener: tcpListener,
		recvBufSize: cfg.RecvBufferSize,
		limitFrames: cfg.LimitFrames,
		sinkFactory: cfg.SinkFactory,
		rateLimiter: NewPacketLimiter(cfg.PacketsPerSec),
		logger:      logger.With("port", port),
		udpDone:     make(chan struct{}),
		tcpDone:     make(chan struct{}),
	}
}

// Run spawns the UDP and TCP sub-tasks and returns their completion
// channels immediately; it does not block. A separate goroutine closes the
// worker's sockets on cancel (observed via ctx.Done()), unblocking any
// in-flight recv/accept.
func (w *Worker) Run(ctx context.Context) (udpDone, tcpDone <-chan struct{}) {
	go func() {
		<-ctx.Done()
		w.udpConn.Close()
		w.tcpListener.Close()
	}()

	go w.runUDP(ctx)
	go w.runTCP(ctx)

	return w.udpDone, w.tcpDone
}

func (w *Worker) runUDP(ctx context.Context) {
	defer close(w.udpDone)
	defer logging.RecoverAndLog(w.logger, "ingest.runUDP")

	buf := make([]byte, w.recvBufSize)
	s := w.sinkFactory("udp", 0)
	defer s.Close()
	buffer := reorder.New(w.limitFrames, s, w.logger.With("transport", "udp"))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("udp ingest cancelled", "transport", "udp")
			return
		default:
		}

		n, _, err := w.udpConn.ReadFrom(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				w.logger.Info("udp ingest cancelled", "transport", "udp")
			default:
				w.logger.Warn("udp recv error, exiting ingest loop", "transport", "udp", "error", err)
			}
			return
		}

		w.recordPacket(n)

		if !w.rateLimiter.Allow() {
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			w.logger.Warn("dropping unparseable RTP datagram", "transport", "udp", "error", err)
			continue
		}

		if overflow := buffer.Feed(pkt.Header.Timestamp, pkt.Header.SequenceNumber, append([]byte(nil), pkt.Payload...)); overflow {
			buffer.PopFrame()
			w.recordFrame()
		}
	}
}

func (w *Worker) runTCP(ctx context.Context) {
	defer close(w.tcpDone)
	defer logging.RecoverAndLog(w.logger, "ingest.runTCP")

	consecutiveErrors := 0
	connID := 0

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("tcp ingest cancelled", "transport", "tcp")
			return
		default:
		}

		conn, err := w.tcpListener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				w.logger.Info("tcp ingest cancelled", "transport", "tcp")
				return
			default:
				consecutiveErrors++
				w.logger.Warn("tcp accept error", "transport", "tcp", "error", err, "consecutive_errors", consecutiveErrors)
				if consecutiveErrors > maxConsecutiveAcceptErrors {
					delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
					if delay > 5*time.Second {
						delay = 5 * time.Second
					}
					time.Sleep(delay)
				}
				continue
			}
		}

		consecutiveErrors = 0
		connID++
		go w.handleTCPConnection(ctx, conn, connID)
	}
}

func (w *Worker) handleTCPConnection(ctx context.Context, conn net.Conn, connID int) {
	defer conn.Close()
	defer logging.RecoverAndLog(w.logger, "ingest.handleTCPConnection")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	s := w.sinkFactory("tcp", connID)
	defer s.Close()
	buffer := reorder.New(w.limitFrames, s, w.logger.With("transport", "tcp", "remote", conn.RemoteAddr().String()))

	for {
		var lenBuf [2]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			logTCPClose(w.logger, err)
			return
		}
		n := binary.BigEndian.Uint16(lenBuf[:])
		if n == 0 {
			w.logger.Info("peer closed tcp connection", "transport", "tcp")
			return
		}

		payload := make([]byte, n)
		if _, err := io.ReadFull(conn, payload); err != nil {
			logTCPClose(w.logger, err)
			return
		}

		w.recordPacket(len(payload))

		if !w.rateLimiter.Allow() {
			continue
		}

		pkt := &rtp.Packet{}
		if err := pkt.Unmarshal(payload); err != nil {
			w.logger.Warn("dropping unparseable RTP frame", "transport", "tcp", "error", err)
			continue
		}

		if overflow := buffer.Feed(pkt.Header.Timestamp, pkt.Header.SequenceNumber, append([]byte(nil), pkt.Payload...)); overflow {
			buffer.PopFrame()
			w.recordFrame()
		}
	}
}

func logTCPClose(logger *slog.Logger, err error) {
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		logger.Info("tcp connection closed", "transport", "tcp")
		return
	}
	logger.Warn("tcp read error, closing connection", "transport", "tcp", "error", err)
}
