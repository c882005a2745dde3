// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package rpcserver serves the rpcwire binary protocol, dispatching
// BindStreamPort / FreeStreamPort requests into a Broker.
package rpcserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/gbtstream/streamport-broker/internal/broker"
	"github.com/gbtstream/streamport-broker/internal/config"
	"github.com/gbtstream/streamport-broker/internal/logging"
	"github.com/gbtstream/streamport-broker/internal/pki"
	"github.com/gbtstream/streamport-broker/internal/rpcwire"
)

const maxConsecutiveAcceptErrors = 5

// Run listens on {cfg.Host}:{cfg.GRPCPort} and serves RPC connections until
// ctx is cancelled. Accept errors back off with an increasing delay instead
// of spinning; cancellation closes the listener, which unblocks Accept with
// an error the loop recognizes as shutdown rather than a real failure.
func Run(ctx context.Context, cfg *config.Config, b *broker.Broker, logger *slog.Logger) error {
	logger = logging.WithComponent(logger, "rpcserver")
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.GRPCPort)

	var ln net.Listener
	var err error
	if cfg.RPCTLS.Enabled {
		var tlsCfg *tls.Config
		tlsCfg, err = pki.NewServerTLSConfig(cfg.RPCTLS.CACert, cfg.RPCTLS.Cert, cfg.RPCTLS.Key)
		if err != nil {
			return fmt.Errorf("configuring RPC TLS: %w", err)
		}
		ln, err = tls.Listen("tcp", addr, tlsCfg)
	} else {
		ln, err = net.Listen("tcp", addr)
	}
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	defer ln.Close()

	logger.Info("rpc server listening", "address", addr, "tls", cfg.RPCTLS.Enabled)

	go func() {
		<-ctx.Done()
		logger.Info("shutting down rpc server")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				logger.Info("rpc server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				logger.Error("accepting rpc connection", "error", err, "consecutive_errors", consecutiveErrors)
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
		go handleConnection(ctx, conn, b, logger)
	}
}

func handleConnection(ctx context.Context, conn net.Conn, b *broker.Broker, logger *slog.Logger) {
	defer logging.RecoverAndLog(logger, "rpcserver.handleConnection")
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		req, err := rpcwire.ReadRequest(conn)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logger.Debug("rpc connection closed", "error", err)
			}
			return
		}

		if err := dispatch(ctx, conn, req, b, logger); err != nil {
			logger.Warn("writing rpc response", "error", err)
			return
		}
	}
}

func dispatch(ctx context.Context, conn net.Conn, req *rpcwire.Request, b *broker.Broker, logger *slog.Logger) error {
	switch req.Opcode {
	case rpcwire.OpBindStreamPort:
		result := b.BindStreamPort(ctx)
		resp := rpcwire.BindStreamPortResponse{
			Code:            toWireCode(result.Code),
			Message:         result.Message,
			MediaServerIP:   result.MediaServerIP,
			MediaServerPort: result.MediaServerPort,
		}
		return rpcwire.WriteResponse(conn, resp.Code, rpcwire.EncodeBindStreamPortResponse(resp))

	case rpcwire.OpFreeStreamPort:
		freeReq, err := rpcwire.DecodeFreeStreamPortRequest(req.Payload)
		if err != nil {
			logger.Warn("decoding free request", "error", err)
			return rpcwire.WriteResponse(conn, rpcwire.CodeRunStreamServiceError, nil)
		}
		result := b.FreeStreamPort(uint16(freeReq.MediaServerPort))
		return rpcwire.WriteResponse(conn, toWireCode(result.Code), nil)

	default:
		return rpcwire.WriteResponse(conn, rpcwire.CodeRunStreamServiceError, []byte("unknown opcode"))
	}
}

func toWireCode(c broker.Code) rpcwire.ResponseCode {
	switch c {
	case broker.CodeOk:
		return rpcwire.CodeOk
	case broker.CodeNoPortsFree:
		return rpcwire.CodeNoPortsFree
	case broker.CodeBindPortError:
		return rpcwire.CodeBindPortError
	default:
		return rpcwire.CodeRunStreamServiceError
	}
}
