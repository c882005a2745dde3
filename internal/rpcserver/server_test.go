// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rpcserver

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/gbtstream/streamport-broker/internal/broker"
	"github.com/gbtstream/streamport-broker/internal/config"
	"github.com/gbtstream/streamport-broker/internal/rpcwire"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func freePort(t *testing.T) uint16 {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("finding free port: %v", err)
	}
	defer ln.Close()
	return uint16(ln.Addr().(*net.TCPAddr).Port)
}

func TestRPCServer_BindAndFreeRoundTrip(t *testing.T) {
	leak := true
	cfg := &config.Config{
		Host:                 "127.0.0.1",
		MyIP:                 "10.0.0.1",
		GRPCPort:             freePort(t),
		StreamPortStart:      20001,
		StreamPortStop:       20001,
		SocketRecvBufferSize: 1500,
		Sink:                 config.SinkConfig{Kind: "none"},
		Behavior:             config.BehaviorConfig{LeakPortOnBindError: &leak},
	}
	b := broker.New(cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg, b, testLogger()) }()

	addr := "127.0.0.1:" + itoa(cfg.GRPCPort)
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dialing rpc server: %v", err)
	}
	defer conn.Close()

	if err := rpcwire.WriteRequest(conn, rpcwire.OpBindStreamPort, nil); err != nil {
		t.Fatalf("WriteRequest: %v", err)
	}
	resp, err := rpcwire.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	if resp.Code != rpcwire.CodeOk {
		t.Fatalf("bind response code = %v, want CodeOk", resp.Code)
	}
	bindResp, err := rpcwire.DecodeBindStreamPortResponse(resp.Code, resp.Payload)
	if err != nil {
		t.Fatalf("DecodeBindStreamPortResponse: %v", err)
	}
	if bindResp.MediaServerPort != 20001 || bindResp.MediaServerIP != "10.0.0.1" {
		t.Fatalf("bindResp = %+v", bindResp)
	}

	freePayload := rpcwire.EncodeFreeStreamPortRequest(rpcwire.FreeStreamPortRequest{MediaServerPort: 20001})
	if err := rpcwire.WriteRequest(conn, rpcwire.OpFreeStreamPort, freePayload); err != nil {
		t.Fatalf("WriteRequest (free): %v", err)
	}
	freeResp, err := rpcwire.ReadResponse(conn)
	if err != nil {
		t.Fatalf("ReadResponse (free): %v", err)
	}
	if freeResp.Code != rpcwire.CodeOk {
		t.Fatalf("free response code = %v, want CodeOk", freeResp.Code)
	}

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not shut down after cancel")
	}
}

func itoa(port uint16) string {
	if port == 0 {
		return "0"
	}
	digits := [5]byte{}
	i := len(digits)
	for port > 0 {
		i--
		digits[i] = byte('0' + port%10)
		port /= 10
	}
	return string(digits[i:])
}
