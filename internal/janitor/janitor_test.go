// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package janitor

import (
	"context"
	"testing"
	"time"

	"github.com/gbtstream/streamport-broker/internal/broker"
	"github.com/gbtstream/streamport-broker/internal/config"
)

func TestJanitor_SweepReclaimsDeadWorker(t *testing.T) {
	leak := true
	cfg := &config.Config{
		Host:                 "127.0.0.1",
		MyIP:                 "10.0.0.1",
		StreamPortStart:      19101,
		StreamPortStop:       19101,
		SocketRecvBufferSize: 1500,
		Sink:                 config.SinkConfig{Kind: "none"},
		Behavior:             config.BehaviorConfig{LeakPortOnBindError: &leak},
	}
	b := broker.New(cfg, nil)

	// Bind with an already-cancelled context: the worker's UDP/TCP
	// sub-tasks both exit almost immediately (their socket-closer goroutine
	// observes ctx.Done right away), simulating a worker that died without
	// anyone calling FreeStreamPort.
	deadCtx, cancel := context.WithCancel(context.Background())
	cancel()
	res := b.BindStreamPort(deadCtx)
	if res.Code != broker.CodeOk {
		t.Fatalf("bind = %+v", res)
	}
	if b.Snapshot().FreePorts != 0 {
		t.Fatalf("expected port to be bound before sweep, FreePorts = %d", b.Snapshot().FreePorts)
	}

	// Every second, well within the test's own deadline.
	j, err := New("*/1 * * * * *", b, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	j.Start()
	defer j.Stop(context.Background())

	deadline := time.After(3 * time.Second)
	for b.Snapshot().FreePorts == 0 {
		select {
		case <-deadline:
			t.Fatal("janitor did not reclaim a bound port within the deadline")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestJanitor_InvalidScheduleReturnsError(t *testing.T) {
	b := broker.New(&config.Config{
		Host: "127.0.0.1", StreamPortStart: 1, StreamPortStop: 1,
		Behavior: config.BehaviorConfig{LeakPortOnBindError: boolPtr(true)},
	}, nil)
	if _, err := New("not-a-cron-expression", b, nil); err == nil {
		t.Fatal("expected an error for an invalid cron schedule")
	}
}

func boolPtr(b bool) *bool { return &b }
