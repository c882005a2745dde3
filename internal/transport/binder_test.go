// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package transport

import (
	"net"
	"testing"
)

func TestBind_OpensUDPAndTCPOnSamePort(t *testing.T) {
	pair, err := Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind: %v", err)
	}
	defer pair.Close()

	if pair.UDP == nil || pair.TCP == nil {
		t.Fatal("expected both UDP and TCP to be non-nil")
	}
}

func TestBind_TCPConflictReleasesUDP(t *testing.T) {
	// Bind a TCP listener on an arbitrary free port first to force a
	// real TCP-bind failure on the second Bind call at the same port.
	first, err := Bind("127.0.0.1", 0)
	if err != nil {
		t.Fatalf("Bind (setup): %v", err)
	}
	defer first.Close()

	tcpAddr := first.TCP.Addr().(*net.TCPAddr)
	_, err = Bind("127.0.0.1", uint16(tcpAddr.Port))
	if err == nil {
		t.Fatal("expected Bind to fail when TCP port already in use")
	}
}
