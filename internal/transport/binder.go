// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport opens the UDP/TCP listener pair a stream worker ingests
// RTP packets on.
package transport

import (
	"fmt"
	"net"
)

// Pair bundles the two listeners bound to one host:port for a stream
// worker. Both are owned by the caller after Bind returns successfully.
type Pair struct {
	UDP net.PacketConn
	TCP net.Listener
}

// Bind opens a UDP socket and a TCP listener on the same host:port. If the
// UDP bind fails, TCP is never attempted. If the TCP bind fails after UDP
// succeeded, the UDP socket is closed before the error is returned — no
// partial pair is ever handed back to the caller.
func Bind(host string, port uint16) (*Pair, error) {
	addr := fmt.Sprintf("%s:%d", host, port)

	udpConn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding UDP %s: %w", addr, err)
	}

	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("binding TCP %s: %w", addr, err)
	}

	return &Pair{UDP: udpConn, TCP: tcpListener}, nil
}

// Close releases both listeners, tolerating either already being closed.
func (p *Pair) Close() {
	p.UDP.Close()
	p.TCP.Close()
}
