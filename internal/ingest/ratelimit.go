// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package ingest

import "golang.org/x/time/rate"

// PacketLimiter caps the rate at which an ingest sub-task feeds packets
// into its Reorder Buffer. Unlike a byte-oriented throttle that blocks the
// writer, this limiter never blocks the ingest loop: a packet exceeding the
// instantaneous rate is simply dropped, consistent with RTP's own
// best-effort delivery model.
type PacketLimiter struct {
	limiter *rate.Limiter
}

// NewPacketLimiter returns nil if packetsPerSec <= 0 (no limiting).
func NewPacketLimiter(packetsPerSec int) *PacketLimiter {
	if packetsPerSec <= 0 {
		return nil
	}
	return &PacketLimiter{limiter: rate.NewLimiter(rate.Limit(packetsPerSec), packetsPerSec)}
}

// Allow reports whether the caller may ingest one more packet right now.
// A nil receiver always allows (limiting disabled).
func (l *PacketLimiter) Allow() bool {
	if l == nil {
		return true
	}
	return l.limiter.Allow()
}
