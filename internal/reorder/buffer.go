// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package reorder assembles RTP packets into whole frames, grouping by
// timestamp and ordering within a group by sequence number.
package reorder

import (
	"log/slog"
	"sort"

	"github.com/gbtstream/streamport-broker/internal/sink"
)

// DefaultLimitFrames is the number of distinct timestamp groups the buffer
// holds before the oldest is considered ready to drain.
const DefaultLimitFrames = 3

// Buffer is per-stream ordering state. Not safe for concurrent use — each
// ingest sub-task (one UDP loop, or one TCP connection) owns exactly one.
type Buffer struct {
	minTimestamp uint32
	limitFrames  int
	groups       map[uint32]map[uint16][]byte
	sink         sink.Sink
	logger       *slog.Logger
}

// New creates a Buffer. A nil sink is treated as sink.NoopSink{}.
func New(limitFrames int, s sink.Sink, logger *slog.Logger) *Buffer {
	if s == nil {
		s = sink.NoopSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{
		limitFrames: limitFrames,
		groups:      make(map[uint32]map[uint16][]byte),
		sink:        s,
		logger:      logger,
	}
}

// Feed inserts a packet's payload under its (timestamp, sequence number).
// Packets older than the low-water mark are dropped. Duplicate sequence
// numbers within a timestamp group are ignored — first writer wins. Returns
// true iff at least one complete older frame is now ready to be drained via
// PopFrame.
func (b *Buffer) Feed(ts uint32, sn uint16, payload []byte) bool {
	// Plain 32-bit comparison: RTP timestamp wraparound is not handled, so
	// packets after a wrap compare as older than min_timestamp and are dropped.
	if ts < b.minTimestamp {
		b.logger.Warn("dropping expired packet", "timestamp", ts, "sequence_number", sn, "min_timestamp", b.minTimestamp)
		return false
	}

	group, ok := b.groups[ts]
	if !ok {
		group = make(map[uint16][]byte)
		b.groups[ts] = group
	}
	if _, dup := group[sn]; !dup {
		group[sn] = payload
	}

	return len(b.groups) > b.limitFrames
}

// PopFrame removes the smallest-timestamp group and concatenates its
// payloads in ascending sequence-number order. If the buffer is empty it
// returns (0, nil) without panicking. If a sink is configured, the frame is
// appended to it; write errors are logged and not surfaced.
func (b *Buffer) PopFrame() (uint32, []byte) {
	if len(b.groups) == 0 {
		return 0, nil
	}

	ts := b.smallestTimestamp()
	group := b.groups[ts]
	delete(b.groups, ts)

	sns := make([]uint16, 0, len(group))
	for sn := range group {
		sns = append(sns, sn)
	}
	sort.Slice(sns, func(i, j int) bool { return sns[i] < sns[j] })

	var frame []byte
	for _, sn := range sns {
		frame = append(frame, group[sn]...)
	}

	if len(b.groups) == 0 {
		// min_timestamp left unchanged, per the buffer's emptied-state contract.
	} else {
		b.minTimestamp = b.smallestTimestamp()
	}

	if err := b.sink.Write(ts, frame); err != nil {
		b.logger.Warn("sink write failed", "timestamp", ts, "error", err)
	}

	return ts, frame
}

// smallestTimestamp scans all group keys for the minimum. The scan is O(n)
// in the number of held groups; an ordered tree keyed by timestamp would
// make this O(log n), but n is bounded by limitFrames+1 in practice.
func (b *Buffer) smallestTimestamp() uint32 {
	first := true
	var min uint32
	for ts := range b.groups {
		if first || ts < min {
			min = ts
			first = false
		}
	}
	return min
}

// Len reports the number of distinct timestamp groups currently held.
func (b *Buffer) Len() int {
	return len(b.groups)
}
