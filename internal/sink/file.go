// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// FileSink appends frames to a single file, opened create-if-missing in
// append mode. Each frame is length-prefixed so a reader can split the
// stream back into individual frames. Multiple sinks pointed at the same
// path interleave writes at the OS level; since a record's header and
// payload are two separate writes, records from different sinks can
// interleave mid-record and the shared file is then not reliably
// splittable.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
}

// NewFileSink opens (or creates) path for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sink file %s: %w", path, err)
	}
	return &FileSink{file: f}, nil
}

// Write appends a [4-byte BE timestamp][4-byte BE length][frame] record.
func (s *FileSink) Write(ts uint32, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], ts)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(frame)))

	if _, err := s.file.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := s.file.Write(frame); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}
