// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"github.com/klauspost/pgzip"
)

// GzipSink appends frames to a parallel-gzip-compressed file. pgzip trades a
// small amount of compression ratio for multi-core throughput, which matters
// here because a busy ingest worker can produce frames faster than a single
// gzip stream can compress them.
type GzipSink struct {
	mu     sync.Mutex
	file   *os.File
	writer *pgzip.Writer
}

// NewGzipSink creates path (truncating any existing content — gzip streams
// cannot be appended to after the footer is written) and wraps it in a
// pgzip.Writer using as many goroutines as the host has CPUs.
func NewGzipSink(path string) (*GzipSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening gzip sink file %s: %w", path, err)
	}

	gw, err := pgzip.NewWriterLevel(f, pgzip.DefaultCompression)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("creating pgzip writer: %w", err)
	}

	return &GzipSink{file: f, writer: gw}, nil
}

func (s *GzipSink) Write(ts uint32, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], ts)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(frame)))

	if _, err := s.writer.Write(header[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := s.writer.Write(frame); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

func (s *GzipSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Close(); err != nil {
		s.file.Close()
		return fmt.Errorf("closing pgzip writer: %w", err)
	}
	return s.file.Close()
}
