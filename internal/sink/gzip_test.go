// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/pgzip"
)

func TestGzipSink_WriteAndCloseProducesDecodableStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.bin.gz")

	s, err := NewGzipSink(path)
	if err != nil {
		t.Fatalf("NewGzipSink: %v", err)
	}

	if err := s.Write(100, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(200, []byte("world!")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("opening gzip file: %v", err)
	}
	defer f.Close()

	gr, err := pgzip.NewReader(f)
	if err != nil {
		t.Fatalf("pgzip.NewReader: %v", err)
	}
	defer gr.Close()

	data, err := io.ReadAll(gr)
	if err != nil {
		t.Fatalf("reading decompressed stream: %v", err)
	}

	ts1 := binary.BigEndian.Uint32(data[0:4])
	len1 := binary.BigEndian.Uint32(data[4:8])
	payload1 := data[8 : 8+len1]
	if ts1 != 100 || string(payload1) != "hello" {
		t.Fatalf("first record = (%d, %q)", ts1, payload1)
	}

	rest := data[8+len1:]
	ts2 := binary.BigEndian.Uint32(rest[0:4])
	len2 := binary.BigEndian.Uint32(rest[4:8])
	payload2 := rest[8 : 8+len2]
	if ts2 != 200 || string(payload2) != "world!" {
		t.Fatalf("second record = (%d, %q)", ts2, payload2)
	}
}

func TestGzipSink_CloseAfterWriteSucceeds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.bin.gz")

	s, err := NewGzipSink(path)
	if err != nil {
		t.Fatalf("NewGzipSink: %v", err)
	}
	if err := s.Write(1, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
