// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

func TestFileSink_WriteAppendsLengthPrefixedRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.bin")

	s, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
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

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
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

func TestFileSink_AppendsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.bin")

	s1, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink: %v", err)
	}
	s1.Write(1, []byte("a"))
	s1.Close()

	s2, err := NewFileSink(path)
	if err != nil {
		t.Fatalf("NewFileSink (reopen): %v", err)
	}
	s2.Write(2, []byte("b"))
	s2.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	// 2 records of 8-byte header + 1-byte payload each.
	if info.Size() != 18 {
		t.Fatalf("file size = %d, want 18 (append mode must not truncate)", info.Size())
	}
}
