// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rpcwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// WriteRequest writes a fully framed request.
func WriteRequest(w io.Writer, opcode Opcode, payload []byte) error {
	if _, err := w.Write(MagicRequest[:]); err != nil {
		return fmt.Errorf("writing request magic: %w", err)
	}
	if _, err := w.Write([]byte{byte(opcode)}); err != nil {
		return fmt.Errorf("writing request opcode: %w", err)
	}
	return writeLengthPrefixed(w, payload)
}

// WriteResponse writes a fully framed response.
func WriteResponse(w io.Writer, code ResponseCode, payload []byte) error {
	if _, err := w.Write(MagicResponse[:]); err != nil {
		return fmt.Errorf("writing response magic: %w", err)
	}
	if _, err := w.Write([]byte{byte(code)}); err != nil {
		return fmt.Errorf("writing response code: %w", err)
	}
	return writeLengthPrefixed(w, payload)
}

func writeLengthPrefixed(w io.Writer, payload []byte) error {
	var length [4]byte
	binary.BigEndian.PutUint32(length[:], uint32(len(payload)))
	if _, err := w.Write(length[:]); err != nil {
		return fmt.Errorf("writing payload length: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("writing payload: %w", err)
		}
	}
	return nil
}

// EncodeBindStreamPortRequest returns the (empty) payload for a bind request.
func EncodeBindStreamPortRequest(_ BindStreamPortRequest) []byte {
	return nil
}

// EncodeBindStreamPortResponse serializes a BindStreamPortResponse payload.
// On CodeOk the payload is [MediaServerPort uint32 BE][MediaServerIP
// UTF-8]; otherwise the payload is just the UTF-8 Message — Code itself
// travels in the frame header, not the payload.
func EncodeBindStreamPortResponse(resp BindStreamPortResponse) []byte {
	if resp.Code != CodeOk {
		return []byte(resp.Message)
	}

	var buf bytes.Buffer
	var portBuf [4]byte
	binary.BigEndian.PutUint32(portBuf[:], resp.MediaServerPort)
	buf.Write(portBuf[:])
	buf.WriteString(resp.MediaServerIP)
	return buf.Bytes()
}

// EncodeFreeStreamPortRequest serializes a FreeStreamPortRequest payload.
func EncodeFreeStreamPortRequest(req FreeStreamPortRequest) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], req.MediaServerPort)
	return buf[:]
}
