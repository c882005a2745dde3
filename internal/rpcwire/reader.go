// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package rpcwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// ReadRequest reads and validates one request frame.
func ReadRequest(r io.Reader) (*Request, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading request magic: %w", err)
	}
	if magic != MagicRequest {
		return nil, ErrInvalidMagic
	}

	var opcodeByte [1]byte
	if _, err := io.ReadFull(r, opcodeByte[:]); err != nil {
		return nil, fmt.Errorf("reading request opcode: %w", err)
	}
	opcode := Opcode(opcodeByte[0])
	if opcode != OpBindStreamPort && opcode != OpFreeStreamPort {
		return nil, ErrUnknownOpcode
	}

	payload, err := readLengthPrefixed(r)
	if err != nil {
		return nil, err
	}

	return &Request{Opcode: opcode, Payload: payload}, nil
}

// ReadResponse reads and validates one response frame.
func ReadResponse(r io.Reader) (*Response, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, fmt.Errorf("reading response magic: %w", err)
	}
	if magic != MagicResponse {
		return nil, ErrInvalidMagic
	}

	var codeByte [1]byte
	if _, err := io.ReadFull(r, codeByte[:]); err != nil {
		return nil, fmt.Errorf("reading response code: %w", err)
	}

	payload, err := readLengthPrefixed(r)
	if err != nil {
		return nil, err
	}

	return &Response{Code: ResponseCode(codeByte[0]), Payload: payload}, nil
}

func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("reading payload length: %w", err)
	}
	if length > MaxPayloadSize {
		return nil, ErrPayloadTooLarge
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading payload: %w", err)
	}
	return payload, nil
}

// DecodeBindStreamPortResponse parses a BindStreamPortResponse given the
// frame's Code (carried outside the payload) and its payload bytes. On
// CodeOk the payload is [MediaServerPort uint32 BE][MediaServerIP UTF-8];
// otherwise the whole payload is the UTF-8 error message.
func DecodeBindStreamPortResponse(code ResponseCode, payload []byte) (*BindStreamPortResponse, error) {
	if code != CodeOk {
		return &BindStreamPortResponse{Code: code, Message: string(payload)}, nil
	}

	if len(payload) < 4 {
		return nil, fmt.Errorf("bind response payload too short: %d bytes", len(payload))
	}
	port := binary.BigEndian.Uint32(payload[0:4])
	ip := string(payload[4:])

	return &BindStreamPortResponse{
		Code:            code,
		MediaServerIP:   ip,
		MediaServerPort: port,
	}, nil
}

// DecodeFreeStreamPortRequest parses a FreeStreamPortRequest payload.
func DecodeFreeStreamPortRequest(payload []byte) (*FreeStreamPortRequest, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("free request payload too short: %d bytes", len(payload))
	}
	return &FreeStreamPortRequest{MediaServerPort: binary.BigEndian.Uint32(payload[0:4])}, nil
}

// DecodeFreeStreamPortResponse builds a FreeStreamPortResponse from the
// frame's Code; the payload is always empty.
func DecodeFreeStreamPortResponse(code ResponseCode) *FreeStreamPortResponse {
	return &FreeStreamPortResponse{Code: code}
}
