// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

type fakeS3Client struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
}

func newFakeS3Client() *fakeS3Client {
	return &fakeS3Client{objects: make(map[string][]byte)}
}

func (f *fakeS3Client) PutObject(_ context.Context, params *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}

	body, err := io.ReadAll(params.Body)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[*params.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3Client) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects)
}

func (f *fakeS3Client) anyBody() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.objects {
		return b
	}
	return nil
}

func TestS3Sink_CloseFlushesBufferedFramesAsOneObject(t *testing.T) {
	client := newFakeS3Client()
	s := newS3SinkWithClient(client, "my-bucket", "streams/9001")

	if err := s.Write(100, []byte("hello")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Write(200, []byte("world!")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if client.count() != 0 {
		t.Fatalf("expected no upload before Close/threshold, got %d objects", client.count())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.count() != 1 {
		t.Fatalf("expected exactly one uploaded object after Close, got %d", client.count())
	}

	body := client.anyBody()
	if !bytes.Contains(body, []byte("hello")) || !bytes.Contains(body, []byte("world!")) {
		t.Fatalf("uploaded object missing frame payloads: %q", body)
	}
}

func TestS3Sink_WriteFlushesWhenThresholdCrossed(t *testing.T) {
	client := newFakeS3Client()
	s := newS3SinkWithClient(client, "my-bucket", "streams/9002")

	big := bytes.Repeat([]byte("x"), s3FlushThreshold+1)
	if err := s.Write(1, big); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if client.count() != 1 {
		t.Fatalf("expected an immediate flush once the buffer crosses the threshold, got %d objects", client.count())
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.count() != 1 {
		t.Fatalf("Close with an empty buffer must not upload again, got %d objects", client.count())
	}
}

func TestS3Sink_PutObjectErrorPropagates(t *testing.T) {
	client := newFakeS3Client()
	client.putErr = errors.New("network unreachable")
	s := newS3SinkWithClient(client, "my-bucket", "streams/9003")

	if err := s.Write(1, []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err == nil {
		t.Fatal("expected Close to surface the PutObject error")
	}
}
