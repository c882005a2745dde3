// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package sink

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// s3FlushThreshold caps how much a S3Sink buffers in memory before it
// uploads an object; S3 has no append API, so frames are batched into
// periodic PUT objects instead of one object per frame.
const s3FlushThreshold = 4 << 20 // 4 MiB

// s3PutObjectAPI is the subset of *s3.Client's surface S3Sink needs,
// narrowed so tests can inject a fake uploader instead of hitting AWS.
type s3PutObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink buffers frames and flushes them as timestamped objects to an S3
// bucket/prefix. Flush happens when the buffer crosses s3FlushThreshold or
// on Close.
type S3Sink struct {
	mu  sync.Mutex
	buf bytes.Buffer
	seq int

	client s3PutObjectAPI
	bucket string
	prefix string
}

// NewS3Sink builds an S3 client from the default AWS credential chain
// (environment, shared config, instance role) for the given region, and
// returns a sink that uploads objects under bucket/prefix.
func NewS3Sink(ctx context.Context, bucket, prefix, region string) (*S3Sink, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	return newS3SinkWithClient(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// newS3SinkWithClient builds a S3Sink around an already-constructed client,
// letting tests inject a fake s3PutObjectAPI instead of a real *s3.Client.
func newS3SinkWithClient(client s3PutObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: prefix,
	}
}

func (s *S3Sink) Write(ts uint32, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var header [8]byte
	binary.BigEndian.PutUint32(header[0:4], ts)
	binary.BigEndian.PutUint32(header[4:8], uint32(len(frame)))
	s.buf.Write(header[:])
	s.buf.Write(frame)

	if s.buf.Len() >= s3FlushThreshold {
		return s.flushLocked(context.Background())
	}
	return nil
}

func (s *S3Sink) flushLocked(ctx context.Context) error {
	if s.buf.Len() == 0 {
		return nil
	}

	key := fmt.Sprintf("%s/%s-%06d.bin", s.prefix, time.Now().UTC().Format("20060102T150405"), s.seq)
	s.seq++

	body := bytes.NewReader(s.buf.Bytes())
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	s.buf.Reset()
	if err != nil {
		return fmt.Errorf("uploading object %s: %w", key, err)
	}
	return nil
}

func (s *S3Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(context.Background())
}
