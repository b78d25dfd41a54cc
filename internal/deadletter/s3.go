package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// PutObjectAPI is the slice of the S3 client the sink needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink writes each entry as one JSON object under
// <prefix>/<yyyy>/<mm>/<dd>/<event type>/<entry id>.json.
type S3Sink struct {
	client PutObjectAPI
	bucket string
	prefix string
}

// S3SinkOption configures an S3Sink.
type S3SinkOption func(*S3Sink)

// WithPrefix sets the key prefix. The default is "dead-letter".
func WithPrefix(prefix string) S3SinkOption {
	return func(s *S3Sink) {
		s.prefix = prefix
	}
}

// NewS3Sink creates a sink writing to bucket.
func NewS3Sink(client PutObjectAPI, bucket string, opts ...S3SinkOption) (*S3Sink, error) {
	if bucket == "" {
		return nil, fmt.Errorf("deadletter: s3 bucket is required")
	}
	s := &S3Sink{client: client, bucket: bucket, prefix: "dead-letter"}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Key returns the object key for e.
func (s *S3Sink) Key(e Entry) string {
	eventType := e.EventType
	if eventType == "" {
		eventType = "unknown"
	}
	return path.Join(s.prefix, e.WrittenAt.UTC().Format("2006/01/02"), eventType, e.ID+".json")
}

// Write implements Sink.
func (s *S3Sink) Write(ctx context.Context, e Entry) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	key := s.Key(e)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
		Metadata: map[string]string{
			"event-id":   e.EventID,
			"error-kind": e.ErrorKind,
		},
	})
	if err != nil {
		return fmt.Errorf("put dead letter s3://%s/%s: %w", s.bucket, key, err)
	}
	return nil
}

var _ Sink = (*S3Sink)(nil)
