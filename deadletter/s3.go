// Package deadletter provides DeadLetterSink implementations for envelopes
// that permanently fail decoding or application: an S3 archive for
// production and a structured-log sink for local runs and tests.
package deadletter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config for the S3 (or minio) endpoint holding the dead-letter archive.
type Config struct {
	// "http://127.0.0.1:9000"
	HostEndpointUrl string
	// "us-east-1"
	Region   string
	Username string
	Password string
	Bucket   string
}

// Connect to the S3 server endpoint.
func Connect(config Config) *s3.Client {
	client := s3.NewFromConfig(aws.Config{Region: config.Region}, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(config.HostEndpointUrl)
		o.Credentials = credentials.NewStaticCredentialsProvider(config.Username, config.Password, "")
	})
	return client
}

// entry is the archived JSON shape.
type entry struct {
	Topic      string    `json:"topic"`
	Partition  int32     `json:"partition"`
	Offset     int64     `json:"offset"`
	Key        string    `json:"key"`
	Value      string    `json:"value"`
	Cause      string    `json:"cause"`
	ArchivedAt time.Time `json:"archived_at"`
}

// S3Sink archives failed envelopes under dlq/{topic}/{partition}/{offset}.json.
type S3Sink struct {
	client *s3.Client
	bucket string
}

// NewS3Sink builds an S3Sink writing to the given bucket.
func NewS3Sink(client *s3.Client, bucket string) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
	}
}

// Send archives one failed envelope. The object key is deterministic so
// redelivered fatals overwrite rather than duplicate.
func (s *S3Sink) Send(ctx context.Context, topic string, partition int32, offset int64, key, value []byte, cause error) error {
	e := entry{
		Topic:      topic,
		Partition:  partition,
		Offset:     offset,
		Key:        string(key),
		Value:      string(value),
		ArchivedAt: time.Now().UTC(),
	}
	if cause != nil {
		e.Cause = cause.Error()
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling dead letter: %w", err)
	}
	objectKey := fmt.Sprintf("dlq/%s/%d/%d.json", topic, partition, offset)
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
		Body:   bytes.NewReader(payload),
	})
	if err != nil {
		return fmt.Errorf("archiving dead letter %s: %w", objectKey, err)
	}
	return nil
}
