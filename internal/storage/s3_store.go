package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"

	"github.com/aanthord/ingest-amqp/internal/models"
	"github.com/aanthord/ingest-amqp/internal/tracing"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"go.uber.org/zap"
)

// NewS3Client builds a client for region. A non-empty endpoint points it at
// an S3-compatible server such as MinIO.
func NewS3Client(region, endpoint string) (s3iface.S3API, error) {
	cfg := &aws.Config{Region: aws.String(region)}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(true)
	}
	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return s3.New(sess), nil
}

// S3Store writes each message to <prefix>/<id>.json in the bucket.
type S3Store struct {
	client s3iface.S3API
	bucket string
	prefix string
	logger *zap.SugaredLogger
}

func NewS3Store(client s3iface.S3API, bucket, prefix string, logger *zap.SugaredLogger) *S3Store {
	return &S3Store{client: client, bucket: bucket, prefix: prefix, logger: logger}
}

func (s *S3Store) key(id string) (string, error) {
	if err := checkID(id); err != nil {
		return "", err
	}
	return path.Join(s.prefix, id+".json"), nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case "NotFound", s3.ErrCodeNoSuchKey:
		return true
	}
	return false
}

// Save checks for the object first. Two concurrent saves of one id can both
// write; the later write carries the same message.
func (s *S3Store) Save(ctx context.Context, msg *models.EnrichedMessage) (bool, error) {
	span, ctx := tracing.StartSpanFromContext(ctx, "S3Save", msg.ID)
	defer span.Finish()

	key, err := s.key(msg.ID)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return false, nil
	}
	if !isNotFound(err) {
		tracing.MarkError(span, "s3_head_error", err)
		return false, fmt.Errorf("failed to check S3 object: %w", err)
	}

	doc, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}

	_, err = s.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(doc),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		tracing.MarkError(span, "s3_upload_error", err)
		return false, fmt.Errorf("failed to upload to S3: %w", err)
	}

	span.LogKV("event", "s3_upload_success", "s3_uri", fmt.Sprintf("s3://%s/%s", s.bucket, key))
	return true, nil
}

func (s *S3Store) Get(ctx context.Context, id string) (*models.EnrichedMessage, error) {
	key, err := s.key(id)
	if err != nil {
		return nil, err
	}
	result, err := s.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if isNotFound(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file from S3: %w", err)
	}
	defer result.Body.Close()

	content, err := io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	var msg models.EnrichedMessage
	if err := json.Unmarshal(content, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored message: %w", err)
	}
	return &msg, nil
}

func (s *S3Store) Ping(ctx context.Context) error {
	_, err := s.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err != nil {
		return fmt.Errorf("failed to reach S3 bucket %s: %w", s.bucket, err)
	}
	return nil
}

func (s *S3Store) Close(ctx context.Context) error {
	return nil
}
