// Package s3store implements a content-addressed ContentStore on Amazon S3.
//
// Object keys are the hex SHA-256 of the blob, so uploads are idempotent and
// a fetched blob can be verified against its CID.
package s3store

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/calque-health/medvault"
)

// s3Client interface for the S3 operations we use (allows mocking)
type s3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Store implements medvault.ContentStore backed by an S3 bucket.
type Store struct {
	client s3Client
	bucket string
	prefix string
}

// Config holds configuration for the S3 content store.
type Config struct {
	// Bucket is the S3 bucket holding encrypted blobs (required).
	Bucket string

	// Prefix is an optional key prefix, e.g. "records/".
	Prefix string

	// Region is the AWS region. If empty, uses AWS_REGION or the AWS
	// config file.
	Region string

	// AWSConfig is an optional pre-configured AWS config.
	// If provided, Region is ignored.
	AWSConfig *aws.Config
}

// New creates an S3-backed content store.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: bucket cannot be empty", medvault.ErrInvalidConfiguration)
	}

	var awsConfig aws.Config
	var err error
	if cfg.AWSConfig != nil {
		awsConfig = *cfg.AWSConfig
	} else {
		opts := []func(*config.LoadOptions) error{}
		if cfg.Region != "" {
			opts = append(opts, config.WithRegion(cfg.Region))
		}
		awsConfig, err = config.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to load AWS config: %w", medvault.ErrBackendUnavailable, err)
		}
	}

	return &Store{
		client: s3.NewFromConfig(awsConfig),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// NewWithClient creates a store around an existing S3 client. Used in tests.
func NewWithClient(client s3Client, bucket, prefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: prefix}
}

// Upload stores a blob and returns its CID (hex SHA-256 of the content).
// Re-uploading the same bytes overwrites the same object, so the call is
// idempotent.
func (s *Store) Upload(ctx context.Context, data []byte) (string, error) {
	sum := sha256.Sum256(data)
	cid := hex.EncodeToString(sum[:])

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(cid)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to upload blob to s3://%s: %w", medvault.ErrBackendUnavailable, s.bucket, err)
	}

	return cid, nil
}

// Fetch retrieves a blob by CID and verifies its digest before returning.
func (s *Store) Fetch(ctx context.Context, cid string) ([]byte, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(cid)),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch blob %s: %w", medvault.ErrBackendUnavailable, cid, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read blob %s: %w", medvault.ErrBackendUnavailable, cid, err)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != cid {
		return nil, fmt.Errorf("%w: blob %s failed digest verification", medvault.ErrAuthenticationFailed, cid)
	}

	return data, nil
}

// Unpin deletes the object for a CID. S3 deletes are idempotent, so a
// missing object is not an error.
func (s *Store) Unpin(ctx context.Context, cid string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(cid)),
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete blob %s: %w", medvault.ErrBackendUnavailable, cid, err)
	}
	return nil
}

func (s *Store) objectKey(cid string) string {
	if s.prefix == "" {
		return cid
	}
	return path.Join(s.prefix, cid)
}
