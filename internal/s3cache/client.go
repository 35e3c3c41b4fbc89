// Package s3cache provides the optional far/edge cache layer (L3) backed by
// an S3-compatible object store. The layer is read-fallback and write-seldom:
// the engine consults it only after L1 and L2 miss, and writes to it only
// through promotion or explicit layer targeting.
//
// A nil *Client is a valid no-op layer: every read reports not-found and
// every write is skipped. This keeps the engine's call sites free of
// "is L3 configured" branching.
package s3cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Client is the far-cache layer over an S3-compatible object store
type Client struct {
	s3        S3API
	bucket    string
	keyPrefix string
	timeout   time.Duration
}

// S3API is the subset of the S3 client the far cache uses.
// Narrowed for testability.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	HeadBucket(ctx context.Context, params *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// Config holds far-cache connection settings
type Config struct {
	Bucket          string        `json:"bucket"`
	Region          string        `json:"region"`
	Endpoint        string        `json:"endpoint"`
	ForcePathStyle  bool          `json:"force_path_style"`
	AccessKeyID     string        `json:"access_key_id"`
	SecretAccessKey string        `json:"secret_access_key"`
	KeyPrefix       string        `json:"key_prefix"`
	RequestTimeout  time.Duration `json:"request_timeout"`
}

// NewClient builds a far-cache client. Returns (nil, nil) when no bucket is
// configured: the nil client is the disabled layer.
func NewClient(ctx context.Context, cfg *Config) (*Client, error) {
	if cfg == nil || cfg.Bucket == "" {
		return nil, nil
	}

	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 10 * time.Second
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})

	return &Client{
		s3:        client,
		bucket:    cfg.Bucket,
		keyPrefix: cfg.KeyPrefix,
		timeout:   cfg.RequestTimeout,
	}, nil
}

// NewClientWithAPI builds a far-cache client around an existing S3 API.
// Used by tests to substitute a fake.
func NewClientWithAPI(api S3API, bucket, keyPrefix string) *Client {
	return &Client{
		s3:        api,
		bucket:    bucket,
		keyPrefix: keyPrefix,
		timeout:   10 * time.Second,
	}
}

// Enabled reports whether the far cache is configured
func (c *Client) Enabled() bool {
	return c != nil
}

// GetObject retrieves the raw payload for a logical key.
// Returns (nil, false, nil) when the layer is disabled or the key is absent.
func (c *Client) GetObject(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil {
		return nil, false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := c.s3.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get object %q: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read object %q: %w", key, err)
	}
	return data, true, nil
}

// PutObject stores a raw payload under a logical key. Physical expiry is
// delegated to the bucket's lifecycle rules; the envelope carries its own TTL.
func (c *Client) PutObject(ctx context.Context, key string, data []byte) error {
	if c == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to put object %q: %w", key, err)
	}
	return nil
}

// DeleteObject removes a logical key from the far cache
func (c *Client) DeleteObject(ctx context.Context, key string) error {
	if c == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(c.objectKey(key)),
	})
	if err != nil {
		return fmt.Errorf("failed to delete object %q: %w", key, err)
	}
	return nil
}

// ScanKeysByPrefix lists logical keys under a prefix, paging through the
// bucket listing
func (c *Client) ScanKeysByPrefix(ctx context.Context, prefix string) ([]string, error) {
	if c == nil {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var keys []string
	var continuation *string
	for {
		out, err := c.s3.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(c.objectKey(prefix)),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list objects with prefix %q: %w", prefix, err)
		}

		for _, obj := range out.Contents {
			keys = append(keys, strings.TrimPrefix(aws.ToString(obj.Key), c.keyPrefix))
		}

		if out.NextContinuationToken == nil {
			break
		}
		continuation = out.NextContinuationToken
	}
	return keys, nil
}

// Health verifies the bucket is reachable. A disabled layer is healthy.
func (c *Client) Health(ctx context.Context) error {
	if c == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.s3.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(c.bucket),
	})
	if err != nil {
		return fmt.Errorf("far cache bucket unreachable: %w", err)
	}
	return nil
}

// objectKey maps a logical key to its object key in the bucket
func (c *Client) objectKey(key string) string {
	return c.keyPrefix + key
}

// isNotFound reports whether an S3 error means the object does not exist
func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *s3types.NotFound
	return errors.As(err, &notFound)
}
