// Package s3 stores archived execution history in an S3 (or S3-compatible) bucket.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// ErrObjectNotFound is returned when a key does not exist in the bucket.
var ErrObjectNotFound = errors.New("s3: object not found")

// Config holds S3 connection settings for the archive bucket.
type Config struct {
	Region   string `yaml:"region" json:"region"`
	Bucket   string `yaml:"bucket" json:"bucket"`
	Prefix   string `yaml:"prefix" json:"prefix"`
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Static credentials; the default AWS chain is used when empty.
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"-"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"-"`
	SessionToken    string `yaml:"session_token,omitempty" json:"-"`

	StorageClass         string `yaml:"storage_class" json:"storage_class"`
	ServerSideEncryption string `yaml:"server_side_encryption,omitempty" json:"server_side_encryption,omitempty"`
	KMSKeyID             string `yaml:"kms_key_id,omitempty" json:"kms_key_id,omitempty"`

	// UsePathStyle is needed for MinIO and LocalStack.
	UsePathStyle     bool          `yaml:"use_path_style" json:"use_path_style"`
	RetryMaxAttempts int           `yaml:"retry_max_attempts" json:"retry_max_attempts"`
	Timeout          time.Duration `yaml:"timeout" json:"timeout"`
}

// DefaultConfig returns the archive bucket defaults.
func DefaultConfig() *Config {
	return &Config{
		Region:           "us-east-1",
		Bucket:           "automation-archive",
		Prefix:           "executions/",
		StorageClass:     "STANDARD_IA",
		RetryMaxAttempts: 3,
		Timeout:          2 * time.Minute,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Region == "" {
		return errors.New("s3: region is required")
	}
	if c.Bucket == "" {
		return errors.New("s3: bucket is required")
	}
	switch c.ServerSideEncryption {
	case "", "AES256", "aws:kms":
	default:
		return fmt.Errorf("s3: unsupported server side encryption %q", c.ServerSideEncryption)
	}
	if c.Prefix != "" && !strings.HasSuffix(c.Prefix, "/") {
		return errors.New("s3: prefix must end with /")
	}
	return nil
}

// StorageClassFor maps a configured storage class name to the SDK type.
// Unknown names fall back to STANDARD.
func StorageClassFor(name string) types.StorageClass {
	switch strings.ToUpper(name) {
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// ObjectInfo describes a listed object. Keys are relative to the configured prefix.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
}

// ObjectStore is the subset of bucket operations the archiver needs.
type ObjectStore interface {
	Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
	Delete(ctx context.Context, key string) error
}

// Client is an ObjectStore backed by the AWS SDK.
type Client struct {
	api    *s3.Client
	cfg    *Config
	logger *slog.Logger

	bytesUploaded   atomic.Int64
	bytesDownloaded atomic.Int64
	objectsUploaded atomic.Int64
	objectsDeleted  atomic.Int64
	errors          atomic.Int64
}

// NewClient builds an S3 client from cfg.
func NewClient(ctx context.Context, cfg *Config, logger *slog.Logger) (*Client, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: failed to load AWS config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	logger.Info("s3 archive client initialized",
		"bucket", cfg.Bucket,
		"region", cfg.Region,
		"prefix", cfg.Prefix,
	)

	return &Client{api: api, cfg: cfg, logger: logger}, nil
}

func (c *Client) fullKey(key string) string {
	return c.cfg.Prefix + key
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.Timeout)
}

// Put uploads body under key.
func (c *Client) Put(ctx context.Context, key string, body []byte, contentType string, metadata map[string]string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	in := &s3.PutObjectInput{
		Bucket:       aws.String(c.cfg.Bucket),
		Key:          aws.String(c.fullKey(key)),
		Body:         bytes.NewReader(body),
		StorageClass: StorageClassFor(c.cfg.StorageClass),
		Metadata:     metadata,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	switch c.cfg.ServerSideEncryption {
	case "AES256":
		in.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		in.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if c.cfg.KMSKeyID != "" {
			in.SSEKMSKeyId = aws.String(c.cfg.KMSKeyID)
		}
	}

	if _, err := c.api.PutObject(ctx, in); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("s3: failed to upload %s: %w", c.fullKey(key), err)
	}

	c.bytesUploaded.Add(int64(len(body)))
	c.objectsUploaded.Add(1)
	c.logger.Debug("uploaded object", "key", c.fullKey(key), "size", len(body))
	return nil
}

// Get downloads the object stored under key.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	out, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.fullKey(key)),
	})
	if err != nil {
		var noKey *types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to download %s: %w", c.fullKey(key), err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		c.errors.Add(1)
		return nil, fmt.Errorf("s3: failed to read %s: %w", c.fullKey(key), err)
	}
	c.bytesDownloaded.Add(int64(len(data)))
	return data, nil
}

// List returns every object under prefix, with keys relative to the configured prefix.
func (c *Client) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	paginator := s3.NewListObjectsV2Paginator(c.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(c.cfg.Bucket),
		Prefix: aws.String(c.fullKey(prefix)),
	})

	var objects []ObjectInfo
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			c.errors.Add(1)
			return nil, fmt.Errorf("s3: failed to list %s: %w", c.fullKey(prefix), err)
		}
		for _, obj := range page.Contents {
			objects = append(objects, ObjectInfo{
				Key:          strings.TrimPrefix(aws.ToString(obj.Key), c.cfg.Prefix),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	return objects, nil
}

// Delete removes key. Deleting a missing key is not an error.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.cfg.Bucket),
		Key:    aws.String(c.fullKey(key)),
	})
	if err != nil {
		c.errors.Add(1)
		return fmt.Errorf("s3: failed to delete %s: %w", c.fullKey(key), err)
	}
	c.objectsDeleted.Add(1)
	return nil
}

// HealthCheck verifies the bucket is reachable.
func (c *Client) HealthCheck(ctx context.Context) error {
	start := time.Now()
	_, err := c.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.cfg.Bucket)})
	if err != nil {
		return fmt.Errorf("s3: bucket %s unreachable: %w", c.cfg.Bucket, err)
	}
	c.logger.Debug("s3 health check", "bucket", c.cfg.Bucket, "latency", time.Since(start))
	return nil
}

// Metrics contains client counters.
type Metrics struct {
	BytesUploaded   int64
	BytesDownloaded int64
	ObjectsUploaded int64
	ObjectsDeleted  int64
	Errors          int64
}

// Metrics returns current client counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		BytesUploaded:   c.bytesUploaded.Load(),
		BytesDownloaded: c.bytesDownloaded.Load(),
		ObjectsUploaded: c.objectsUploaded.Load(),
		ObjectsDeleted:  c.objectsDeleted.Load(),
		Errors:          c.errors.Load(),
	}
}
