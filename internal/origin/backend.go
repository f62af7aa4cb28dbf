// Package origin implements the S3-compatible backend the HTTP pipeline
// calls on a cache miss.
package origin

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	cerrors "github.com/objectfs/s3cacheproxy/pkg/errors"
	"github.com/objectfs/s3cacheproxy/pkg/retry"
	"github.com/objectfs/s3cacheproxy/pkg/types"
)

// Backend implements types.Backend against a real S3-compatible bucket.
type Backend struct {
	bucket    string
	region    string
	endpoint  string
	pathStyle bool

	pool *ConnectionPool

	config *Config
	retry  *retry.Retryer
	logger *slog.Logger

	mu      sync.RWMutex
	metrics BackendMetrics
}

// Config configures the origin backend.
type Config struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	ForcePathStyle  bool   `yaml:"force_path_style"`
	MaxRetries      int    `yaml:"max_retries"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	PoolSize       int           `yaml:"pool_size"`

	UseAccelerate bool `yaml:"use_accelerate"`
	UseDualStack  bool `yaml:"use_dual_stack"`
}

// BackendMetrics tracks origin request volume independent of the
// Prometheus collector, for the admin stats surface.
type BackendMetrics struct {
	Requests        int64         `json:"requests"`
	Errors          int64         `json:"errors"`
	BytesDownloaded int64         `json:"bytes_downloaded"`
	AverageLatency  time.Duration `json:"average_latency"`
	LastError       string        `json:"last_error"`
	LastErrorTime   time.Time     `json:"last_error_time"`
}

// NewBackend creates an origin backend for bucket.
func NewBackend(ctx context.Context, bucket string, cfg *Config) (*Backend, error) {
	if bucket == "" {
		return nil, fmt.Errorf("bucket name cannot be empty")
	}
	if cfg == nil {
		cfg = &Config{
			MaxRetries:     3,
			ConnectTimeout: 10 * time.Second,
			RequestTimeout: 30 * time.Second,
			PoolSize:       8,
		}
	}

	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(cfg.Region),
		config.WithRetryMaxAttempts(cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	newClient := func() (*s3.Client, error) {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}
			if cfg.UseAccelerate {
				o.UseAccelerate = true
			}
			if cfg.UseDualStack {
				o.UseDualstack = true
			}
		}), nil
	}

	pool, err := NewConnectionPool(cfg.PoolSize, newClient)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = cfg.MaxRetries
	if retryCfg.MaxAttempts <= 0 {
		retryCfg.MaxAttempts = 3
	}

	backend := &Backend{
		bucket:    bucket,
		region:    cfg.Region,
		endpoint:  cfg.Endpoint,
		pathStyle: cfg.ForcePathStyle,
		pool:      pool,
		config:    cfg,
		retry:     retry.New(retryCfg),
		logger:    slog.Default().With("component", "origin", "bucket", bucket),
	}

	if err := backend.HealthCheck(ctx); err != nil {
		return nil, fmt.Errorf("origin health check failed: %w", err)
	}

	return backend, nil
}

// GetObject retrieves an object, or a byte range of one, from the origin.
// Transient failures are retried with exponential backoff.
func (b *Backend) GetObject(ctx context.Context, key string, offset, size int64) ([]byte, error) {
	start := time.Now()
	var data []byte

	err := b.retry.DoWithContext(ctx, func(ctx context.Context) error {
		var rangeHeader *string
		if offset > 0 || size > 0 {
			if size > 0 {
				rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))
			} else {
				rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", offset))
			}
		}

		client := b.pool.Get()
		if client == nil {
			return fmt.Errorf("origin: no connection available")
		}
		defer b.pool.Put(client)

		result, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Range:  rangeHeader,
		})
		if err != nil {
			b.recordError(err)
			return b.translateError(err, "GetObject", key)
		}
		defer result.Body.Close()

		body, err := io.ReadAll(result.Body)
		if err != nil {
			b.recordError(err)
			return fmt.Errorf("failed to read object body: %w", err)
		}
		data = body
		return nil
	})

	b.recordMetrics(time.Since(start))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.metrics.BytesDownloaded += int64(len(data))
	b.mu.Unlock()
	return data, nil
}

// streamCopyBufferBytes sizes the buffer StreamObject relays the object
// body through, so a large object is never held in memory at once.
const streamCopyBufferBytes = 256 << 10

// StreamObject relays an object (or, with rangeHeader set, a byte range of
// one) directly from the origin into w without buffering the body in
// memory. rangeHeader is forwarded to the origin verbatim; pass "" for
// the full object. onHeaders is invoked with the object's metadata once
// it is known, before any body bytes are written to w, so the caller can
// set response headers and the status line ahead of the streamed body.
// Only the request setup is retried on a transient failure — once bytes
// start flowing into w a retry would duplicate them, so the copy itself
// runs outside the retry loop.
func (b *Backend) StreamObject(ctx context.Context, key, rangeHeader string, w io.Writer, onHeaders func(*types.ObjectInfo)) error {
	var body io.ReadCloser
	var info *types.ObjectInfo

	err := b.retry.DoWithContext(ctx, func(ctx context.Context) error {
		var rng *string
		if rangeHeader != "" {
			rng = aws.String(rangeHeader)
		}

		client := b.pool.Get()
		if client == nil {
			return fmt.Errorf("origin: no connection available")
		}
		defer b.pool.Put(client)

		result, err := client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
			Range:  rng,
		})
		if err != nil {
			b.recordError(err)
			return b.translateError(err, "GetObject", key)
		}

		body = result.Body
		info = &types.ObjectInfo{
			Key:         key,
			Size:        aws.ToInt64(result.ContentLength),
			ETag:        aws.ToString(result.ETag),
			ContentType: aws.ToString(result.ContentType),
		}
		return nil
	})
	if err != nil {
		return err
	}
	defer body.Close()

	onHeaders(info)

	buf := make([]byte, streamCopyBufferBytes)
	n, copyErr := io.CopyBuffer(w, body, buf)

	b.mu.Lock()
	b.metrics.BytesDownloaded += n
	b.mu.Unlock()

	if copyErr != nil {
		b.recordError(copyErr)
		return fmt.Errorf("stream object body for %s: %w", key, copyErr)
	}
	return nil
}

// HeadObject retrieves metadata about an object without its body.
func (b *Backend) HeadObject(ctx context.Context, key string) (*types.ObjectInfo, error) {
	start := time.Now()
	var info *types.ObjectInfo

	err := b.retry.DoWithContext(ctx, func(ctx context.Context) error {
		client := b.pool.Get()
		if client == nil {
			return fmt.Errorf("origin: no connection available")
		}
		defer b.pool.Put(client)

		result, err := client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(b.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			b.recordError(err)
			return b.translateError(err, "HeadObject", key)
		}

		meta := make(map[string]string, len(result.Metadata))
		for k, v := range result.Metadata {
			meta[k] = v
		}
		info = &types.ObjectInfo{
			Key:          key,
			Size:         aws.ToInt64(result.ContentLength),
			LastModified: aws.ToTime(result.LastModified),
			ETag:         aws.ToString(result.ETag),
			ContentType:  aws.ToString(result.ContentType),
			Metadata:     meta,
		}
		return nil
	})

	b.recordMetrics(time.Since(start))
	if err != nil {
		return nil, err
	}
	return info, nil
}

// HealthCheck verifies the backend can reach the bucket.
func (b *Backend) HealthCheck(ctx context.Context) error {
	client := b.pool.Get()
	if client == nil {
		return fmt.Errorf("origin: no connection available")
	}
	defer b.pool.Put(client)

	if _, err := client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.bucket)}); err != nil {
		return fmt.Errorf("origin health check failed: %w", err)
	}
	return nil
}

// Metrics returns a snapshot of request counters.
func (b *Backend) Metrics() BackendMetrics {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metrics
}

// Close releases pooled connections.
func (b *Backend) Close() error {
	return b.pool.Close()
}

func (b *Backend) recordMetrics(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Requests++
	if b.metrics.Requests == 1 {
		b.metrics.AverageLatency = d
	} else {
		b.metrics.AverageLatency = time.Duration((int64(b.metrics.AverageLatency)*9 + int64(d)) / 10)
	}
}

func (b *Backend) recordError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.metrics.Errors++
	b.metrics.LastError = err.Error()
	b.metrics.LastErrorTime = time.Now()
}

func (b *Backend) translateError(err error, operation, key string) error {
	switch {
	case isErrorType[*s3types.NoSuchKey](err):
		return cerrors.New(cerrors.ErrCodeObjectNotFound, "object not found").
			WithComponent("origin").WithOperation(operation).WithContext("key", key).WithCause(err)
	case isErrorType[*s3types.NoSuchBucket](err):
		return cerrors.New(cerrors.ErrCodeBucketNotFound, "bucket not found").
			WithComponent("origin").WithOperation(operation).WithContext("bucket", b.bucket).WithCause(err)
	default:
		return cerrors.New(cerrors.ErrCodeOriginRead, fmt.Sprintf("%s failed", operation)).
			WithComponent("origin").WithOperation(operation).WithContext("key", key).WithCause(err)
	}
}

func isErrorType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
