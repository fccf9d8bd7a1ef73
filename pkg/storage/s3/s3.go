// Package s3 reads model files from and writes converted files to AWS S3 or
// S3-compatible object stores.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config holds S3 client configuration.
type Config struct {
	// Region is the AWS region (e.g., "us-east-1")
	Region string `yaml:"region"`

	// Endpoint overrides the default S3 endpoint (for S3-compatible services)
	Endpoint string `yaml:"endpoint"`

	// UsePathStyle forces path-style addressing (for MinIO, LocalStack)
	UsePathStyle bool `yaml:"use_path_style"`

	// Credentials (optional - uses default chain if not provided)
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	OperationTimeout time.Duration `yaml:"operation_timeout"`
	UploadTimeout    time.Duration `yaml:"upload_timeout"`
	DownloadTimeout  time.Duration `yaml:"download_timeout"`

	// PartSize is the multipart chunk size in bytes (minimum 5MB on AWS).
	PartSize int64 `yaml:"part_size"`
}

// DefaultConfig returns sensible defaults for S3 configuration.
func DefaultConfig(region string) Config {
	return Config{
		Region:           region,
		OperationTimeout: 30 * time.Second,
		UploadTimeout:    5 * time.Minute,
		DownloadTimeout:  5 * time.Minute,
		PartSize:         5 * 1024 * 1024, // 5MB
	}
}

// Client provides S3 operations for one bucket.
type Client struct {
	bucket string
	cfg    Config
	client *s3.Client
}

// NewClient creates a new S3 client bound to bucket.
func NewClient(ctx context.Context, bucket string, cfg Config) (*Client, error) {
	var opts []func(*config.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}

	// Use explicit credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(
				cfg.AccessKeyID,
				cfg.SecretAccessKey,
				cfg.SessionToken,
			),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	if cfg.PartSize <= 0 {
		cfg.PartSize = DefaultConfig("").PartSize
	}

	return &Client{
		bucket: bucket,
		cfg:    cfg,
		client: s3.NewFromConfig(awsCfg, s3Opts...),
	}, nil
}

// Bucket returns the bucket name.
func (c *Client) Bucket() string {
	return c.bucket
}

// Reader returns a reader for the given key together with its size.
func (c *Client) Reader(ctx context.Context, key string) (io.ReadCloser, int64, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.DownloadTimeout)

	output, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		cancel()
		return nil, 0, fmt.Errorf("failed to get object %s/%s: %w", c.bucket, key, err)
	}

	return &cancelOnCloseReader{
		ReadCloser: output.Body,
		cancel:     cancel,
	}, aws.ToInt64(output.ContentLength), nil
}

type cancelOnCloseReader struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *cancelOnCloseReader) Close() error {
	r.cancel()
	return r.ReadCloser.Close()
}

// Writer returns a writer uploading to key. Data is sent as a single PUT for
// small files and as a multipart upload once PartSize is exceeded. Nothing
// becomes visible until Close succeeds.
func (c *Client) Writer(ctx context.Context, key, contentType string) io.WriteCloser {
	return &upload{
		ctx:         ctx,
		client:      c.client,
		bucket:      c.bucket,
		key:         key,
		cfg:         c.cfg,
		contentType: contentType,
		buf:         make([]byte, 0, c.cfg.PartSize),
	}
}

// upload buffers writes into parts of PartSize bytes.
type upload struct {
	ctx         context.Context
	client      *s3.Client
	bucket      string
	key         string
	cfg         Config
	contentType string

	mu       sync.Mutex
	buf      []byte
	parts    []types.CompletedPart
	uploadID string
	partNum  int32
	closed   bool
	done     bool
	err      error
}

func (w *upload) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}
	if w.err != nil {
		return 0, w.err
	}

	w.buf = append(w.buf, p...)

	for int64(len(w.buf)) >= w.cfg.PartSize {
		if err := w.uploadPartLocked(w.buf[:w.cfg.PartSize]); err != nil {
			w.err = err
			return len(p), err
		}
		w.buf = w.buf[w.cfg.PartSize:]
	}

	return len(p), nil
}

func (w *upload) uploadPartLocked(data []byte) error {
	ctx, cancel := withTimeout(w.ctx, w.cfg.UploadTimeout)
	defer cancel()

	if w.uploadID == "" {
		output, err := w.client.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(w.key),
			ContentType: aws.String(w.contentType),
		})
		if err != nil {
			return fmt.Errorf("failed to create multipart upload: %w", err)
		}
		w.uploadID = aws.ToString(output.UploadId)
	}

	w.partNum++
	output, err := w.client.UploadPart(ctx, &s3.UploadPartInput{
		Bucket:     aws.String(w.bucket),
		Key:        aws.String(w.key),
		UploadId:   aws.String(w.uploadID),
		PartNumber: aws.Int32(w.partNum),
		Body:       bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to upload part %d: %w", w.partNum, err)
	}

	w.parts = append(w.parts, types.CompletedPart{
		ETag:       output.ETag,
		PartNumber: aws.Int32(w.partNum),
	})
	return nil
}

func (w *upload) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.err != nil {
		w.abortLocked()
		return w.err
	}

	ctx, cancel := withTimeout(w.ctx, w.cfg.UploadTimeout)
	defer cancel()

	// below PartSize: single PUT
	if w.uploadID == "" {
		_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(w.bucket),
			Key:         aws.String(w.key),
			Body:        bytes.NewReader(w.buf),
			ContentType: aws.String(w.contentType),
		})
		w.done = err == nil
		return err
	}

	if len(w.buf) > 0 {
		if err := w.uploadPartLocked(w.buf); err != nil {
			w.abortLocked()
			return fmt.Errorf("failed to upload final part: %w", err)
		}
	}

	_, err := w.client.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
		MultipartUpload: &types.CompletedMultipartUpload{
			Parts: w.parts,
		},
	})
	if err != nil {
		w.abortLocked()
		return err
	}
	w.done = true
	return nil
}

// Abort drops the upload without creating the object. It fails once Close
// has completed the object.
func (w *upload) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.done {
		return ErrCompleted
	}
	if !w.closed {
		w.closed = true
		w.abortLocked()
	}
	return nil
}

// abortLocked discards uploaded parts so no half-written object lingers.
func (w *upload) abortLocked() {
	if w.uploadID == "" {
		return
	}
	ctx, cancel := withTimeout(context.Background(), w.cfg.OperationTimeout)
	defer cancel()
	_, _ = w.client.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(w.bucket),
		Key:      aws.String(w.key),
		UploadId: aws.String(w.uploadID),
	})
}

// ObjectInfo holds S3 object metadata.
type ObjectInfo struct {
	Key          string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// ErrCompleted is returned by Abort after the object was written.
var ErrCompleted = errors.New("s3: upload already completed")

// ErrNotFound is returned by Stat for missing keys.
var ErrNotFound = errors.New("s3: object not found")

// Stat returns object info for the given key.
func (c *Client) Stat(ctx context.Context, key string) (*ObjectInfo, error) {
	ctx, cancel := withTimeout(ctx, c.cfg.OperationTimeout)
	defer cancel()

	output, err := c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, c.bucket, key)
		}
		return nil, fmt.Errorf("failed to head object %s/%s: %w", c.bucket, key, err)
	}

	return &ObjectInfo{
		Key:          key,
		Size:         aws.ToInt64(output.ContentLength),
		LastModified: aws.ToTime(output.LastModified),
		ContentType:  aws.ToString(output.ContentType),
	}, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
