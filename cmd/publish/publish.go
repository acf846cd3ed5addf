// Package publish uploads packaged snapshots to S3-compatible storage
package publish

import (
	"context"
	"crypto/md5" //nolint:gosec // MD5 matches the S3 ETag, not used for security
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	"github.com/aws/aws-sdk-go/service/s3/s3manager/s3manageriface"
)

var (
	ErrS3ClientNotInitialized   = errors.New("S3 client not initialized")
	ErrS3UploaderNotInitialized = errors.New("S3 uploader not initialized")
)

// multipartThreshold is the size above which uploads go through s3manager
const multipartThreshold = 100 * 1024 * 1024

// Options configures the S3 target
type Options struct {
	Endpoint     string
	Region       string
	Bucket       string
	AccessKey    string
	SecretKey    string
	PathTemplate string
}

// Result describes one upload
type Result struct {
	Key     string
	Bytes   int64
	Skipped bool
}

// Publisher uploads package archives
type Publisher struct {
	opts     Options
	client   s3iface.S3API
	uploader s3manageriface.UploaderAPI
	template *PathTemplate
	logger   *slog.Logger
}

// New creates a publisher backed by an S3 session
func New(opts Options, logger *slog.Logger) (*Publisher, error) {
	sess, err := session.NewSession(&aws.Config{
		Endpoint:         aws.String(opts.Endpoint),
		Region:           aws.String(opts.Region),
		Credentials:      credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""),
		S3ForcePathStyle: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 session: %w", err)
	}
	return NewWithClients(opts, s3.New(sess), s3manager.NewUploader(sess), logger), nil
}

// NewWithClients creates a publisher around existing clients
func NewWithClients(opts Options, client s3iface.S3API, uploader s3manageriface.UploaderAPI, logger *slog.Logger) *Publisher {
	tmpl := opts.PathTemplate
	if tmpl == "" {
		tmpl = "{dir}/{YYYY}/{MM}/{DD}"
	}
	return &Publisher{
		opts:     opts,
		client:   client,
		uploader: uploader,
		template: NewPathTemplate(tmpl),
		logger:   logger,
	}
}

// Key returns the object key for an archive
func (p *Publisher) Key(dir, archivePath string, asOf time.Time) string {
	return p.template.Generate(dir, filepath.Base(archivePath), asOf)
}

// Publish uploads archivePath unless an identical object is already present
func (p *Publisher) Publish(ctx context.Context, dir, archivePath string, asOf time.Time) (*Result, error) {
	if p.client == nil {
		return nil, ErrS3ClientNotInitialized
	}

	info, err := os.Stat(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", archivePath, err)
	}
	key := p.Key(dir, archivePath, asOf)
	res := &Result{Key: key, Bytes: info.Size()}

	if exists, size, etag := p.objectInfo(ctx, key); exists && size == info.Size() {
		etag = strings.Trim(etag, "\"")
		if !strings.Contains(etag, "-") {
			if sum, err := fileMD5(archivePath); err == nil && sum == etag {
				p.logger.Info(fmt.Sprintf("⏭️  s3://%s/%s already up to date", p.opts.Bucket, key))
				res.Skipped = true
				return res, nil
			}
		}
	}

	p.logger.Info(fmt.Sprintf("☁️  Uploading to s3://%s/%s (size: %d bytes)", p.opts.Bucket, key, info.Size()))

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", archivePath, err)
	}
	defer f.Close()

	contentType := ContentType(archivePath)
	if info.Size() > multipartThreshold {
		if p.uploader == nil {
			return nil, ErrS3UploaderNotInitialized
		}
		_, err = p.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
			Bucket:      aws.String(p.opts.Bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
	} else {
		_, err = p.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(p.opts.Bucket),
			Key:         aws.String(key),
			Body:        f,
			ContentType: aws.String(contentType),
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to upload %s: %w", key, err)
	}
	return res, nil
}

func (p *Publisher) objectInfo(ctx context.Context, key string) (bool, int64, string) {
	result, err := p.client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return false, 0, ""
	}
	return true, aws.Int64Value(result.ContentLength), aws.StringValue(result.ETag)
}

// ContentType maps an archive name to its MIME type
func ContentType(path string) string {
	switch {
	case strings.HasSuffix(path, ".zip"):
		return "application/zip"
	case strings.HasSuffix(path, ".zst"):
		return "application/zstd"
	case strings.HasSuffix(path, ".gz"):
		return "application/gzip"
	case strings.HasSuffix(path, ".lz4"):
		return "application/x-lz4"
	default:
		return "application/octet-stream"
	}
}

func fileMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New() //nolint:gosec // MD5 used for checksums, not cryptography
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
