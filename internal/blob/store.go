// Package blob resolves document storage paths to readable bytes. Paths come
// in four shapes: s3://bucket/key (presigned GET against an S3-compatible
// store), http:// and https:// (already fetchable), file:// and bare paths
// (local filesystem, dev and tests). Presigned URLs are cached below their
// expiry so a batch of jobs reuses one credential.
package blob

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-resty/resty/v2"

	"github.com/spherical-ai/docpipe/internal/cache"
	"github.com/spherical-ai/docpipe/internal/config"
	"github.com/spherical-ai/docpipe/internal/observability"
)

// ErrNoS3 indicates an s3:// path was seen but no S3 store is configured.
var ErrNoS3 = errors.New("s3 storage not configured")

// ErrBadPath indicates a storage path that cannot be parsed.
var ErrBadPath = errors.New("malformed storage path")

// Store resolves storage paths for documents. One Store handles every path
// scheme so documents migrated between backends keep working.
type Store struct {
	presigner *s3.PresignClient
	bucket    string
	urlTTL    time.Duration
	localRoot string
	cache     cache.Client
	httpc     *resty.Client
	logger    *observability.Logger
}

// New creates a Store from blob configuration. The S3 client is only built
// when the provider is s3 or a bucket is configured; local and http paths
// work either way. cacheClient may be nil (presigning then happens per call).
func New(cfg config.BlobConfig, downloadTimeout time.Duration, cacheClient cache.Client, logger *observability.Logger) (*Store, error) {
	if logger == nil {
		logger = observability.Nop()
	}

	if downloadTimeout <= 0 {
		downloadTimeout = 60 * time.Second
	}
	httpc := resty.New()
	httpc.SetTimeout(downloadTimeout)

	s := &Store{
		bucket:    cfg.S3.Bucket,
		urlTTL:    cfg.SignedURLTTL,
		localRoot: cfg.Local.Root,
		cache:     cacheClient,
		httpc:     httpc,
		logger:    logger.WithComponent("blob"),
	}
	if s.urlTTL <= 0 {
		s.urlTTL = 15 * time.Minute
	}

	if cfg.Provider == "s3" || cfg.S3.Bucket != "" {
		client, err := newS3Client(cfg.S3)
		if err != nil {
			return nil, err
		}
		s.presigner = s3.NewPresignClient(client)
	}

	return s, nil
}

func newS3Client(cfg config.S3Config) (*s3.Client, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})
	return client, nil
}

// SignedURL resolves a storage path to a URL that is fetchable without
// further credentials until the signing TTL passes. http(s) paths pass
// through unchanged; file paths come back as file URLs.
func (s *Store) SignedURL(ctx context.Context, storagePath string) (string, error) {
	switch {
	case storagePath == "":
		return "", ErrBadPath
	case strings.HasPrefix(storagePath, "http://"), strings.HasPrefix(storagePath, "https://"):
		return storagePath, nil
	case strings.HasPrefix(storagePath, "file://"):
		return storagePath, nil
	case strings.HasPrefix(storagePath, "s3://"):
		bucket, key, err := parseS3Path(storagePath)
		if err != nil {
			return "", err
		}
		return s.presign(ctx, storagePath, bucket, key)
	default:
		// Bare path: an object key when S3 is configured, a local file
		// otherwise.
		if s.presigner != nil && s.bucket != "" {
			return s.presign(ctx, storagePath, s.bucket, strings.TrimPrefix(storagePath, "/"))
		}
		return "file://" + s.localPath(storagePath), nil
	}
}

// Download fetches the full document bytes behind a storage path.
func (s *Store) Download(ctx context.Context, storagePath string) ([]byte, error) {
	url, err := s.SignedURL(ctx, storagePath)
	if err != nil {
		return nil, err
	}

	if strings.HasPrefix(url, "file://") {
		data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
		if err != nil {
			return nil, fmt.Errorf("read local document: %w", err)
		}
		return data, nil
	}

	resp, err := s.httpc.R().SetContext(ctx).Get(url)
	if err != nil {
		return nil, fmt.Errorf("download document: %w", err)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() >= 300 {
		return nil, fmt.Errorf("download document: HTTP %d", resp.StatusCode())
	}
	return resp.Body(), nil
}

// presign returns a cached presigned GET URL for the object, signing a fresh
// one when the cache has none. Cached entries expire well before the
// signature does so a consumer never receives a nearly-dead URL.
func (s *Store) presign(ctx context.Context, storagePath, bucket, key string) (string, error) {
	if s.presigner == nil {
		return "", ErrNoS3
	}

	cacheKey := cache.SignedURLKey(storagePath)
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, cacheKey); err == nil {
			return string(cached), nil
		}
	}

	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.urlTTL))
	if err != nil {
		return "", fmt.Errorf("presign get object: %w", err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, []byte(req.URL), s.cacheTTL()); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache signed URL")
		}
	}

	return req.URL, nil
}

func (s *Store) cacheTTL() time.Duration {
	if s.urlTTL > 4*time.Minute {
		return s.urlTTL - 2*time.Minute
	}
	return s.urlTTL / 2
}

func (s *Store) localPath(p string) string {
	if filepath.IsAbs(p) || s.localRoot == "" {
		return p
	}
	return filepath.Join(s.localRoot, p)
}

// parseS3Path splits s3://bucket/key into its parts.
func parseS3Path(p string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(p, "s3://")
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", fmt.Errorf("%w: %s", ErrBadPath, p)
	}
	return rest[:idx], rest[idx+1:], nil
}
