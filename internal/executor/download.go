package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// DefaultDownloadTimeout bounds a single package download.
const DefaultDownloadTimeout = 10 * time.Minute

// S3API is the part of the S3 client the downloader uses.
type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Config locates the object store that serves s3:// package URLs.
type S3Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
}

// NewS3Client returns an S3 client for cfg. A custom endpoint implies
// path-style addressing; empty keys mean anonymous access.
func NewS3Client(cfg S3Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := s3.Options{Region: region}
	if cfg.AccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")
	} else {
		opts.Credentials = aws.AnonymousCredentials{}
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
		opts.UsePathStyle = true
	}
	return s3.New(opts)
}

// Downloader fetches update packages to local disk.
type Downloader struct {
	http    *http.Client
	s3      S3API
	timeout time.Duration
	logger  *slog.Logger
}

// DownloaderOption configures a Downloader.
type DownloaderOption func(*Downloader)

// WithHTTPClient overrides the HTTP client used for http(s) URLs.
func WithHTTPClient(c *http.Client) DownloaderOption {
	return func(d *Downloader) { d.http = c }
}

// WithS3 enables s3:// URLs.
func WithS3(client S3API) DownloaderOption {
	return func(d *Downloader) { d.s3 = client }
}

// WithDownloadTimeout bounds each download.
func WithDownloadTimeout(t time.Duration) DownloaderOption {
	return func(d *Downloader) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// NewDownloader creates a Downloader.
func NewDownloader(logger *slog.Logger, opts ...DownloaderOption) *Downloader {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Downloader{
		http:    &http.Client{},
		timeout: DefaultDownloadTimeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Fetch writes the package at rawURL to dest and verifies its sha256 when
// checksum is non-empty. dest is removed on any failure.
func (d *Downloader) Fetch(ctx context.Context, rawURL, dest, checksum string) (n int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	u, err := url.Parse(rawURL)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDownload, err)
	}

	body, err := d.open(ctx, u)
	if err != nil {
		return 0, err
	}
	defer body.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, fmt.Errorf("creating download directory: %w", err)
	}
	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("creating %s: %w", dest, err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("closing %s: %w", dest, cerr)
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	h := sha256.New()
	n, err = io.Copy(io.MultiWriter(f, h), body)
	if err != nil {
		if isNoSpace(err) {
			return n, fmt.Errorf("writing package: %w", ErrNoSpace)
		}
		return n, fmt.Errorf("%w: %v", ErrDownload, err)
	}

	if checksum != "" {
		got := hex.EncodeToString(h.Sum(nil))
		if !strings.EqualFold(got, checksum) {
			return n, fmt.Errorf("%w: %w: expected %s, got %s", ErrDownload, ErrChecksumMismatch, checksum, got)
		}
	}

	d.logger.Info("package downloaded", "url", redact(u), "bytes", n)
	return n, nil
}

func (d *Downloader) open(ctx context.Context, u *url.URL) (io.ReadCloser, error) {
	switch u.Scheme {
	case "http", "https":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownload, err)
		}
		resp, err := d.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownload, err)
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return nil, fmt.Errorf("%w: %s returned %d", ErrDownload, redact(u), resp.StatusCode)
		}
		return resp.Body, nil

	case "s3":
		if d.s3 == nil {
			return nil, fmt.Errorf("%w: s3 storage is not configured", ErrDownload)
		}
		key := strings.TrimPrefix(u.Path, "/")
		if u.Host == "" || key == "" {
			return nil, fmt.Errorf("%w: s3 URL must be s3://bucket/key", ErrDownload)
		}
		out, err := d.s3.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(u.Host),
			Key:    aws.String(key),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownload, err)
		}
		return out.Body, nil

	case "file":
		f, err := os.Open(u.Path)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDownload, err)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
}

// redact drops credentials and query strings (presigned signatures) from logs.
func redact(u *url.URL) string {
	c := *u
	c.User = nil
	c.RawQuery = ""
	return c.String()
}
