package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"inscribe/logging"
)

const (
	downloadBufferSize = 64 << 10
	userAgent          = "inscribe/0.1"
)

// Source opens a remote image. size is -1 when unknown.
type Source interface {
	Open(ctx context.Context, rawURL string) (body io.ReadCloser, size int64, err error)
}

// StatusError is a non-2xx HTTP response.
type StatusError struct {
	URL    string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: unexpected status %d %s", e.URL, e.Status, http.StatusText(e.Status))
}

func permanent(err error) error {
	return backoff.Permanent(err)
}

type HTTPSource struct {
	Client *http.Client
}

func (s HTTPSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, 0, permanent(err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		resp.Body.Close()
		statusErr := &StatusError{URL: rawURL, Status: resp.StatusCode}
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, 0, statusErr
		}
		return nil, 0, permanent(statusErr)
	}
	return resp.Body, resp.ContentLength, nil
}

type DownloaderConfig struct {
	HTTPClient *http.Client
	// S3 overrides the S3 source; by default one is built on first use.
	S3       Source
	S3Region string

	MaxRetries     uint64
	InitialBackoff time.Duration
	// Reserve is kept free on the destination filesystem.
	Reserve uint64
	// Progress, when set, is called at the start of each attempt with the
	// expected size and returns a writer that receives every byte read.
	Progress func(total int64) io.Writer
}

// Downloader fetches images over HTTP(S) or from S3 into a local file while
// computing their sha256.
type Downloader struct {
	cfg    DownloaderConfig
	http   Source
	s3Once sync.Once
	s3     Source
	s3Err  error
}

func NewDownloader(cfg DownloaderConfig) *Downloader {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	return &Downloader{
		cfg:  cfg,
		http: HTTPSource{Client: cfg.HTTPClient},
		s3:   cfg.S3,
	}
}

func (d *Downloader) source(ctx context.Context, rawURL string) (Source, error) {
	switch {
	case strings.HasPrefix(rawURL, "http://"), strings.HasPrefix(rawURL, "https://"):
		return d.http, nil
	case strings.HasPrefix(rawURL, "s3://"):
		d.s3Once.Do(func() {
			if d.s3 == nil {
				d.s3, d.s3Err = NewS3Source(ctx, d.cfg.S3Region)
			}
		})
		return d.s3, d.s3Err
	default:
		return nil, fmt.Errorf("unsupported url %q", rawURL)
	}
}

// Download streams rawURL into dest and returns the lowercase hex sha256 of
// what was written. With a non-empty expected digest a mismatch returns a
// *MismatchError and leaves no file behind. Network failures and 5xx
// responses are retried.
func (d *Downloader) Download(ctx context.Context, rawURL, dest, expected string) (string, error) {
	logger := logging.GetLogger(ctx).WithFields(logrus.Fields{
		"url":        rawURL,
		"local_path": dest,
	})

	src, err := d.source(ctx, rawURL)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", fmt.Errorf("failed to create parent directory: %w", err)
	}

	var checksum string
	attempt := 0
	op := func() error {
		attempt++
		sum, err := d.fetch(ctx, src, rawURL, dest)
		if err != nil {
			return err
		}
		checksum = sum
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = d.cfg.InitialBackoff
	notify := func(err error, wait time.Duration) {
		logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"wait":    wait,
		}).Warn("download failed, retrying")
	}

	logger.Info("starting download")
	err = backoff.RetryNotify(op, backoff.WithContext(backoff.WithMaxRetries(policy, d.cfg.MaxRetries), ctx), notify)
	if err != nil {
		return "", err
	}

	if err := CompareDigest(expected, checksum); err != nil {
		os.Remove(dest)
		return "", err
	}

	logger.WithField("sha256", checksum).Info("download completed")
	return checksum, nil
}

func (d *Downloader) fetch(ctx context.Context, src Source, rawURL, dest string) (string, error) {
	body, size, err := src.Open(ctx, rawURL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	if size > 0 {
		if err := EnsureSpace(filepath.Dir(dest), uint64(size), d.cfg.Reserve); err != nil {
			return "", permanent(err)
		}
	}

	tmpPath := dest + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", permanent(fmt.Errorf("failed to create temporary file: %w", err))
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	writers := []io.Writer{tmpFile, hasher}
	if d.cfg.Progress != nil {
		if w := d.cfg.Progress(size); w != nil {
			writers = append(writers, w)
		}
	}

	buf := make([]byte, downloadBufferSize)
	written, err := io.CopyBuffer(io.MultiWriter(writers...), body, buf)
	if err != nil {
		var pathErr *os.PathError
		if errors.As(err, &pathErr) {
			return "", permanent(fmt.Errorf("failed to write download: %w", err))
		}
		return "", fmt.Errorf("failed to download object: %w", err)
	}
	if size > 0 && written != size {
		return "", fmt.Errorf("short download: got %d of %d bytes", written, size)
	}

	if err := tmpFile.Sync(); err != nil {
		return "", permanent(fmt.Errorf("failed to sync file: %w", err))
	}
	if err := tmpFile.Close(); err != nil {
		return "", permanent(fmt.Errorf("failed to close file: %w", err))
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", permanent(fmt.Errorf("failed to move file to final location: %w", err))
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
