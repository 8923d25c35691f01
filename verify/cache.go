package verify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"inscribe/logging"
)

var ErrInsufficientSpace = errors.New("insufficient disk space")

// FreeSpace returns the bytes available to an unprivileged user on the
// filesystem holding dir.
func FreeSpace(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space: %w", err)
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// EnsureSpace fails with ErrInsufficientSpace when dir cannot hold need bytes
// plus reserve.
func EnsureSpace(dir string, need, reserve uint64) error {
	available, err := FreeSpace(dir)
	if err != nil {
		return err
	}
	if available < need+reserve {
		return fmt.Errorf("%w: have %d bytes, need %d bytes", ErrInsufficientSpace, available, need+reserve)
	}
	return nil
}

// Cache is the directory downloaded images are kept in.
type Cache struct {
	Dir     string
	Reserve uint64
}

func NewCache(dir string) *Cache {
	return &Cache{Dir: dir, Reserve: 256 << 20}
}

func (c *Cache) Prepare() error {
	if err := os.MkdirAll(c.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create cache directory %s: %w", c.Dir, err)
	}
	return nil
}

// Path maps a source URL to a stable file name inside the cache.
func (c *Cache) Path(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	prefix := hex.EncodeToString(sum[:6])

	base := ""
	if u, err := url.Parse(rawURL); err == nil {
		base = path.Base(u.Path)
	}
	if base == "" || base == "." || base == "/" {
		base = "download"
	}
	return filepath.Join(c.Dir, prefix+"-"+base)
}

// Cleanup removes partial downloads older than maxAge and returns how many
// were removed.
func (c *Cache) Cleanup(ctx context.Context, maxAge time.Duration) (int, error) {
	logger := logging.GetLogger(ctx).WithField("component", "cache")

	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read cache directory: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	cleaned := 0

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".tmp") {
			continue
		}
		filePath := filepath.Join(c.Dir, entry.Name())

		info, err := entry.Info()
		if err != nil {
			logger.WithError(err).WithField("file", filePath).Warn("failed to get file info")
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		if err := os.Remove(filePath); err != nil {
			logger.WithError(err).WithField("file", filePath).Warn("failed to remove stale download")
			continue
		}
		cleaned++
		logger.WithField("file", filePath).Debug("removed stale download")
	}

	if cleaned > 0 {
		logger.WithFields(logrus.Fields{"files_cleaned": cleaned}).Info("cleaned up stale downloads")
	}
	return cleaned, nil
}
