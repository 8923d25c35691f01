package verify

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const abcDigest = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestDigest(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		data []byte
		want string
	}{
		{"abc", []byte("abc"), abcDigest},
		{"empty", nil, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Digest(writeFile(t, dir, tt.name, tt.data))
			if err != nil {
				t.Fatalf("digest failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}

	if _, err := Digest(filepath.Join(dir, "missing")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestDigestReaderLargerThanBuffer(t *testing.T) {
	data := bytes.Repeat([]byte{0x5a}, digestBufferSize*2+17)
	want := sha256.Sum256(data)

	got, err := DigestReader(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("digest failed: %v", err)
	}
	if got != hex.EncodeToString(want[:]) {
		t.Fatalf("digest differs")
	}
}

func TestCompareDigest(t *testing.T) {
	if err := CompareDigest(strings.ToUpper(abcDigest), abcDigest); err != nil {
		t.Fatalf("case should not matter: %v", err)
	}
	if err := CompareDigest("", abcDigest); err != nil {
		t.Fatalf("empty expectation should match: %v", err)
	}

	err := CompareDigest("00", abcDigest)
	var mismatch *MismatchError
	if !errors.As(err, &mismatch) || !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if mismatch.Actual != abcDigest {
		t.Fatalf("unexpected actual %s", mismatch.Actual)
	}
}

func TestSampledCompare(t *testing.T) {
	image := make([]byte, 10000)
	for i := range image {
		image[i] = byte(i * 7)
	}
	device := append(append([]byte(nil), image...), make([]byte, 5000)...)

	corrupted := append([]byte(nil), device...)
	corrupted[9999] ^= 0xff

	tests := []struct {
		name   string
		target []byte
		count  int
		size   int
		want   bool
	}{
		{"identical prefix", device, 8, 512, true},
		{"last window pulled back to end", corrupted, 8, 1300, false},
		{"corruption between windows", corrupted, 8, 512, true},
		{"zero count", corrupted, 0, 512, true},
		{"zero size", corrupted, 8, 0, true},
		{"single window", device, 1, 10000, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := SampledCompare(bytes.NewReader(image), bytes.NewReader(tt.target), int64(len(image)), tt.count, tt.size)
			if err != nil {
				t.Fatalf("compare failed: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSampledCompareEachWindow(t *testing.T) {
	const (
		total = 1_000_000
		count = 10
		size  = 4096
	)
	image := make([]byte, total)
	for i := range image {
		image[i] = byte(i * 31)
	}

	equal, err := SampledCompare(bytes.NewReader(image), bytes.NewReader(image), total, count, size)
	if err != nil || !equal {
		t.Fatalf("identical buffers: equal=%v err=%v", equal, err)
	}

	stride := total / count
	for i := 0; i < count; i++ {
		for _, within := range []int{0, size / 2, size - 1} {
			target := append([]byte(nil), image...)
			target[i*stride+within] ^= 0x01

			equal, err := SampledCompare(bytes.NewReader(image), bytes.NewReader(target), total, count, size)
			if err != nil {
				t.Fatalf("window %d: %v", i, err)
			}
			if equal {
				t.Fatalf("flip at %d inside window %d went unnoticed", i*stride+within, i)
			}
		}
	}

	target := append([]byte(nil), image...)
	target[stride/2] ^= 0x01
	equal, err = SampledCompare(bytes.NewReader(image), bytes.NewReader(target), total, count, size)
	if err != nil || !equal {
		t.Fatalf("flip between windows: equal=%v err=%v", equal, err)
	}
}

func TestSampledCompareShortTarget(t *testing.T) {
	image := bytes.Repeat([]byte{1}, 4096)
	if _, err := SampledCompare(bytes.NewReader(image), bytes.NewReader(image[:100]), 4096, 4, 512); err == nil {
		t.Fatalf("expected read error for short target")
	}
}

func TestSampledCompareFiles(t *testing.T) {
	dir := t.TempDir()
	data := bytes.Repeat([]byte("inscribe"), 4096)
	src := writeFile(t, dir, "image.iso", data)
	tgt := writeFile(t, dir, "device", append(append([]byte(nil), data...), 0, 0, 0))

	ok, err := SampledCompareFiles(src, tgt, 16, 4096)
	if err != nil {
		t.Fatalf("compare failed: %v", err)
	}
	if !ok {
		t.Fatalf("expected match")
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != userAgent {
			t.Errorf("unexpected user agent %q", r.Header.Get("User-Agent"))
		}
		io.WriteString(w, "abc")
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "images", "abc.iso")
	var seen bytes.Buffer
	d := NewDownloader(DownloaderConfig{
		Progress: func(total int64) io.Writer {
			seen.Reset()
			return &seen
		},
	})

	sum, err := d.Download(context.Background(), srv.URL+"/abc.iso", dest, strings.ToUpper(abcDigest))
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if sum != abcDigest {
		t.Fatalf("unexpected digest %s", sum)
	}
	if data, err := os.ReadFile(dest); err != nil || string(data) != "abc" {
		t.Fatalf("unexpected file contents %q: %v", data, err)
	}
	if seen.String() != "abc" {
		t.Fatalf("progress writer saw %q", seen.String())
	}
	if _, err := os.Stat(dest + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary file left behind")
	}
}

func TestDownloadMismatchRemovesFile(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "abc")
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "abc.iso")
	_, err := NewDownloader(DownloaderConfig{}).Download(context.Background(), srv.URL, dest, "deadbeef")
	if !errors.Is(err, ErrMismatch) {
		t.Fatalf("expected mismatch, got %v", err)
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Fatalf("mismatched download left behind")
	}
}

func TestDownloadRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		io.WriteString(w, "abc")
	}))
	defer srv.Close()

	d := NewDownloader(DownloaderConfig{InitialBackoff: time.Millisecond})
	sum, err := d.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"), "")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if sum != abcDigest || calls.Load() != 3 {
		t.Fatalf("unexpected result %s after %d calls", sum, calls.Load())
	}
}

func TestDownloadDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.NotFound(w, r)
	}))
	defer srv.Close()

	d := NewDownloader(DownloaderConfig{InitialBackoff: time.Millisecond})
	_, err := d.Download(context.Background(), srv.URL, filepath.Join(t.TempDir(), "x"), "")
	var statusErr *StatusError
	if !errors.As(err, &statusErr) || statusErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 status error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("client error retried %d times", calls.Load())
	}
}

type fakeSource struct {
	data string
	url  string
}

func (f *fakeSource) Open(ctx context.Context, rawURL string) (io.ReadCloser, int64, error) {
	f.url = rawURL
	return io.NopCloser(strings.NewReader(f.data)), int64(len(f.data)), nil
}

func TestDownloadFromS3Source(t *testing.T) {
	src := &fakeSource{data: "abc"}
	d := NewDownloader(DownloaderConfig{S3: src})

	sum, err := d.Download(context.Background(), "s3://images/releases/abc.iso", filepath.Join(t.TempDir(), "abc.iso"), abcDigest)
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	if sum != abcDigest || src.url != "s3://images/releases/abc.iso" {
		t.Fatalf("unexpected result %s from %s", sum, src.url)
	}
}

func TestDownloadUnsupportedScheme(t *testing.T) {
	_, err := NewDownloader(DownloaderConfig{}).Download(context.Background(), "ftp://host/x", filepath.Join(t.TempDir(), "x"), "")
	if err == nil {
		t.Fatalf("expected error for ftp url")
	}
}

func TestParseS3URL(t *testing.T) {
	tests := []struct {
		in      string
		bucket  string
		key     string
		wantErr bool
	}{
		{"s3://images/a/b.iso", "images", "a/b.iso", false},
		{"s3://images/", "", "", true},
		{"s3:///key", "", "", true},
		{"https://images/key", "", "", true},
	}
	for _, tt := range tests {
		bucket, key, err := ParseS3URL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("%s: unexpected error %v", tt.in, err)
		}
		if bucket != tt.bucket || key != tt.key {
			t.Fatalf("%s: got %s/%s", tt.in, bucket, key)
		}
	}
}

func TestCachePath(t *testing.T) {
	c := NewCache("/var/cache/inscribe")

	a := c.Path("https://example.com/releases/debian.iso")
	b := c.Path("https://mirror.example.org/releases/debian.iso")
	if filepath.Dir(a) != "/var/cache/inscribe" || !strings.HasSuffix(a, "-debian.iso") {
		t.Fatalf("unexpected path %s", a)
	}
	if a == b {
		t.Fatalf("different sources share a cache path")
	}
	if !strings.HasSuffix(c.Path("https://example.com/"), "-download") {
		t.Fatalf("expected fallback name")
	}
}

func TestCacheCleanup(t *testing.T) {
	dir := t.TempDir()
	stale := writeFile(t, dir, "old.iso.tmp", []byte("x"))
	fresh := writeFile(t, dir, "new.iso.tmp", []byte("x"))
	kept := writeFile(t, dir, "old.iso", []byte("x"))

	old := time.Now().Add(-2 * time.Hour)
	for _, p := range []string{stale, kept} {
		if err := os.Chtimes(p, old, old); err != nil {
			t.Fatal(err)
		}
	}

	n, err := NewCache(dir).Cleanup(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("cleanup failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 file removed, got %d", n)
	}
	for path, want := range map[string]bool{stale: false, fresh: true, kept: true} {
		_, err := os.Stat(path)
		if exists := err == nil; exists != want {
			t.Fatalf("%s: exists=%v, want %v", path, exists, want)
		}
	}

	if n, err := NewCache(filepath.Join(dir, "missing")).Cleanup(context.Background(), time.Hour); err != nil || n != 0 {
		t.Fatalf("missing cache dir should be a no-op: %d %v", n, err)
	}
}

func TestEnsureSpace(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureSpace(dir, 1, 0); err != nil {
		t.Fatalf("one byte should fit: %v", err)
	}
	if err := EnsureSpace(dir, 1<<62, 0); !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("expected ErrInsufficientSpace, got %v", err)
	}
}
