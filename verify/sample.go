package verify

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// SampledCompare reads count windows of size bytes spread evenly over the
// first total bytes of src and tgt and reports whether every window matches.
// Windows that would run past total are pulled back to end at total.
func SampledCompare(src, tgt io.ReaderAt, total int64, count, size int) (bool, error) {
	if count <= 0 || size <= 0 {
		return true, nil
	}

	stride := total / int64(count)
	a := make([]byte, size)
	b := make([]byte, size)

	for i := 0; i < count; i++ {
		offset := min(int64(i)*stride, total-int64(size))
		offset = max(offset, 0)

		if err := readFull(src, a, offset); err != nil {
			return false, fmt.Errorf("failed to read source at %d: %w", offset, err)
		}
		if err := readFull(tgt, b, offset); err != nil {
			return false, fmt.Errorf("failed to read target at %d: %w", offset, err)
		}
		if !bytes.Equal(a, b) {
			return false, nil
		}
	}
	return true, nil
}

func readFull(r io.ReaderAt, buf []byte, offset int64) error {
	n, err := r.ReadAt(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

// SampledCompareFiles compares an image against a device (or any file) using
// the image size as the sampled range.
func SampledCompareFiles(srcPath, tgtPath string, count, size int) (bool, error) {
	src, err := os.Open(srcPath)
	if err != nil {
		return false, fmt.Errorf("failed to open source: %w", err)
	}
	defer src.Close()

	info, err := src.Stat()
	if err != nil {
		return false, fmt.Errorf("failed to stat source: %w", err)
	}

	tgt, err := os.Open(tgtPath)
	if err != nil {
		return false, fmt.Errorf("failed to open target: %w", err)
	}
	defer tgt.Close()

	return SampledCompare(src, tgt, info.Size(), count, size)
}
