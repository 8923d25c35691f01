package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

const digestBufferSize = 1 << 20

// ErrMismatch is matched by every verification failure.
var ErrMismatch = errors.New("verification mismatch")

// MismatchError reports a digest that differs from the expected value.
type MismatchError struct {
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch: expected %s, got %s", e.Expected, e.Actual)
}

func (e *MismatchError) Unwrap() error { return ErrMismatch }

// Digest returns the lowercase hex sha256 of the file at path.
func Digest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer f.Close()

	return DigestReader(f)
}

func DigestReader(r io.Reader) (string, error) {
	hasher := sha256.New()
	buf := make([]byte, digestBufferSize)
	for {
		n, err := r.Read(buf)
		hasher.Write(buf[:n])
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("failed to compute checksum: %w", err)
		}
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// CompareDigest checks actual against expected, ignoring case. An empty
// expectation always matches.
func CompareDigest(expected, actual string) error {
	expected = strings.TrimSpace(expected)
	if expected == "" || strings.EqualFold(expected, actual) {
		return nil
	}
	return &MismatchError{Expected: strings.ToLower(expected), Actual: actual}
}

// ValidateChecksum checks that the file at path has the expected digest.
func ValidateChecksum(path, expected string) error {
	actual, err := Digest(path)
	if err != nil {
		return err
	}
	return CompareDigest(expected, actual)
}
