package operation

import (
	"errors"
	"fmt"
	"strings"

	"inscribe/device"
	"inscribe/helper"
	"inscribe/verify"
)

// ExitEndOfDevice is the helper's exit code for a fill that ran off the end of
// the device.
const ExitEndOfDevice = 75

const endOfDeviceSignature = "No space left on device"

// maxErrorLines bounds the helper output carried in a RuntimeError.
const maxErrorLines = 20

var (
	// ErrCancelled is the outcome of an operation stopped through Cancel. The
	// device contents are indeterminate.
	ErrCancelled = errors.New("operation cancelled")

	// ErrVerificationMismatch is returned when the sampled read-back of a
	// flashed device differs from the image.
	ErrVerificationMismatch = fmt.Errorf("device contents differ from image: %w", verify.ErrMismatch)
)

// RuntimeError is a helper that ran and exited non-zero.
type RuntimeError struct {
	ExitCode int
	Tail     []string
}

func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("helper exited with status %d", e.ExitCode)
	if len(e.Tail) == 0 {
		return msg
	}
	return msg + "\n--- helper output (last lines) ---\n" + strings.Join(e.Tail, "\n")
}

type ErrorKind string

const (
	InvalidRequest       ErrorKind = "invalid_request"
	InvalidDevicePath    ErrorKind = "invalid_device_path"
	SystemDiskVeto       ErrorKind = "system_disk_veto"
	ElevationFailure     ErrorKind = "elevation_failure"
	HelperSpawnFailure   ErrorKind = "helper_spawn_failure"
	HelperRuntimeFailure ErrorKind = "helper_runtime_failure"
	VerificationMismatch ErrorKind = "verification_mismatch"
	Cancelled            ErrorKind = "cancelled"
	IOFailure            ErrorKind = "io_failure"
)

// Classify maps an operation error onto the failure taxonomy. A nil error has
// no kind.
func Classify(err error) ErrorKind {
	var (
		elevErr    *helper.ElevationError
		spawnErr   *helper.SpawnError
		runtimeErr *RuntimeError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, device.ErrInvalidDevicePath):
		return InvalidDevicePath
	case errors.Is(err, errInvalidRequest):
		return InvalidRequest
	case errors.Is(err, device.ErrSystemDiskVeto):
		return SystemDiskVeto
	case errors.As(err, &elevErr):
		return ElevationFailure
	case errors.As(err, &spawnErr):
		return HelperSpawnFailure
	case errors.As(err, &runtimeErr):
		return HelperRuntimeFailure
	case errors.Is(err, verify.ErrMismatch):
		return VerificationMismatch
	case errors.Is(err, ErrCancelled):
		return Cancelled
	default:
		return IOFailure
	}
}
