package helper

import (
	"fmt"
	"strings"
)

// SpawnError is returned when neither elevation path could start the helper.
type SpawnError struct {
	Sudo   error
	Pkexec error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn helper: sudo: %v; pkexec: %v", e.Sudo, e.Pkexec)
}

func (e *SpawnError) Unwrap() []error {
	return []error{e.Sudo, e.Pkexec}
}

// ElevationError means the elevation layer refused to run the helper.
type ElevationError struct {
	Elevation Elevation
	ExitCode  int
	Reason    string
}

func (e *ElevationError) Error() string {
	return fmt.Sprintf("%s elevation failed (exit %d): %s", e.Elevation, e.ExitCode, e.Reason)
}

const (
	pkexecDismissed    = 126
	pkexecUnauthorized = 127
)

// ClassifyExit returns an *ElevationError when a non-zero exit status came from
// sudo or pkexec rather than from the helper itself, or nil otherwise.
func ClassifyExit(elevation Elevation, code int, lines []string) *ElevationError {
	switch elevation {
	case ElevationPkexec:
		switch code {
		case pkexecDismissed:
			return &ElevationError{Elevation: elevation, ExitCode: code, Reason: "authorization dialog dismissed"}
		case pkexecUnauthorized:
			return &ElevationError{Elevation: elevation, ExitCode: code, Reason: "not authorized"}
		}
	case ElevationSudo:
		if code != 1 {
			return nil
		}
		for _, line := range lines {
			if strings.Contains(line, "a password is required") {
				return &ElevationError{Elevation: elevation, ExitCode: code, Reason: "sudo rule for the helper is missing"}
			}
		}
	}
	return nil
}
