package progress

import (
	"strconv"
	"strings"
)

const (
	percentPrefix = "PERCENT "
	messagePrefix = "MSG "
)

// ParseByteCount reads the cumulative byte counter from a flash or erase line:
// the first whitespace-delimited token parsed as an unsigned integer. dd's
// "1048576 bytes (1.0 MB, 1.0 MiB) copied, ..." lines match.
func ParseByteCount(line string) (uint64, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.ParseUint(fields[0], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// FormatUpdate is one step of format progress.
type FormatUpdate struct {
	Percent uint8
	Message string
}

// FormatState tracks the last reported percent so that status messages keep it.
type FormatState struct {
	percent uint8
}

// Apply interprets a "PERCENT n" or "MSG text" line. Percentages above 100 are
// clamped; anything else is not a format progress line.
func (s *FormatState) Apply(line string) (FormatUpdate, bool) {
	line = strings.TrimSpace(line)

	if rest, ok := strings.CutPrefix(line, percentPrefix); ok {
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return FormatUpdate{}, false
		}
		n, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return FormatUpdate{}, false
		}
		s.percent = uint8(min(n, 100))
		return FormatUpdate{Percent: s.percent}, true
	}

	if rest, ok := strings.CutPrefix(line, messagePrefix); ok {
		return FormatUpdate{Percent: s.percent, Message: rest}, true
	}

	return FormatUpdate{}, false
}

// Percent is the last reported percentage.
func (s *FormatState) Percent() uint8 {
	return s.percent
}
