package device

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const sectorSize = 512

// Sizer reads disk capacities from sysfs.
type Sizer struct {
	// SysRoot defaults to /sys.
	SysRoot string
}

// SizeBytes returns the capacity of the whole disk holding path.
func (s Sizer) SizeBytes(path string) (uint64, error) {
	root := s.SysRoot
	if root == "" {
		root = "/sys"
	}

	name := filepath.Base(ParentDevice(path))
	data, err := os.ReadFile(filepath.Join(root, "block", name, "size"))
	if err != nil {
		return 0, fmt.Errorf("failed to read size of %s: %w", name, err)
	}

	sectors, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse size of %s: %w", name, err)
	}
	if sectors > math.MaxUint64/sectorSize {
		return math.MaxUint64, nil
	}
	return sectors * sectorSize, nil
}
