package device

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	ErrInvalidDevicePath = errors.New("invalid device path")
	ErrSystemDiskVeto    = errors.New("device appears to be the system/root disk")
	ErrRootNotFound      = errors.New("root filesystem not found in mount table")
)

var (
	scsiPattern = regexp.MustCompile(`^/dev/sd[a-z]+[0-9]*$`)
	nvmePattern = regexp.MustCompile(`^/dev/nvme[0-9]+n[0-9]+(p[0-9]+)?$`)
)

// ValidatePath rejects anything outside the SCSI/SATA and NVMe naming families.
func ValidatePath(path string) error {
	if scsiPattern.MatchString(path) || nvmePattern.MatchString(path) {
		return nil
	}
	return fmt.Errorf("%w: %q is not a /dev/sdX or /dev/nvmeXnY device", ErrInvalidDevicePath, path)
}

// ParentDevice normalizes a partition path to its whole-disk path.
//
//	/dev/sda2      -> /dev/sda
//	/dev/nvme0n1p3 -> /dev/nvme0n1
//
// Paths outside both families are returned unchanged.
func ParentDevice(path string) string {
	switch {
	case strings.HasPrefix(path, "/dev/nvme"):
		idx := strings.LastIndexByte(path, 'p')
		if idx > 0 && isDigits(path[idx+1:]) {
			return path[:idx]
		}
		return path
	case strings.HasPrefix(path, "/dev/sd"):
		return strings.TrimRight(path, "0123456789")
	default:
		return path
	}
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Classifier decides whether a device backs the running system's root filesystem.
type Classifier struct {
	mounts MountTable

	// resolve turns the root mount source into a device node. Symlinks such as
	// /dev/disk/by-uuid/... are followed by default.
	resolve func(string) string
}

// NewClassifier returns a Classifier reading mounts from the given table.
func NewClassifier(mounts MountTable) *Classifier {
	return &Classifier{
		mounts:  mounts,
		resolve: resolveDeviceNode,
	}
}

func resolveDeviceNode(source string) string {
	if !strings.HasPrefix(source, "/dev/") {
		return source
	}
	resolved, err := filepath.EvalSymlinks(source)
	if err != nil {
		return source
	}
	return resolved
}

// RootDevice returns the device mounted at "/". When "/" appears more than once
// the last entry is the one in effect.
func (c *Classifier) RootDevice(ctx context.Context) (string, error) {
	mounts, err := c.mounts.Mounts(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read mount table: %w", err)
	}

	var root string
	for _, m := range mounts {
		if m.Mountpoint == "/" {
			root = m.Device
		}
	}
	if root == "" {
		return "", ErrRootNotFound
	}
	return c.resolve(root), nil
}

// IsSystemDevice reports whether path shares a parent disk with the root filesystem.
// An unreadable mount table is an error, never a "no".
func (c *Classifier) IsSystemDevice(ctx context.Context, path string) (bool, error) {
	root, err := c.RootDevice(ctx)
	if err != nil {
		return false, err
	}
	return ParentDevice(root) == ParentDevice(path), nil
}

// Check runs the path family check followed by the system disk veto.
func (c *Classifier) Check(ctx context.Context, path string) error {
	if err := ValidatePath(path); err != nil {
		return err
	}

	system, err := c.IsSystemDevice(ctx, path)
	if err != nil {
		return fmt.Errorf("system disk check failed: %w", err)
	}
	if system {
		return fmt.Errorf("%w: %s", ErrSystemDiskVeto, path)
	}
	return nil
}
