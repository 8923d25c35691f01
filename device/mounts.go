package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
)

// Mount is one row of the mount table.
type Mount struct {
	Device     string
	Mountpoint string
	Fstype     string
}

// MountTable is a source of the current mounts.
type MountTable interface {
	Mounts(ctx context.Context) ([]Mount, error)
}

// ProcMounts reads a file in /proc/mounts format.
type ProcMounts struct {
	Path string
}

func (p ProcMounts) Mounts(ctx context.Context) ([]Mount, error) {
	path := p.Path
	if path == "" {
		path = "/proc/mounts"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseMounts(data)
}

func parseMounts(data []byte) ([]Mount, error) {
	var mounts []Mount
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		m := Mount{
			Device:     unescapeMountField(fields[0]),
			Mountpoint: unescapeMountField(fields[1]),
		}
		if len(fields) > 2 {
			m.Fstype = fields[2]
		}
		mounts = append(mounts, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to parse mount table: %w", err)
	}
	return mounts, nil
}

// unescapeMountField decodes the octal escapes the kernel uses for
// whitespace and backslashes (e.g. "\040").
func unescapeMountField(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+4 <= len(s) {
			if v, err := strconv.ParseUint(s[i+1:i+4], 8, 8); err == nil {
				b.WriteByte(byte(v))
				i += 3
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

// SystemMounts asks gopsutil for every mounted partition, including virtual ones.
type SystemMounts struct{}

func (SystemMounts) Mounts(ctx context.Context) ([]Mount, error) {
	parts, err := disk.PartitionsWithContext(ctx, true)
	if err != nil {
		return nil, err
	}

	mounts := make([]Mount, 0, len(parts))
	for _, p := range parts {
		mounts = append(mounts, Mount{
			Device:     p.Device,
			Mountpoint: p.Mountpoint,
			Fstype:     p.Fstype,
		})
	}
	return mounts, nil
}

// NewMountTable picks a mount source by name: "proc" (default) or "gopsutil".
// A "proc" source may carry a path, e.g. "proc:/host/proc/mounts".
func NewMountTable(source string) (MountTable, error) {
	name, arg, _ := strings.Cut(source, ":")
	switch name {
	case "", "proc":
		return ProcMounts{Path: arg}, nil
	case "gopsutil":
		return SystemMounts{}, nil
	default:
		return nil, fmt.Errorf("unknown mount table source %q", source)
	}
}
