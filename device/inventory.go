package device

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jaypipes/ghw"
	"github.com/sirupsen/logrus"
)

// BlockDevice describes a candidate target disk.
type BlockDevice struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Size      uint64 `json:"size"`
	Model     string `json:"model,omitempty"`
	Vendor    string `json:"vendor,omitempty"`
	Serial    string `json:"serial,omitempty"`
	Transport string `json:"transport,omitempty"`
	Removable bool   `json:"removable"`
}

// Candidate reports whether the device is one a user would normally write to.
func (d BlockDevice) Candidate() bool {
	return d.Removable || strings.EqualFold(d.Transport, "usb")
}

// Inventory lists block devices.
type Inventory struct {
	logger logrus.FieldLogger
}

func NewInventory(logger logrus.FieldLogger) *Inventory {
	return &Inventory{logger: logger.WithField("component", "inventory")}
}

// List returns disks known to the system. Unless all is set, only removable or
// USB-attached disks are returned.
func (i *Inventory) List(ctx context.Context, all bool) ([]BlockDevice, error) {
	info, err := ghw.Block()
	if err != nil {
		return nil, fmt.Errorf("failed to read block inventory: %w", err)
	}

	devices := make([]BlockDevice, 0, len(info.Disks))
	for _, d := range info.Disks {
		transport := strings.ToLower(fmt.Sprint(d.StorageController))
		if strings.Contains(d.BusPath, "usb") {
			transport = "usb"
		}
		devices = append(devices, BlockDevice{
			Name:      d.Name,
			Path:      "/dev/" + d.Name,
			Size:      d.SizeBytes,
			Model:     d.Model,
			Vendor:    d.Vendor,
			Serial:    d.SerialNumber,
			Transport: transport,
			Removable: d.IsRemovable,
		})
	}

	devices = filterDevices(devices, all)
	i.logger.WithField("count", len(devices)).Debug("listed block devices")
	return devices, nil
}

func filterDevices(devices []BlockDevice, all bool) []BlockDevice {
	out := devices[:0:0]
	for _, d := range devices {
		if all || d.Candidate() {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Path < out[b].Path })
	return out
}
