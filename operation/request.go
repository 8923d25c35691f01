package operation

import (
	"errors"
	"fmt"
	"slices"

	"github.com/oklog/ulid/v2"

	"inscribe/device"
)

// Kind names a destructive device operation.
type Kind string

const (
	KindFlash  Kind = "flash"
	KindErase  Kind = "erase"
	KindFormat Kind = "format"
)

var kinds = []Kind{KindFlash, KindErase, KindFormat}

var (
	EraseModes  = []string{"zero", "random", "blkdiscard", "wipefs", "auto"}
	Filesystems = []string{"ext4", "fat32", "vfat", "exfat", "ntfs"}
)

var errInvalidRequest = errors.New("invalid request")

// VerifyOptions enables a sampled read-back of the device after a flash.
type VerifyOptions struct {
	Samples    int `json:"samples"`
	SampleSize int `json:"sample_size"`
}

// Request describes one destructive operation. Image is used by flash, Mode
// by erase, Filesystem and Label by format.
type Request struct {
	Kind       Kind           `json:"kind"`
	Device     string         `json:"device"`
	Image      string         `json:"image,omitempty"`
	Mode       string         `json:"mode,omitempty"`
	Filesystem string         `json:"filesystem,omitempty"`
	Label      string         `json:"label,omitempty"`
	Verify     *VerifyOptions `json:"verify,omitempty"`
}

// Validate checks the kind-specific fields and the device naming family. It
// does not consult the mount table.
func (r Request) Validate() error {
	switch r.Kind {
	case KindFlash:
		if r.Image == "" {
			return fmt.Errorf("%w: flash requires an image", errInvalidRequest)
		}
		if v := r.Verify; v != nil && (v.Samples < 0 || v.SampleSize < 0) {
			return fmt.Errorf("%w: negative verification sample", errInvalidRequest)
		}
	case KindErase:
		if !slices.Contains(EraseModes, r.Mode) {
			return fmt.Errorf("%w: unknown erase mode %q", errInvalidRequest, r.Mode)
		}
	case KindFormat:
		if !slices.Contains(Filesystems, r.Filesystem) {
			return fmt.Errorf("%w: unknown filesystem %q", errInvalidRequest, r.Filesystem)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", errInvalidRequest, r.Kind)
	}
	return device.ValidatePath(r.Device)
}

// Args is the helper argument vector for the request.
func (r Request) Args() []string {
	switch r.Kind {
	case KindFlash:
		return []string{"flash", r.Image, r.Device}
	case KindErase:
		return []string{"erase", r.Mode, r.Device}
	case KindFormat:
		return []string{"format", r.Filesystem, r.Device, r.Label}
	default:
		return nil
	}
}

// Handle identifies a started operation.
type Handle struct {
	// ID is the operation's history record.
	ID string

	Kind Kind

	// Version is the run version of the underlying state machine.
	Version ulid.ULID
}
