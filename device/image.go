package device

import (
	"fmt"
	"os"
	"strings"

	"github.com/kdomanski/iso9660"
)

// ImageInfo describes a source image.
type ImageInfo struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	ISO   bool   `json:"iso"`
	Label string `json:"label,omitempty"`
}

// InspectImage stats a source image and, when it is an ISO9660 filesystem, reads
// its volume label. Raw disk images are accepted as-is.
func InspectImage(path string) (*ImageInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("image not accessible: %w", err)
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("image not accessible: %w", err)
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("image %s is not a regular file", path)
	}
	if st.Size() == 0 {
		return nil, fmt.Errorf("image %s is empty", path)
	}

	info := &ImageInfo{Path: path, Size: st.Size()}

	img, err := iso9660.OpenImage(f)
	if err != nil {
		return info, nil
	}
	label, err := img.Label()
	if err != nil {
		return info, nil
	}
	info.ISO = true
	info.Label = strings.TrimSpace(label)
	return info, nil
}
