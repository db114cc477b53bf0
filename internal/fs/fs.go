package fs

import (
	"errors"
	"fmt"
)

// ErrUnsupportedOS is returned when the operating system is not supported.
var ErrUnsupportedOS = errors.New("unsupported operating system for disk space check")

// ErrDiskSpace is returned when a destination lacks the space for a download.
var ErrDiskSpace = errors.New("insufficient disk space")

// RequireAvailable checks that at least need bytes are free on the
// filesystem holding path, returning ErrDiskSpace otherwise.
func RequireAvailable(path string, need uint64) error {
	available, err := Available(path)
	if err != nil {
		return fmt.Errorf("could not check disk space for %s: %w", path, err)
	}
	if available < need {
		return fmt.Errorf("%w: %d bytes available in %s, requires at least %d bytes", ErrDiskSpace, available, path, need)
	}
	return nil
}
