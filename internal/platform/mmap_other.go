//go:build !(linux || darwin || freebsd)

package platform

import "errors"

// ErrUnsupportedPlatform is returned on hosts without an executable-memory
// implementation; compilation still works, only loading does not.
var ErrUnsupportedPlatform = errors.New("platform: executable memory is not supported on this OS")

// MmapCodeSegment returns ErrUnsupportedPlatform.
func MmapCodeSegment(int) ([]byte, error) { return nil, ErrUnsupportedPlatform }

// MprotectRX returns ErrUnsupportedPlatform.
func MprotectRX([]byte) error { return ErrUnsupportedPlatform }

// MunmapCodeSegment returns ErrUnsupportedPlatform.
func MunmapCodeSegment([]byte) error { return ErrUnsupportedPlatform }
