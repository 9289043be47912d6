package executor

import (
	"errors"
	"syscall"

	"github.com/narvanalabs/fleetdeploy/internal/runtime"
)

var (
	// ErrInvalidManifest is returned when update.json is missing, malformed or empty.
	ErrInvalidManifest = errors.New("invalid update manifest")

	// ErrDownload is returned when the package could not be fetched.
	ErrDownload = errors.New("package download failed")

	// ErrChecksumMismatch is returned when the package digest differs from the expected one.
	ErrChecksumMismatch = errors.New("package checksum mismatch")

	// ErrUnsupportedScheme is returned for package URLs other than http(s), s3 and file.
	ErrUnsupportedScheme = errors.New("unsupported package URL scheme")

	// ErrUnsupportedArchive is returned when the package format is not recognised.
	ErrUnsupportedArchive = errors.New("unsupported archive format")

	// ErrUnsafePath is returned for archive entries or scripts that escape their directory.
	ErrUnsafePath = errors.New("path escapes target directory")

	// ErrNoSpace is returned when the ship ran out of disk while applying an update.
	ErrNoSpace = runtime.ErrNoSpace
)

// isNoSpace reports whether err is an out-of-space condition from the OS or the runtime.
func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC) || errors.Is(err, runtime.ErrNoSpace)
}
