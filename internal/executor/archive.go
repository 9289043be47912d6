package executor

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Format is a package archive format detected from its leading bytes.
type Format string

const (
	FormatZip   Format = "zip"
	FormatTar   Format = "tar"
	FormatGzip  Format = "tar.gz"
	FormatZstd  Format = "tar.zst"
	formatUnset Format = ""
)

var (
	magicZip  = []byte("PK\x03\x04")
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicTar  = []byte("ustar")
)

// DetectFormat inspects the header of an archive.
func DetectFormat(header []byte) Format {
	switch {
	case bytes.HasPrefix(header, magicZip):
		return FormatZip
	case bytes.HasPrefix(header, magicGzip):
		return FormatGzip
	case bytes.HasPrefix(header, magicZstd):
		return FormatZstd
	case len(header) >= 262 && bytes.Equal(header[257:262], magicTar):
		return FormatTar
	}
	return formatUnset
}

// Extract unpacks the archive at src into dest, which is created if needed.
func Extract(src, dest string) (Format, error) {
	f, err := os.Open(src)
	if err != nil {
		return formatUnset, fmt.Errorf("opening package: %w", err)
	}
	defer f.Close()

	header := make([]byte, 512)
	n, err := io.ReadFull(f, header)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return formatUnset, fmt.Errorf("reading package header: %w", err)
	}
	format := DetectFormat(header[:n])
	if format == formatUnset {
		return formatUnset, ErrUnsupportedArchive
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return format, fmt.Errorf("rewinding package: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return format, fmt.Errorf("creating extraction directory: %w", err)
	}

	switch format {
	case FormatZip:
		info, err := f.Stat()
		if err != nil {
			return format, err
		}
		return format, extractZip(f, info.Size(), dest)
	case FormatGzip:
		zr, err := gzip.NewReader(bufio.NewReader(f))
		if err != nil {
			return format, fmt.Errorf("opening gzip stream: %w", err)
		}
		defer zr.Close()
		return format, extractTar(zr, dest)
	case FormatZstd:
		zr, err := zstd.NewReader(f)
		if err != nil {
			return format, fmt.Errorf("opening zstd stream: %w", err)
		}
		defer zr.Close()
		return format, extractTar(zr, dest)
	default:
		return format, extractTar(f, dest)
	}
}

// safeJoin resolves name under dest and rejects anything that escapes it.
func safeJoin(dest, name string) (string, error) {
	if filepath.IsAbs(name) || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, name)
	}
	return target, nil
}

// noSymlinkOnPath fails when any existing component of target below dest is
// a symlink, so entries cannot be written through links an earlier entry
// planted.
func noSymlinkOnPath(dest, target string) error {
	rel, err := filepath.Rel(dest, target)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnsafePath, target)
	}
	cur := dest
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." {
			continue
		}
		cur = filepath.Join(cur, part)
		fi, err := os.Lstat(cur)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %s passes through symlink %s", ErrUnsafePath, rel, part)
		}
	}
	return nil
}

// checkLinkTarget walks linkname from the entry's directory one component
// at a time. The walk may not climb above dest and may not step through an
// existing symlink, which a lexical clean would otherwise hide.
func checkLinkTarget(dest, name, linkname string) error {
	if filepath.IsAbs(linkname) || strings.HasPrefix(linkname, "/") {
		return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, name, linkname)
	}
	var stack []string
	if dir := filepath.Dir(filepath.Clean(name)); dir != "." {
		stack = strings.Split(dir, string(filepath.Separator))
	}
	for _, part := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch part {
		case "", ".":
			continue
		case "..":
			if len(stack) == 0 {
				return fmt.Errorf("%w: symlink %s -> %s", ErrUnsafePath, name, linkname)
			}
			stack = stack[:len(stack)-1]
			continue
		}
		stack = append(stack, part)
		fi, err := os.Lstat(filepath.Join(dest, filepath.Join(stack...)))
		if err == nil && fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: symlink %s -> %s chains through %s", ErrUnsafePath, name, linkname, part)
		}
	}
	return nil
}

func extractTar(r io.Reader, dest string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar entry: %w", err)
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}
		if err := noSymlinkOnPath(dest, target); err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(target, tr, hdr.FileInfo().Mode().Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := checkLinkTarget(dest, hdr.Name, hdr.Linkname); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// hard links, devices and fifos have no place in an update package
		}
	}
}

func extractZip(r io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("opening zip: %w", err)
	}
	for _, zf := range zr.File {
		target, err := safeJoin(dest, zf.Name)
		if err != nil {
			return err
		}
		if err := noSymlinkOnPath(dest, target); err != nil {
			return err
		}
		if zf.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if zf.Mode()&os.ModeSymlink != 0 {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return fmt.Errorf("opening %s: %w", zf.Name, err)
		}
		err = writeFile(target, rc, zf.Mode().Perm())
		rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func writeFile(target string, r io.Reader, perm os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		if isNoSpace(err) {
			return fmt.Errorf("writing %s: %w", target, ErrNoSpace)
		}
		return fmt.Errorf("writing %s: %w", target, err)
	}
	return f.Close()
}
