package builder

import (
	"archive/tar"
	"bufio"
	"bytes"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"

	appErr "flowrunner/pkg/errors"
)

type archiveFormat int

const (
	formatTar archiveFormat = iota
	formatZip
	formatGzip
	formatZstd
)

var (
	magicZip  = []byte("PK\x03\x04")
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

func detectFormat(head []byte) archiveFormat {
	switch {
	case bytes.HasPrefix(head, magicZip):
		return formatZip
	case bytes.HasPrefix(head, magicGzip):
		return formatGzip
	case bytes.HasPrefix(head, magicZstd):
		return formatZstd
	default:
		return formatTar
	}
}

// extractArchive unpacks a zip, tar, tar.gz or tar.zst archive into dstDir.
// The archive is spooled to spoolPath first because zip needs random access.
func extractArchive(src io.Reader, spoolPath, dstDir string) error {
	spool, err := os.Create(spoolPath)
	if err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "create archive spool failed")
	}
	defer func() {
		_ = spool.Close()
		_ = os.Remove(spoolPath)
	}()
	size, err := io.Copy(spool, src)
	if err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "spool archive failed")
	}
	if size == 0 {
		return appErr.New(appErr.ArchiveInvalid).WithMessage("archive is empty")
	}
	if _, err := spool.Seek(0, io.SeekStart); err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "rewind archive failed")
	}

	br := bufio.NewReader(spool)
	head, _ := br.Peek(4)
	switch detectFormat(head) {
	case formatZip:
		return extractZip(spool, size, dstDir)
	case formatGzip:
		gz, err := gzip.NewReader(br)
		if err != nil {
			return appErr.Wrapf(err, appErr.ArchiveInvalid, "create gzip reader failed")
		}
		defer gz.Close()
		return extractTar(gz, dstDir)
	case formatZstd:
		zr, err := zstd.NewReader(br)
		if err != nil {
			return appErr.Wrapf(err, appErr.ArchiveInvalid, "create zstd reader failed")
		}
		defer zr.Close()
		return extractTar(zr, dstDir)
	default:
		return extractTar(br, dstDir)
	}
}

func extractTar(r io.Reader, dstDir string) error {
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return appErr.Wrapf(err, appErr.ArchiveInvalid, "read tar entry failed")
		}
		if hdr.Name == "" {
			continue
		}
		target, err := safeTarget(dstDir, hdr.Name)
		if err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return appErr.Wrapf(err, appErr.BuildFailed, "create dir failed")
			}
		case tar.TypeReg:
			if err := writeEntry(target, fs.FileMode(hdr.Mode), tr); err != nil {
				return err
			}
		default:
			// links and devices are skipped
		}
	}
}

func extractZip(ra io.ReaderAt, size int64, dstDir string) error {
	zr, err := zip.NewReader(ra, size)
	if err != nil {
		return appErr.Wrapf(err, appErr.ArchiveInvalid, "open zip failed")
	}
	for _, f := range zr.File {
		target, err := safeTarget(dstDir, f.Name)
		if err != nil {
			return err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return appErr.Wrapf(err, appErr.BuildFailed, "create dir failed")
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return appErr.Wrapf(err, appErr.ArchiveInvalid, "open zip entry failed")
		}
		err = writeEntry(target, f.Mode(), rc)
		_ = rc.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func safeTarget(dstDir, name string) (string, error) {
	cleanName := filepath.Clean(filepath.FromSlash(name))
	if cleanName == ".." || strings.HasPrefix(cleanName, ".."+string(filepath.Separator)) || filepath.IsAbs(cleanName) {
		return "", appErr.New(appErr.ArchiveInvalid).WithMessage("invalid archive entry path").WithDetail("entry", name)
	}
	target := filepath.Join(dstDir, cleanName)
	if !strings.HasPrefix(target, filepath.Clean(dstDir)+string(filepath.Separator)) {
		return "", appErr.New(appErr.ArchiveInvalid).WithMessage("archive entry escape detected").WithDetail("entry", name)
	}
	return target, nil
}

func writeEntry(target string, mode fs.FileMode, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "create parent dir failed")
	}
	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm|0o200)
	if err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "create file failed")
	}
	if _, err := io.Copy(file, r); err != nil {
		_ = file.Close()
		return appErr.Wrapf(err, appErr.BuildFailed, "write file failed")
	}
	if err := file.Close(); err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "close file failed")
	}
	return nil
}

// collapseSingleRoot lifts the children of a lone top-level directory into dir.
func collapseSingleRoot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "read build dir failed")
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}
	wrapper := filepath.Join(dir, entries[0].Name())
	// Rename the wrapper first so a child with the same name cannot collide with it.
	staging := filepath.Join(dir, ".collapse-"+entries[0].Name())
	if err := os.Rename(wrapper, staging); err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "collapse wrapper dir failed")
	}
	children, err := os.ReadDir(staging)
	if err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "read wrapper dir failed")
	}
	for _, child := range children {
		if err := os.Rename(filepath.Join(staging, child.Name()), filepath.Join(dir, child.Name())); err != nil {
			return appErr.Wrapf(err, appErr.BuildFailed, "move %s failed", child.Name())
		}
	}
	if err := os.Remove(staging); err != nil {
		return appErr.Wrapf(err, appErr.BuildFailed, "remove wrapper dir failed")
	}
	return nil
}
