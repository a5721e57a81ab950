// Package atomicfile writes content-addressed files so that a file is either
// absent or complete under its final name.
//
// Content is streamed to <final>.tmp, checked against the expected length and
// digest, then renamed over the final path. Rename is atomic when both names
// are on the same filesystem, which holds because the temp file sits next to
// its target.
//
// The temp file is created exclusively. When <final>.tmp is already taken,
// by a concurrent writer or one that died, a uniquely named temp file in the
// same directory is used instead, so no two writers ever share an inode.
package atomicfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/aweris/hashpool/internal/critical"
	"github.com/aweris/hashpool/internal/digest"
	"github.com/spf13/afero"
)

// TempSuffix is appended to the final path to name the temp file.
const TempSuffix = ".tmp"

var (
	// ErrVerify reports that the written bytes did not match the expected
	// length or digest.
	ErrVerify = errors.New("atomicfile: verification failed")

	// ErrMkdir reports that the target directory could not be created.
	ErrMkdir = errors.New("atomicfile: cannot create directory")
)

// Writer performs atomic writes on an afero filesystem.
type Writer struct {
	Fs       afero.Fs
	Hasher   digest.Hasher
	FileMode os.FileMode
	DirMode  os.FileMode

	// BeforeRename runs once the temp file is verified and before it is
	// renamed into place. A non-nil error aborts the write and leaves the
	// temp file behind, as a process dying at that point would.
	BeforeRename func(tmpPath string) error
}

// New returns a Writer with default modes.
func New(fsys afero.Fs, h digest.Hasher) *Writer {
	return &Writer{Fs: fsys, Hasher: h, FileMode: 0o644, DirMode: 0o755}
}

// Write copies src to finalPath, verifying that exactly size bytes with the
// given digest were written. It reports written=false when finalPath already
// holds size bytes, which happens when a concurrent writer got there first.
// A negative size means the length is unknown and only the digest is checked.
func (w *Writer) Write(finalPath string, src io.Reader, sum string, size int64) (written bool, err error) {
	if info, err := w.Fs.Stat(finalPath); err == nil && !info.IsDir() && size >= 0 && info.Size() == size {
		return false, nil
	}

	dir := filepath.Dir(finalPath)
	if err := w.Fs.MkdirAll(dir, w.DirMode); err != nil {
		return false, fmt.Errorf("%w %s: %w", ErrMkdir, dir, err)
	}

	err = critical.Run(func() error {
		return w.writeAndRename(finalPath, src, sum, size)
	})
	if err != nil {
		// Another writer may have placed the same content meanwhile.
		if w.holds(finalPath, sum, size) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// createTemp opens a fresh temp file next to finalPath.
func (w *Writer) createTemp(finalPath string) (afero.File, error) {
	f, err := w.Fs.OpenFile(finalPath+TempSuffix, os.O_CREATE|os.O_EXCL|os.O_WRONLY, w.FileMode)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return f, err
	}
	return afero.TempFile(w.Fs, filepath.Dir(finalPath), filepath.Base(finalPath)+".*"+TempSuffix)
}

// holds reports whether finalPath is a file with the given length and digest.
func (w *Writer) holds(finalPath, sum string, size int64) bool {
	info, err := w.Fs.Stat(finalPath)
	if err != nil || info.IsDir() || (size >= 0 && info.Size() != size) {
		return false
	}
	got, _, err := digest.File(w.Hasher, w.Fs, finalPath)
	return err == nil && got == sum
}

func (w *Writer) writeAndRename(finalPath string, src io.Reader, sum string, size int64) error {
	f, err := w.createTemp(finalPath)
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", finalPath, err)
	}
	tmpPath := f.Name()

	keepTemp := false
	defer func() {
		if !keepTemp {
			_ = w.Fs.Remove(tmpPath)
		}
	}()

	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}

	if err := w.verify(tmpPath, sum, size); err != nil {
		return err
	}

	if w.BeforeRename != nil {
		if err := w.BeforeRename(tmpPath); err != nil {
			keepTemp = true
			return err
		}
	}

	if err := w.Fs.Rename(tmpPath, finalPath); err != nil {
		return fmt.Errorf("rename %s: %w", tmpPath, err)
	}
	keepTemp = true // renamed away; nothing left to clean

	if err := w.Fs.Chmod(finalPath, w.FileMode); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("chmod %s: %w", finalPath, err)
	}
	return nil
}

func (w *Writer) verify(tmpPath, sum string, size int64) error {
	got, n, err := digest.File(w.Hasher, w.Fs, tmpPath)
	if err != nil {
		return fmt.Errorf("rehash %s: %w", tmpPath, err)
	}
	if size >= 0 && n != size {
		return fmt.Errorf("%w: wrote %d bytes, expected %d", ErrVerify, n, size)
	}
	if got != sum {
		return fmt.Errorf("%w: wrote content hashing to %s, expected %s", ErrVerify, got, sum)
	}
	return nil
}
