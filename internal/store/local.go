package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/aweris/hashpool/internal/digest"
	"github.com/spf13/afero"
)

// Local is a sharded directory tree on an afero filesystem.
//
// Storage layout:
//
//	root/
//	  ab/
//	    cd/
//	      abcd1234...  (40 hex characters)
//
// Local performs no locking. Writers rely on rename atomicity.
type Local struct {
	fs   afero.Fs
	root string
}

// NewLocal returns a Local rooted at root. The root directory is not created.
func NewLocal(fsys afero.Fs, root string) *Local {
	return &Local{fs: fsys, root: root}
}

// Root returns the root directory.
func (l *Local) Root() string { return l.root }

// Path returns the full path of the entry for d.
func (l *Local) Path(d string) string { return FullPath(l.root, d) }

// ShardDir returns the directory holding the entry for d.
func (l *Local) ShardDir(d string) string { return ShardPath(l.root, d) }

// Stat returns the size of the entry for d. A missing entry reports
// exists=false and no error. Directories sitting at an entry path are
// treated as missing.
func (l *Local) Stat(d string) (size int64, exists bool, err error) {
	info, err := l.fs.Stat(l.Path(d))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, false, nil
		}
		return 0, false, err
	}
	if info.IsDir() {
		return 0, false, nil
	}
	return info.Size(), true, nil
}

// Open opens the entry for d for reading.
func (l *Local) Open(d string) (afero.File, error) {
	return l.fs.Open(l.Path(d))
}

// Remove deletes the entry for d. Removing a missing entry is not an error.
func (l *Local) Remove(d string) error {
	if err := l.fs.Remove(l.Path(d)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// EnsureShard creates the shard directories for d.
func (l *Local) EnsureShard(d string, mode os.FileMode) error {
	dir := l.ShardDir(d)
	if err := l.fs.MkdirAll(dir, mode); err != nil {
		return fmt.Errorf("create shard directory %s: %w", dir, err)
	}
	return nil
}

// Shards lists the first-level shard names under root, sorted. Anything that
// is not a two-character hex directory (a quarantine area, stray files) is
// skipped. A missing root yields no shards.
func (l *Local) Shards() ([]string, error) {
	return l.subShards(l.root)
}

// SubShards lists the second-level shard names under root/shard1, sorted.
func (l *Local) SubShards(shard1 string) ([]string, error) {
	return l.subShards(filepath.Join(l.root, shard1))
}

func (l *Local) subShards(dir string) ([]string, error) {
	infos, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, info := range infos {
		if !info.IsDir() || !digest.ValidShard(info.Name()) {
			continue
		}
		names = append(names, info.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Entry is one file found in a leaf shard directory.
type Entry struct {
	Name    string
	IsDir   bool
	Size    int64
	ModTime time.Time
}

// Entries lists everything inside root/shard1/shard2 without filtering, so
// callers can decide what to do with strays.
func (l *Local) Entries(shard1, shard2 string) ([]Entry, error) {
	infos, err := afero.ReadDir(l.fs, filepath.Join(l.root, shard1, shard2))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	entries := make([]Entry, 0, len(infos))
	for _, info := range infos {
		entries = append(entries, Entry{
			Name:    info.Name(),
			IsDir:   info.IsDir(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}
	return entries, nil
}
