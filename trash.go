package hashpool

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aweris/hashpool/internal/critical"
	"github.com/aweris/hashpool/internal/digest"
	"github.com/aweris/hashpool/internal/store"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// Evict moves the entry for d from the pool to the trash. Evicting the empty
// digest or a missing entry does nothing. Interrupt signals are held back
// until the move is complete.
func (p *Pool) Evict(d string) error {
	if !digest.Valid(d) {
		return fmt.Errorf("%w: %q", ErrInvalidDigest, d)
	}
	if d == digest.Empty {
		return nil
	}
	return critical.Run(func() error { return p.evict(d) })
}

func (p *Pool) evict(d string) error {
	poolPath := p.pool.Path(d)
	size, exists, err := p.pool.Stat(d)
	if err != nil {
		return ioErr("stat", poolPath, err)
	}
	p.cache.Remove(d)
	if !exists {
		p.metrics.Evicted("absent")
		return nil
	}

	trashPath := p.trash.Path(d)
	_, inTrash, err := p.trash.Stat(d)
	if err != nil {
		return ioErr("stat", trashPath, err)
	}

	outcome := "trashed"
	if inTrash {
		if err := p.pool.Remove(d); err != nil {
			return ioErr("remove", poolPath, err)
		}
		outcome = "deduplicated"
	} else {
		if err := p.trash.EnsureShard(d, p.opts.DirMode); err != nil {
			return fmt.Errorf("%w: %w", ErrStorageWrite, err)
		}
		if err := p.move(poolPath, trashPath, d, size); err != nil {
			return ioErr("move", poolPath, err)
		}
		if err := p.fs.Chmod(trashPath, p.opts.FileMode); err != nil {
			p.log.Warn("chmod trash entry", zap.String("path", trashPath), zap.Error(err))
		}
		now := time.Now()
		if err := p.fs.Chtimes(trashPath, now, now); err != nil {
			p.log.Debug("touch trash entry", zap.String("path", trashPath), zap.Error(err))
		}
	}

	if p.notifyEvicted(d, trashPath) {
		if err := p.trash.Remove(d); err != nil {
			p.log.Warn("remove restorable trash entry", zap.String("path", trashPath), zap.Error(err))
		} else {
			outcome = "discarded"
		}
	}

	p.metrics.Evicted(outcome)
	p.log.Debug("evicted", zap.String("digest", d), zap.String("outcome", outcome))
	return nil
}

func (p *Pool) notifyEvicted(d, trashPath string) bool {
	restorable := false
	for _, obs := range p.opts.Observers {
		if obs.OnContentEvicted(d, trashPath) {
			restorable = true
		}
	}
	return restorable
}

// move renames src to dst, falling back to a verified copy when the two
// paths are on different devices.
func (p *Pool) move(src, dst, d string, size int64) error {
	err := p.fs.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	f, err := p.fs.Open(src)
	if err != nil {
		return err
	}
	_, err = p.writer.Write(dst, f, d, size)
	f.Close()
	if err != nil {
		return err
	}
	return p.fs.Remove(src)
}

// InTrash reports whether a trash copy of d exists in either trash layout.
func (p *Pool) InTrash(d string) bool {
	if !digest.Valid(d) {
		return false
	}
	if _, ok, err := p.trash.Stat(d); err == nil && ok {
		return true
	}
	info, err := p.fs.Stat(filepath.Join(p.opts.TrashRoot, d))
	return err == nil && !info.IsDir()
}

// EvictIfUnreferenced evicts d unless refs reports it as referenced. It
// returns whether an eviction was attempted.
func (p *Pool) EvictIfUnreferenced(ctx context.Context, refs ReferencePredicate, d string) (bool, error) {
	referenced, err := refs.Referenced(ctx, []string{d})
	if err != nil {
		return false, fmt.Errorf("query references for %s: %w", d, err)
	}
	if referenced[d] {
		return false, nil
	}
	if err := p.Evict(d); err != nil {
		return false, err
	}
	return true, nil
}

// Recover brings the entry for d back into the pool. It looks in the trash
// first, then in the flat trash layout used by older pools, and finally asks
// the recovery provider. Every candidate is checked against d before it is
// accepted, and observers hear of restored content as they do of added
// content. Recover reports false when nothing could restore the content.
func (p *Pool) Recover(ctx context.Context, d string) bool {
	if !digest.Valid(d) {
		p.log.Warn("recover: invalid digest", zap.String("digest", d))
		return false
	}
	if p.ExistsFresh(d) {
		return true
	}

	if d == digest.Empty {
		if _, err := p.writer.Write(p.pool.Path(d), bytes.NewReader(nil), d, 0); err != nil {
			p.log.Error("recover: write empty content", zap.Error(err))
			p.metrics.Recovered("none")
			return false
		}
		p.cache.Add(d, 0)
		p.metrics.Recovered("empty")
		p.notifyAdded(d)
		return true
	}

	candidates := []struct{ path, source string }{
		{p.trash.Path(d), "trash"},
		{filepath.Join(p.opts.TrashRoot, d), "legacy"},
	}
	for _, c := range candidates {
		if p.restoreFromTrash(d, c.path) {
			p.metrics.Recovered(c.source)
			p.log.Debug("recovered", zap.String("digest", d), zap.String("source", c.source))
			p.notifyAdded(d)
			return true
		}
	}

	if p.opts.Recovery != nil && p.restoreFromProvider(ctx, d) {
		p.metrics.Recovered("provider")
		p.log.Debug("recovered", zap.String("digest", d), zap.String("source", "provider"))
		p.notifyAdded(d)
		return true
	}

	p.metrics.Recovered("none")
	p.log.Warn("content could not be recovered", zap.String("digest", d))
	return false
}

func (p *Pool) restoreFromTrash(d, path string) bool {
	info, err := p.fs.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}

	sum, size, err := digest.File(p.opts.Hasher, p.fs, path)
	if err != nil {
		p.log.Warn("recover: hash trash entry", zap.String("path", path), zap.Error(err))
		return false
	}
	if sum != d {
		p.log.Warn("recover: trash entry does not match its digest",
			zap.String("path", path), zap.String("actual", sum))
		return false
	}

	poolPath := p.pool.Path(d)
	err = critical.Run(func() error {
		if err := p.pool.EnsureShard(d, p.opts.DirMode); err != nil {
			return err
		}
		if err := p.move(path, poolPath, d, size); err != nil {
			return err
		}
		if err := p.fs.Chmod(poolPath, p.opts.FileMode); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		return nil
	})
	if err != nil {
		p.log.Warn("recover: move trash entry", zap.String("path", path), zap.Error(err))
		return false
	}
	p.cache.Add(d, size)
	return true
}

func (p *Pool) restoreFromProvider(ctx context.Context, d string) bool {
	rc, err := p.opts.Recovery.Recover(ctx, d)
	if err != nil {
		p.log.Warn("recover: provider", zap.String("digest", d), zap.Error(err))
		return false
	}
	defer rc.Close()

	if _, err := p.writer.Write(p.pool.Path(d), rc, d, -1); err != nil {
		p.log.Warn("recover: write provider content", zap.String("digest", d), zap.Error(err))
		return false
	}
	if size, ok, err := p.pool.Stat(d); err == nil && ok {
		p.cache.Add(d, size)
	}
	return true
}

// PurgeTrash permanently deletes trash entries that have been in the trash
// for at least olderThan, including entries in the flat layout. It returns
// the number of files removed.
func (p *Pool) PurgeTrash(olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	removed := 0

	purge := func(path string, modTime time.Time) error {
		if modTime.After(cutoff) {
			return nil
		}
		if err := p.fs.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return ioErr("remove", path, err)
		}
		removed++
		return nil
	}

	err := walkShards(p.trash, func(s1, s2 string, entries []store.Entry) error {
		for _, e := range entries {
			if e.IsDir || !digest.Valid(e.Name) {
				continue
			}
			if err := purge(filepath.Join(p.trash.Root(), s1, s2, e.Name), e.ModTime); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return removed, err
	}

	infos, err := afero.ReadDir(p.fs, p.trash.Root())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return removed, nil
		}
		return removed, ioErr("list", p.trash.Root(), err)
	}
	for _, info := range infos {
		if info.IsDir() || !digest.Valid(info.Name()) {
			continue
		}
		if err := purge(filepath.Join(p.trash.Root(), info.Name()), info.ModTime()); err != nil {
			return removed, err
		}
	}

	p.log.Info("purged trash", zap.Int("removed", removed), zap.Duration("older_than", olderThan))
	return removed, nil
}
