package hashpool

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"

	"github.com/aweris/hashpool/internal/atomicfile"
	"github.com/aweris/hashpool/internal/digest"
	"github.com/aweris/hashpool/internal/metrics"
	"github.com/aweris/hashpool/internal/store"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// EmptyDigest is the digest of zero-length content.
const EmptyDigest = digest.Empty

// QuarantineDir is the directory under the pool root that receives both sides
// of a detected collision.
const QuarantineDir = "jackpot"

// LengthMissing is what Length reports for an entry that does not exist.
const LengthMissing int64 = -1

// Pool is a content-addressable file store rooted at a directory, with a
// separate trash directory for evicted content.
//
// A Pool holds no locks. Any number of Pools, in this process or others, may
// share the same roots: writes become visible only through rename, and every
// operation tolerates finding its work already done.
type Pool struct {
	root    string
	opts    *Options
	fs      afero.Fs
	pool    *store.Local
	trash   *store.Local
	writer  *atomicfile.Writer
	cache   *store.Cache
	log     *zap.Logger
	metrics *metrics.Recorder
}

// AddResult describes the outcome of an add.
type AddResult struct {
	Digest string
	Size   int64
	// New is false when the content was already in the pool.
	New bool
}

// Open returns a Pool rooted at root, creating the directory if needed. The
// trash directory is created lazily on first eviction.
func Open(root string, opts ...Option) (*Pool, error) {
	options := defaultOptions(root)
	for _, opt := range opts {
		opt(options)
	}

	if err := options.Fs.MkdirAll(root, options.DirMode); err != nil {
		return nil, fmt.Errorf("%w: create pool root %s: %w", ErrStorageWrite, root, err)
	}

	writer := atomicfile.New(options.Fs, options.Hasher)
	writer.FileMode = options.FileMode
	writer.DirMode = options.DirMode

	return &Pool{
		root:    root,
		opts:    options,
		fs:      options.Fs,
		pool:    store.NewLocal(options.Fs, root),
		trash:   store.NewLocal(options.Fs, options.TrashRoot),
		writer:  writer,
		cache:   store.NewCache(options.PresenceCacheSize),
		log:     options.Logger.With(zap.String("pool", root)),
		metrics: options.Metrics,
	}, nil
}

// Root returns the pool root.
func (p *Pool) Root() string { return p.root }

// TrashRoot returns the trash root.
func (p *Pool) TrashRoot() string { return p.opts.TrashRoot }

// Path returns where the entry for d lives, whether or not it exists.
func (p *Pool) Path(d string) string { return p.pool.Path(d) }

// TrashPath returns where the sharded trash entry for d lives.
func (p *Pool) TrashPath(d string) string { return p.trash.Path(d) }

// AddFromPath stores the file at path. If knownDigest is non-empty it is used
// instead of hashing the file, unless the pool verifies digests, in which case
// the file is rehashed and a stale knownDigest is corrected.
func (p *Pool) AddFromPath(path, knownDigest string) (AddResult, error) {
	if knownDigest != "" && !digest.Valid(knownDigest) {
		return AddResult{}, fmt.Errorf("%w: %q", ErrInvalidDigest, knownDigest)
	}

	sum, size, err := p.digestOf(path, knownDigest)
	if err != nil {
		return AddResult{}, err
	}

	if sum == digest.Empty && size > 0 {
		// Non-empty content cannot hash to the empty digest. Start over from
		// a fresh stat before declaring the environment broken.
		p.log.Warn("non-empty file hashed to the empty digest, rehashing",
			zap.String("path", path), zap.Int64("size", size))
		sum, size, err = p.digestOf(path, "")
		if err != nil {
			return AddResult{}, err
		}
		if sum == digest.Empty && size > 0 {
			p.log.Error("non-empty file still hashes to the empty digest",
				zap.String("path", path), zap.Int64("size", size))
			return AddResult{}, fmt.Errorf("%w: %s has %d bytes but hashes to the empty digest",
				ErrStorageRead, path, size)
		}
	}

	return p.add(sum, size, func() (io.ReadCloser, error) { return p.fs.Open(path) })
}

func (p *Pool) digestOf(path, known string) (string, int64, error) {
	info, err := p.fs.Stat(path)
	if err != nil {
		return "", 0, ioErr("stat", path, err)
	}
	if info.IsDir() {
		return "", 0, ioErr("read", path, fmt.Errorf("is a directory"))
	}
	size := info.Size()

	if known != "" && !p.opts.VerifyDigests {
		return known, size, nil
	}

	sum, n, err := digest.File(p.opts.Hasher, p.fs, path)
	if err != nil {
		return "", 0, ioErr("hash", path, err)
	}
	if known != "" && known != sum {
		p.log.Warn("supplied digest does not match content, using computed digest",
			zap.String("path", path), zap.String("supplied", known), zap.String("computed", sum))
	}
	return sum, n, nil
}

// AddFromBytes stores content. A nil slice is empty content.
func (p *Pool) AddFromBytes(content []byte) (AddResult, error) {
	sum := digest.Bytes(p.opts.Hasher, content)
	return p.add(sum, int64(len(content)), func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(content)), nil
	})
}

func (p *Pool) add(sum string, size int64, open func() (io.ReadCloser, error)) (AddResult, error) {
	path := p.pool.Path(sum)

	existing, exists, err := p.pool.Stat(sum)
	if err != nil {
		return AddResult{}, ioErr("stat", path, err)
	}
	if exists {
		if existing != size {
			p.log.Warn("replacing invalid content file",
				zap.String("digest", sum), zap.Int64("size", existing), zap.Int64("expected", size))
			p.cache.Remove(sum)
			if err := p.pool.Remove(sum); err != nil {
				return AddResult{}, ioErr("remove", path, err)
			}
		} else {
			same, err := p.sameContent(sum, open)
			if err != nil {
				return AddResult{}, err
			}
			if !same {
				return AddResult{}, p.quarantine(sum, open)
			}
			p.cache.Add(sum, size)
			p.metrics.Added(false, size)
			return AddResult{Digest: sum, Size: size, New: false}, nil
		}
	}

	src, err := open()
	if err != nil {
		return AddResult{}, ioErr("open", path, err)
	}
	defer src.Close()

	written, err := p.writer.Write(path, src, sum, size)
	if err != nil {
		return AddResult{}, p.writeErr(path, err)
	}

	p.cache.Add(sum, size)
	p.metrics.Added(written, size)
	if !written {
		return AddResult{Digest: sum, Size: size, New: false}, nil
	}

	p.notifyAdded(sum)
	return AddResult{Digest: sum, Size: size, New: true}, nil
}

func (p *Pool) notifyAdded(d string) {
	path := p.pool.Path(d)
	for _, obs := range p.opts.Observers {
		obs.OnContentAdded(path, d)
	}
}

func (p *Pool) writeErr(path string, err error) error {
	if errors.Is(err, atomicfile.ErrVerify) || errors.Is(err, atomicfile.ErrMkdir) {
		return fmt.Errorf("%w: %s: %w", ErrStorageWrite, path, err)
	}
	return ioErr("write", path, err)
}

// sameContent compares the stored entry for sum with the incoming content.
func (p *Pool) sameContent(sum string, open func() (io.ReadCloser, error)) (bool, error) {
	path := p.pool.Path(sum)
	stored, err := p.pool.Open(sum)
	if err != nil {
		return false, ioErr("open", path, err)
	}
	defer stored.Close()

	incoming, err := open()
	if err != nil {
		return false, ioErr("open", "incoming content", err)
	}
	defer incoming.Close()

	same, err := equalReaders(stored, incoming)
	if err != nil {
		return false, ioErr("compare", path, err)
	}
	return same, nil
}

// quarantine copies both sides of a collision to the quarantine directory and
// returns the collision error.
func (p *Pool) quarantine(sum string, open func() (io.ReadCloser, error)) error {
	dir := filepath.Join(p.root, QuarantineDir)
	cerr := &CollisionError{
		Digest: sum,
		Quarantine: [2]string{
			filepath.Join(dir, sum+"_1"),
			filepath.Join(dir, sum+"_2"),
		},
	}
	p.metrics.Collision()
	p.log.Error("content collision, both copies quarantined",
		zap.String("digest", sum),
		zap.String("existing", cerr.Quarantine[0]),
		zap.String("incoming", cerr.Quarantine[1]))

	if err := p.fs.MkdirAll(dir, p.opts.DirMode); err != nil {
		return errors.Join(cerr, ioErr("mkdir", dir, err))
	}

	stored, err := p.pool.Open(sum)
	if err != nil {
		return errors.Join(cerr, ioErr("open", p.pool.Path(sum), err))
	}
	err = p.copyTo(cerr.Quarantine[0], stored)
	stored.Close()
	if err != nil {
		return errors.Join(cerr, err)
	}

	incoming, err := open()
	if err != nil {
		return errors.Join(cerr, ioErr("open", "incoming content", err))
	}
	err = p.copyTo(cerr.Quarantine[1], incoming)
	incoming.Close()
	if err != nil {
		return errors.Join(cerr, err)
	}
	return cerr
}

func (p *Pool) copyTo(dst string, src io.Reader) error {
	f, err := p.fs.Create(dst)
	if err != nil {
		return ioErr("create", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return ioErr("write", dst, err)
	}
	if err := f.Close(); err != nil {
		return ioErr("close", dst, err)
	}
	return nil
}

// Exists reports whether the entry for d is present. Recent positive answers
// may come from memory; use ExistsFresh right after another process may have
// removed the entry.
func (p *Pool) Exists(d string) bool {
	if !digest.Valid(d) {
		return false
	}
	if _, ok := p.cache.Get(d); ok {
		return true
	}
	return p.statFresh(d)
}

// ExistsFresh is Exists without the in-memory shortcut.
func (p *Pool) ExistsFresh(d string) bool {
	if !digest.Valid(d) {
		return false
	}
	p.cache.Remove(d)
	return p.statFresh(d)
}

func (p *Pool) statFresh(d string) bool {
	size, ok, err := p.pool.Stat(d)
	if err != nil {
		p.log.Warn("stat failed", zap.String("digest", d), zap.Error(err))
		return false
	}
	if ok {
		p.cache.Add(d, size)
	}
	return ok
}

// Length returns the size of the entry for d, or LengthMissing.
func (p *Pool) Length(d string) int64 {
	if !digest.Valid(d) {
		return LengthMissing
	}
	size, ok, err := p.pool.Stat(d)
	if err != nil || !ok {
		return LengthMissing
	}
	return size
}

// ReadStream opens the entry for d. The caller closes it.
func (p *Pool) ReadStream(d string) (io.ReadCloser, error) {
	if !digest.Valid(d) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidDigest, d)
	}
	f, err := p.pool.Open(d)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, d)
		}
		return nil, ioErr("open", p.pool.Path(d), err)
	}
	return f, nil
}

// ReadAll returns the content of the entry for d.
func (p *Pool) ReadAll(d string) ([]byte, error) {
	rc, err := p.ReadStream(d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, ioErr("read", p.pool.Path(d), err)
	}
	return data, nil
}

// Validate rehashes the entry for d and reports whether it matches. A missing
// entry is not valid. With deleteIfInvalid, a mismatching entry is removed.
func (p *Pool) Validate(d string, deleteIfInvalid bool) (bool, error) {
	if !digest.Valid(d) {
		return false, fmt.Errorf("%w: %q", ErrInvalidDigest, d)
	}
	path := p.pool.Path(d)
	sum, _, err := digest.File(p.opts.Hasher, p.fs, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, ioErr("hash", path, err)
	}
	if sum == d {
		return true, nil
	}

	p.metrics.Invalid()
	p.log.Warn("content does not match its digest",
		zap.String("digest", d), zap.String("actual", sum), zap.Bool("delete", deleteIfInvalid))
	if deleteIfInvalid {
		p.cache.Remove(d)
		if err := p.pool.Remove(d); err != nil {
			return false, ioErr("remove", path, err)
		}
	}
	return false, nil
}

// Walk calls fn for every well-formed entry in the pool, one leaf shard at a
// time. Returning an error from fn stops the walk.
func (p *Pool) Walk(fn func(d string, size int64) error) error {
	return walkShards(p.pool, func(shard1, shard2 string, entries []store.Entry) error {
		for _, e := range entries {
			if e.IsDir || !digest.Valid(e.Name) || e.Name[:4] != shard1+shard2 {
				continue
			}
			if err := fn(e.Name, e.Size); err != nil {
				return err
			}
		}
		return nil
	})
}

func walkShards(l *store.Local, fn func(shard1, shard2 string, entries []store.Entry) error) error {
	shards, err := l.Shards()
	if err != nil {
		return ioErr("list", l.Root(), err)
	}
	for _, s1 := range shards {
		subs, err := l.SubShards(s1)
		if err != nil {
			return ioErr("list", filepath.Join(l.Root(), s1), err)
		}
		for _, s2 := range subs {
			entries, err := l.Entries(s1, s2)
			if err != nil {
				return ioErr("list", filepath.Join(l.Root(), s1, s2), err)
			}
			if err := fn(s1, s2, entries); err != nil {
				return err
			}
		}
	}
	return nil
}

const compareBufSize = 32 * 1024

func equalReaders(a, b io.Reader) (bool, error) {
	bufA := make([]byte, compareBufSize)
	bufB := make([]byte, compareBufSize)
	for {
		na, errA := io.ReadFull(a, bufA)
		nb, errB := io.ReadFull(b, bufB)
		if !bytes.Equal(bufA[:na], bufB[:nb]) {
			return false, nil
		}
		endA := errA == io.EOF || errA == io.ErrUnexpectedEOF
		endB := errB == io.EOF || errB == io.ErrUnexpectedEOF
		if errA != nil && !endA {
			return false, errA
		}
		if errB != nil && !endB {
			return false, errB
		}
		if endA || endB {
			return endA && endB, nil
		}
	}
}
