package hashpool

import (
	"os"
	"path/filepath"

	"github.com/aweris/hashpool/internal/digest"
	"github.com/aweris/hashpool/internal/metrics"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// DefaultPresenceCacheSize is the default number of digests remembered by Exists.
const DefaultPresenceCacheSize = 1024

// Options configures a Pool.
type Options struct {
	Fs                afero.Fs
	TrashRoot         string
	VerifyDigests     bool
	FileMode          os.FileMode
	DirMode           os.FileMode
	Hasher            digest.Hasher
	Logger            *zap.Logger
	Observers         []Observer
	Recovery          RecoveryProvider
	Metrics           *metrics.Recorder
	PresenceCacheSize int
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions(poolRoot string) *Options {
	return &Options{
		Fs:                afero.NewOsFs(),
		TrashRoot:         filepath.Join(filepath.Dir(filepath.Clean(poolRoot)), "trashdir"),
		FileMode:          0o644,
		DirMode:           0o755,
		Hasher:            digest.SHA1,
		Logger:            zap.NewNop(),
		PresenceCacheSize: DefaultPresenceCacheSize,
	}
}

// WithFs sets the filesystem the pool lives on.
func WithFs(fs afero.Fs) Option {
	return func(o *Options) { o.Fs = fs }
}

// WithTrashRoot sets the trash directory. It defaults to "trashdir" next to
// the pool root.
func WithTrashRoot(dir string) Option {
	return func(o *Options) { o.TrashRoot = dir }
}

// WithVerifyDigests makes the pool rehash content even when the caller
// supplies its digest.
func WithVerifyDigests(verify bool) Option {
	return func(o *Options) { o.VerifyDigests = verify }
}

// WithFileMode sets permission bits for pool and trash entries.
func WithFileMode(mode os.FileMode) Option {
	return func(o *Options) { o.FileMode = mode }
}

// WithDirMode sets permission bits for shard directories.
func WithDirMode(mode os.FileMode) Option {
	return func(o *Options) { o.DirMode = mode }
}

// WithHasher replaces the content hasher. Only tests need this.
func WithHasher(h digest.Hasher) Option {
	return func(o *Options) {
		if h != nil {
			o.Hasher = h
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// WithObserver registers an observer. It may be given more than once.
func WithObserver(obs Observer) Option {
	return func(o *Options) {
		if obs != nil {
			o.Observers = append(o.Observers, obs)
		}
	}
}

// WithRecoveryProvider sets the last-resort source used by Recover.
func WithRecoveryProvider(p RecoveryProvider) Option {
	return func(o *Options) { o.Recovery = p }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m *metrics.Recorder) Option {
	return func(o *Options) { o.Metrics = m }
}

// WithPresenceCache sets how many digests Exists remembers. Zero disables it.
func WithPresenceCache(size int) Option {
	return func(o *Options) { o.PresenceCacheSize = size }
}
