// Package mirror copies pool content to a remote and serves it back when the
// pool and its trash no longer hold it.
//
// A Mirror is registered with the pool as an observer: new content is queued
// and later uploaded by Push. Once content is mirrored, evicting it reports it
// as restorable so the pool can drop the trash copy, and Recover fetches it
// back from the remote.
package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/aweris/hashpool"
	"github.com/aweris/hashpool/internal/remote"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrNotMirrored is returned by Recover when the remote does not hold a digest.
var ErrNotMirrored = errors.New("mirror: digest not mirrored")

var (
	_ hashpool.Observer         = (*Mirror)(nil)
	_ hashpool.RecoveryProvider = (*Mirror)(nil)
)

// DefaultBatchBytes bounds how much content one Push round holds in memory.
const DefaultBatchBytes = 64 * 1024 * 1024

type state struct {
	Pending  map[string]bool `json:"pending"`
	Mirrored map[string]bool `json:"mirrored"`
}

// Mirror tracks which digests are queued and which are on the remote. The
// state survives restarts in a JSON file.
type Mirror struct {
	remote     remote.Remote
	fs         afero.Fs
	statePath  string
	batchBytes int64
	log        *zap.Logger

	mu    sync.Mutex
	state state
}

// Option configures a Mirror.
type Option func(*Mirror)

// WithFs sets the filesystem holding the state file.
func WithFs(fs afero.Fs) Option {
	return func(m *Mirror) { m.fs = fs }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Mirror) {
		if l != nil {
			m.log = l
		}
	}
}

// WithBatchBytes sets how much content a single upload may carry.
func WithBatchBytes(n int64) Option {
	return func(m *Mirror) {
		if n > 0 {
			m.batchBytes = n
		}
	}
}

// New returns a Mirror uploading to r and persisting state at statePath.
func New(r remote.Remote, statePath string, opts ...Option) (*Mirror, error) {
	m := &Mirror{
		remote:     r,
		fs:         afero.NewOsFs(),
		statePath:  statePath,
		batchBytes: DefaultBatchBytes,
		log:        zap.NewNop(),
		state: state{
			Pending:  map[string]bool{},
			Mirrored: map[string]bool{},
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mirror) load() error {
	data, err := afero.ReadFile(m.fs, m.statePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("mirror: read state: %w", err)
	}
	var st state
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("mirror: parse state %s: %w", m.statePath, err)
	}
	if st.Pending != nil {
		m.state.Pending = st.Pending
	}
	if st.Mirrored != nil {
		m.state.Mirrored = st.Mirrored
	}
	return nil
}

// save writes the state file through a temp file and rename. Callers hold mu.
func (m *Mirror) save() error {
	data, err := json.Marshal(m.state)
	if err != nil {
		return err
	}
	if err := m.fs.MkdirAll(filepath.Dir(m.statePath), 0o755); err != nil {
		return fmt.Errorf("mirror: create state directory: %w", err)
	}
	tmp := m.statePath + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("mirror: write state: %w", err)
	}
	if err := m.fs.Rename(tmp, m.statePath); err != nil {
		return fmt.Errorf("mirror: commit state: %w", err)
	}
	return nil
}

// OnContentAdded queues digest for the next Push.
func (m *Mirror) OnContentAdded(_, digest string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Mirrored[digest] || m.state.Pending[digest] {
		return
	}
	m.state.Pending[digest] = true
	if err := m.save(); err != nil {
		m.log.Warn("queue digest for mirroring", zap.String("digest", digest), zap.Error(err))
	}
}

// OnContentEvicted reports whether digest is already on the remote.
func (m *Mirror) OnContentEvicted(digest, _ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Pending[digest] {
		// Not uploaded yet and the pool copy is gone. Keep the trash copy
		// and stop waiting for it.
		delete(m.state.Pending, digest)
		if err := m.save(); err != nil {
			m.log.Warn("drop pending digest", zap.String("digest", digest), zap.Error(err))
		}
	}
	return m.state.Mirrored[digest]
}

// Enqueue queues digests explicitly, for content that predates the mirror.
func (m *Mirror) Enqueue(digests ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	for _, d := range digests {
		if !m.state.Mirrored[d] && !m.state.Pending[d] {
			m.state.Pending[d] = true
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return m.save()
}

// Pending returns the queued digests, sorted.
func (m *Mirror) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sortedKeys(m.state.Pending)
}

// Mirrored reports whether digest is on the remote.
func (m *Mirror) Mirrored(digest string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Mirrored[digest]
}

// PushStats summarizes a Push.
type PushStats struct {
	Uploaded int
	Bytes    int64
	// Gone counts queued digests no longer in the pool.
	Gone int
}

// Push uploads every queued digest still present in src.
func (m *Mirror) Push(ctx context.Context, src hashpool.ContentStore) (PushStats, error) {
	var stats PushStats
	pending := m.Pending()

	batch := map[string][]byte{}
	var batchSize int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if _, err := m.remote.Push(ctx, batch); err != nil {
			return fmt.Errorf("mirror: push: %w", err)
		}
		m.mu.Lock()
		for d := range batch {
			delete(m.state.Pending, d)
			m.state.Mirrored[d] = true
		}
		err := m.save()
		m.mu.Unlock()
		if err != nil {
			return err
		}
		stats.Uploaded += len(batch)
		stats.Bytes += batchSize
		batch = map[string][]byte{}
		batchSize = 0
		return nil
	}

	for _, d := range pending {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		data, err := readContent(src, d)
		if errors.Is(err, hashpool.ErrNotFound) {
			m.mu.Lock()
			delete(m.state.Pending, d)
			m.mu.Unlock()
			stats.Gone++
			continue
		}
		if err != nil {
			return stats, err
		}

		batch[d] = data
		batchSize += int64(len(data))
		if batchSize >= m.batchBytes {
			if err := flush(); err != nil {
				return stats, err
			}
		}
	}
	if err := flush(); err != nil {
		return stats, err
	}

	if stats.Gone > 0 {
		m.mu.Lock()
		err := m.save()
		m.mu.Unlock()
		if err != nil {
			return stats, err
		}
	}

	m.log.Info("mirror push finished",
		zap.Int("uploaded", stats.Uploaded),
		zap.Int64("bytes", stats.Bytes),
		zap.Int("gone", stats.Gone))
	return stats, nil
}

func readContent(src hashpool.ContentStore, d string) ([]byte, error) {
	rc, err := src.ReadStream(d)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// Recover fetches digest from the remote.
func (m *Mirror) Recover(ctx context.Context, digest string) (io.ReadCloser, error) {
	blobs, err := m.remote.Fetch(ctx, remote.Prefix(digest))
	if err != nil {
		return nil, fmt.Errorf("mirror: fetch %s: %w", digest, err)
	}
	data, ok := blobs[digest]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotMirrored, digest)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k, ok := range set {
		if ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}
