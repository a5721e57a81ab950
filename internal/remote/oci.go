package remote

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aweris/hashpool/internal/compression"
	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/empty"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const DefaultConcurrency = 4

var _ Remote = (*OCIRemote)(nil)

// OCIRemote keeps blobs in the layers of a single image tag.
type OCIRemote struct {
	ref         name.Reference
	keychain    authn.Keychain
	concurrency int
	level       compression.Level
	codec       *compression.Compressor
	log         *zap.Logger
}

// Option configures an OCIRemote.
type Option func(*OCIRemote)

// WithKeychain sets where registry credentials come from. The default is
// the Docker config keychain.
func WithKeychain(kc authn.Keychain) Option {
	return func(r *OCIRemote) {
		if kc != nil {
			r.keychain = kc
		}
	}
}

// WithConcurrency bounds parallel layer transfers.
func WithConcurrency(n int) Option {
	return func(r *OCIRemote) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

// WithCompression sets the zstd level for new layers.
func WithCompression(level compression.Level) Option {
	return func(r *OCIRemote) { r.level = level }
}

func WithLogger(l *zap.Logger) Option {
	return func(r *OCIRemote) {
		if l != nil {
			r.log = l
		}
	}
}

// NewOCIRemote creates a remote for an image reference such as
// "ghcr.io/acme/pool:main". A missing tag means "latest".
func NewOCIRemote(imageRef string, opts ...Option) (*OCIRemote, error) {
	ref, err := name.ParseReference(imageRef, name.WithDefaultTag("latest"))
	if err != nil {
		return nil, fmt.Errorf("invalid image ref %q: %w", imageRef, err)
	}

	r := &OCIRemote{
		ref:         ref,
		keychain:    authn.DefaultKeychain,
		concurrency: DefaultConcurrency,
		level:       compression.LevelDefault,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.With(zap.String("remote", ref.String()))

	if r.codec, err = compression.NewCompressor(r.level); err != nil {
		return nil, fmt.Errorf("create compressor: %w", err)
	}
	return r, nil
}

func (r *OCIRemote) String() string { return r.ref.String() }

// Close releases the codec.
func (r *OCIRemote) Close() error { return r.codec.Close() }

func (r *OCIRemote) options(ctx context.Context) []remote.Option {
	return []remote.Option{
		remote.WithContext(ctx),
		remote.WithAuthFromKeychain(r.keychain),
		remote.WithJobs(r.concurrency),
	}
}

// head returns the image under the reference with its index. Before the
// first push it returns an empty image and index.
func (r *OCIRemote) head(ctx context.Context) (v1.Image, Index, error) {
	img, err := withRetry(ctx, func() (v1.Image, error) {
		return remote.Image(r.ref, r.options(ctx)...)
	})
	if isNotFound(err) {
		return empty.Image, Index{}, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("fetch image: %w", err)
	}

	index, err := indexOf(img)
	if err != nil {
		return nil, nil, err
	}
	return img, index, nil
}

// Index returns the prefix index of the current image.
func (r *OCIRemote) Index(ctx context.Context) (Index, error) {
	_, index, err := r.head(ctx)
	return index, err
}

// Push packs blobs into new layers and appends them to the current image.
func (r *OCIRemote) Push(ctx context.Context, blobs map[string][]byte) (Index, error) {
	base, index, err := r.head(ctx)
	if err != nil {
		return nil, err
	}
	if len(blobs) == 0 {
		return index, nil
	}

	plan := PlanLayers(Shards(blobs))
	layers := make([]v1.Layer, 0, len(plan))
	var raw, packed int64

	for _, shards := range plan {
		data, err := EncodeLayer(Merge(shards))
		if err != nil {
			return nil, fmt.Errorf("encode layer: %w", err)
		}
		layer, err := newZstdLayer(r.codec, data)
		if err != nil {
			return nil, err
		}
		for _, s := range shards {
			index.Add(s.Prefix, layer.digest.String())
		}
		layers = append(layers, layer)
		raw += int64(len(data))
		packed += int64(len(layer.compressed))
	}

	img, err := mutate.AppendLayers(base, layers...)
	if err != nil {
		return nil, fmt.Errorf("append layers: %w", err)
	}
	if img, err = stampIndex(img, index); err != nil {
		return nil, err
	}

	r.log.Info("pushing layers",
		zap.Int("blobs", len(blobs)),
		zap.Int("layers", len(layers)),
		zap.Int64("raw_bytes", raw),
		zap.Int64("compressed_bytes", packed))

	_, err = withRetry(ctx, func() (struct{}, error) {
		return struct{}{}, remote.Write(r.ref, img, r.options(ctx)...)
	})
	if err != nil {
		return nil, fmt.Errorf("push image: %w", err)
	}
	return index, nil
}

// Fetch downloads, in parallel, the layers recorded for prefix and returns
// the blobs they hold under that prefix.
func (r *OCIRemote) Fetch(ctx context.Context, prefix string) (map[string][]byte, error) {
	img, index, err := r.head(ctx)
	if err != nil {
		return nil, err
	}

	layerDigests := index[prefix]
	r.log.Debug("fetching layers", zap.String("prefix", prefix), zap.Int("layers", len(layerDigests)))

	var mu sync.Mutex
	blobs := make(map[string][]byte)

	p := pool.New().WithMaxGoroutines(r.concurrency).WithContext(ctx).WithCancelOnError()
	for _, ld := range layerDigests {
		p.Go(func(ctx context.Context) error {
			found, err := r.readLayer(img, ld)
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			for d, data := range found {
				if Prefix(d) == prefix {
					blobs[d] = data
				}
			}
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return nil, err
	}
	return blobs, nil
}

func (r *OCIRemote) readLayer(img v1.Image, layerDigest string) (map[string][]byte, error) {
	h, err := v1.NewHash(layerDigest)
	if err != nil {
		return nil, fmt.Errorf("parse layer digest %q: %w", layerDigest, err)
	}
	layer, err := img.LayerByDigest(h)
	if err != nil {
		return nil, fmt.Errorf("find layer %s: %w", layerDigest, err)
	}

	rc, err := layer.Compressed()
	if err != nil {
		return nil, fmt.Errorf("open layer %s: %w", layerDigest, err)
	}
	defer rc.Close()
	compressed, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("download layer %s: %w", layerDigest, err)
	}

	data, err := r.codec.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("decompress layer %s: %w", layerDigest, err)
	}
	blobs, err := DecodeLayer(data)
	if err != nil {
		return nil, fmt.Errorf("layer %s: %w", layerDigest, err)
	}
	return blobs, nil
}
