package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aweris/hashpool/internal/compression"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/mutate"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// zstdLayer is a v1.Layer over an in-memory zstd frame. Hashes are taken
// once at construction.
type zstdLayer struct {
	raw        []byte
	compressed []byte
	digest     v1.Hash
	diffID     v1.Hash
}

var _ v1.Layer = (*zstdLayer)(nil)

func newZstdLayer(codec *compression.Compressor, raw []byte) (*zstdLayer, error) {
	l := &zstdLayer{raw: raw, compressed: codec.Compress(raw)}

	var err error
	if l.digest, _, err = v1.SHA256(bytes.NewReader(l.compressed)); err != nil {
		return nil, fmt.Errorf("hash layer: %w", err)
	}
	if l.diffID, _, err = v1.SHA256(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("hash layer content: %w", err)
	}
	return l, nil
}

func (l *zstdLayer) Digest() (v1.Hash, error)            { return l.digest, nil }
func (l *zstdLayer) DiffID() (v1.Hash, error)            { return l.diffID, nil }
func (l *zstdLayer) Size() (int64, error)                { return int64(len(l.compressed)), nil }
func (l *zstdLayer) MediaType() (types.MediaType, error) { return types.OCILayerZStd, nil }

func (l *zstdLayer) Compressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.compressed)), nil
}

func (l *zstdLayer) Uncompressed() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(l.raw)), nil
}

// indexOf decodes the prefix index from the image config label.
func indexOf(img v1.Image) (Index, error) {
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}
	index := Index{}
	raw, ok := cfg.Config.Labels[PrefixLabel]
	if !ok || raw == "" {
		return index, nil
	}
	if err := json.Unmarshal([]byte(raw), &index); err != nil {
		return nil, fmt.Errorf("decode %s label: %w", PrefixLabel, err)
	}
	return index, nil
}

// stampIndex returns img with index written into its config label.
func stampIndex(img v1.Image, index Index) (v1.Image, error) {
	cfg, err := img.ConfigFile()
	if err != nil {
		return nil, fmt.Errorf("read image config: %w", err)
	}
	raw, err := json.Marshal(index)
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}

	cfg = cfg.DeepCopy()
	if cfg.Config.Labels == nil {
		cfg.Config.Labels = make(map[string]string, 1)
	}
	cfg.Config.Labels[PrefixLabel] = string(raw)
	return mutate.ConfigFile(img, cfg)
}

func isNotFound(err error) bool {
	var terr *transport.Error
	return errors.As(err, &terr) && terr.StatusCode == http.StatusNotFound
}

const (
	attempts     = 3
	firstBackoff = 500 * time.Millisecond
)

// withRetry calls fn until it succeeds or attempts run out, doubling the
// wait each time. A not-found error ends the loop at once.
func withRetry[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var (
		zero    T
		err     error
		backoff = firstBackoff
	)
	for attempt := 1; ; attempt++ {
		var out T
		if out, err = fn(); err == nil {
			return out, nil
		}
		if isNotFound(err) || attempt == attempts {
			return zero, err
		}

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		case <-t.C:
		}
		backoff *= 2
	}
}
