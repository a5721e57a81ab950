// Package remote mirrors pool content to an OCI registry.
//
// Blobs are packed into zstd layers grouped by their two-character digest
// prefix. Each push appends layers to the image already stored under the
// reference and records, in a config label, which layers hold each prefix.
// Fetching a single blob therefore only downloads the layers of its prefix.
package remote

import "context"

// PrefixLabel is the image config label holding the Index.
const PrefixLabel = "dev.hashpool.prefixes"

// Index maps a digest prefix to the layer digests that contain blobs with
// that prefix, oldest first.
type Index map[string][]string

// Add records layer as holding prefix, ignoring duplicates.
func (x Index) Add(prefix, layer string) {
	for _, l := range x[prefix] {
		if l == layer {
			return
		}
	}
	x[prefix] = append(x[prefix], layer)
}

// Remote stores and retrieves blobs keyed by digest.
type Remote interface {
	// Push uploads blobs, keeping everything pushed before.
	Push(ctx context.Context, blobs map[string][]byte) (Index, error)

	// Fetch downloads every blob stored under prefix.
	Fetch(ctx context.Context, prefix string) (map[string][]byte, error)

	// Index returns the current prefix index. A missing image yields an
	// empty index.
	Index(ctx context.Context) (Index, error)
}
