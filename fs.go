package hashpool

import "io"

// ContentStore is the read side of a pool, as needed by observers and tools
// that ship content elsewhere.
type ContentStore interface {
	Exists(digest string) bool
	Length(digest string) int64
	ReadStream(digest string) (io.ReadCloser, error)
	Path(digest string) string
}

var _ ContentStore = (*Pool)(nil)
