// Package refindex keeps a reference count per digest in a bbolt database.
//
// It stands in for the metadata layer that decides which pool content is
// still in use: the CLI records a reference on every add, drops one on
// release, and garbage collection asks the index which digests remain.
package refindex

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/aweris/hashpool/internal/digest"
	"go.etcd.io/bbolt"
)

var bucketRefs = []byte("refs")

var (
	// ErrNotReferenced is returned when releasing a digest with no references.
	ErrNotReferenced = errors.New("refindex: digest not referenced")

	// ErrInvalidDigest is returned for keys that are not well-formed digests.
	ErrInvalidDigest = errors.New("refindex: invalid digest")
)

// Index is a persistent digest reference counter.
type Index struct {
	db *bbolt.DB
}

// Open opens or creates the index at path. The parent directory is created
// if it does not exist.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("refindex: create directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("refindex: open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketRefs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("refindex: create bucket: %w", err)
	}
	return &Index{db: db}, nil
}

// Close closes the underlying database.
func (x *Index) Close() error { return x.db.Close() }

func countValue(n uint64) []byte {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, n)
	return v
}

func decodeCount(v []byte) uint64 {
	if len(v) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(v)
}

func checkDigests(digests []string) error {
	for _, d := range digests {
		if !digest.Valid(d) {
			return fmt.Errorf("%w: %q", ErrInvalidDigest, d)
		}
	}
	return nil
}

// Add records one more reference to each digest.
func (x *Index) Add(digests ...string) error {
	if err := checkDigests(digests); err != nil {
		return err
	}
	return x.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefs)
		for _, d := range digests {
			n := decodeCount(b.Get([]byte(d)))
			if err := b.Put([]byte(d), countValue(n+1)); err != nil {
				return fmt.Errorf("refindex: put %s: %w", d, err)
			}
		}
		return nil
	})
}

// Release drops one reference to d and returns how many remain. The key is
// deleted when the count reaches zero.
func (x *Index) Release(d string) (uint64, error) {
	if err := checkDigests([]string{d}); err != nil {
		return 0, err
	}
	var remaining uint64
	err := x.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefs)
		n := decodeCount(b.Get([]byte(d)))
		if n == 0 {
			return fmt.Errorf("%w: %s", ErrNotReferenced, d)
		}
		remaining = n - 1
		if remaining == 0 {
			return b.Delete([]byte(d))
		}
		return b.Put([]byte(d), countValue(remaining))
	})
	if err != nil {
		return 0, err
	}
	return remaining, nil
}

// Count returns the number of references to d.
func (x *Index) Count(d string) (uint64, error) {
	var n uint64
	err := x.db.View(func(tx *bbolt.Tx) error {
		n = decodeCount(tx.Bucket(bucketRefs).Get([]byte(d)))
		return nil
	})
	return n, err
}

// Referenced returns the subset of digests that have at least one reference.
func (x *Index) Referenced(ctx context.Context, digests []string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	err := x.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketRefs)
		for _, d := range digests {
			if decodeCount(b.Get([]byte(d))) > 0 {
				out[d] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ReferencedWithPrefix returns every referenced digest starting with prefix.
func (x *Index) ReferencedWithPrefix(ctx context.Context, prefix string) (map[string]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]bool)
	p := []byte(prefix)
	err := x.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketRefs).Cursor()
		for k, v := c.Seek(p); k != nil && len(k) >= len(p) && string(k[:len(p)]) == prefix; k, v = c.Next() {
			if decodeCount(v) > 0 {
				out[string(k)] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Len returns the number of referenced digests.
func (x *Index) Len() (int, error) {
	var n int
	err := x.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketRefs).Stats().KeyN
		return nil
	})
	return n, err
}
