package hashpool

import (
	"context"
	"io"
)

// ReferencePredicate answers whether digests are still used by any record
// in the metadata layer. The pool never tracks references itself.
type ReferencePredicate interface {
	// Referenced returns the subset of digests that are referenced.
	Referenced(ctx context.Context, digests []string) (map[string]bool, error)

	// ReferencedWithPrefix returns every referenced digest starting with prefix.
	ReferencedWithPrefix(ctx context.Context, prefix string) (map[string]bool, error)
}

// RecoveryProvider restores content that has no copy in the trash, from a
// backup or a remote mirror.
type RecoveryProvider interface {
	// Recover returns the content for digest, or an error when it cannot.
	Recover(ctx context.Context, digest string) (io.ReadCloser, error)
}

// Observer is notified of pool changes. Calls are synchronous; implementations
// must be quick and idempotent.
type Observer interface {
	// OnContentAdded runs after a new entry is placed at path, whether by an
	// add or by Recover.
	OnContentAdded(path, digest string)

	// OnContentEvicted runs after digest was moved to trashPath. Returning
	// true claims the content can be restored later without the trash copy,
	// which lets the pool delete it right away.
	OnContentEvicted(digest, trashPath string) (restorable bool)
}
