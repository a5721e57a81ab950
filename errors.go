package hashpool

import (
	"errors"
	"fmt"
)

var (
	// ErrIO wraps an underlying read, write or stat failure.
	ErrIO = errors.New("hashpool: i/o failure")

	// ErrStorageWrite reports a failed write verification or directory creation.
	ErrStorageWrite = errors.New("hashpool: storage write failed")

	// ErrStorageRead reports a read inconsistency that points at a broken
	// environment, such as non-empty content hashing to the empty digest.
	ErrStorageRead = errors.New("hashpool: storage read inconsistent")

	// ErrCollision reports two different contents sharing one digest.
	ErrCollision = errors.New("hashpool: content collision")

	// ErrNotFound reports a missing pool entry.
	ErrNotFound = errors.New("hashpool: not found")

	// ErrInvalidDigest reports a digest that is not 40 lowercase hex characters.
	ErrInvalidDigest = errors.New("hashpool: invalid digest")
)

// CollisionError carries the digest of a detected collision and where both
// contents were preserved.
type CollisionError struct {
	Digest     string
	Quarantine [2]string
}

func (e *CollisionError) Error() string {
	return fmt.Sprintf("hashpool: content collision on %s (quarantined as %s and %s)",
		e.Digest, e.Quarantine[0], e.Quarantine[1])
}

// Is lets errors.Is(err, ErrCollision) match.
func (e *CollisionError) Is(target error) bool {
	return target == ErrCollision
}

func ioErr(op, path string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrIO, op, path, err)
}
