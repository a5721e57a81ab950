// Package hashpool provides a content-addressable file pool with a trash area,
// collision quarantine and reference-driven garbage collection.
//
// Content is stored once per SHA-1 digest under a two-level sharded tree and
// is never modified in place. Writes go through a temp file that is verified
// and renamed, so a pool entry is either absent or complete. Evicted content
// moves to a trash tree from which it can be recovered until purged.
//
// Basic usage:
//
//	pool, _ := hashpool.Open("/var/lib/app/filedir")
//
//	// Store content
//	res, _ := pool.AddFromPath("/tmp/upload", "")
//	res, _ = pool.AddFromBytes([]byte("hello"))
//	fmt.Println(res.Digest, res.Size, res.New)
//
//	// Read it back
//	rc, _ := pool.ReadStream(res.Digest)
//	defer rc.Close()
//
//	// Check it
//	ok, _ := pool.Validate(res.Digest, false)
//	fmt.Println(pool.Exists(res.Digest), pool.Length(res.Digest), ok)
//
//	// Trash and restore
//	pool.Evict(res.Digest)
//	pool.Recover(ctx, res.Digest)
//
// Garbage collection asks a ReferencePredicate which digests are still used:
//
//	stats, _ := pool.Sweep(ctx, refs, func(d string, evicted bool) {
//	    fmt.Println(d, evicted)
//	})
//
// Several processes may share one pool directory. The pool takes no locks and
// relies on atomic rename together with idempotent operations.
package hashpool
