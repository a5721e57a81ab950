package hashpool

import (
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aweris/hashpool/internal/atomicfile"
	"github.com/aweris/hashpool/internal/digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	poolRoot  = "/data/filedir"
	trashRoot = "/data/trashdir"
	helloSum  = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"
)

func setupPool(t testing.TB, opts ...Option) (*Pool, afero.Fs) {
	t.Helper()

	fs := afero.NewMemMapFs()
	p, err := Open(poolRoot, append([]Option{WithFs(fs)}, opts...)...)
	require.NoError(t, err)
	return p, fs
}

func writeSource(t testing.TB, fs afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fs, path, []byte(content), 0o644))
}

func assertMissing(t testing.TB, fs afero.Fs, path string) {
	t.Helper()
	ok, err := afero.Exists(fs, path)
	require.NoError(t, err)
	assert.False(t, ok, "%s should not exist", path)
}

// fixedHasher hashes everything to the same sum.
type fixedHasher struct{ sum []byte }

func (h fixedHasher) New() hash.Hash { return &fixedHash{sum: h.sum} }

type fixedHash struct{ sum []byte }

func (h *fixedHash) Write(p []byte) (int, error) { return len(p), nil }
func (h *fixedHash) Sum(b []byte) []byte         { return append(b, h.sum...) }
func (h *fixedHash) Reset()                      {}
func (h *fixedHash) Size() int                   { return len(h.sum) }
func (h *fixedHash) BlockSize() int              { return sha1.BlockSize }

// emptyFirstHasher reports the empty digest for its first n hashes, then
// behaves like SHA-1.
type emptyFirstHasher struct{ n int }

func (h *emptyFirstHasher) New() hash.Hash {
	if h.n > 0 {
		h.n--
		return &fixedHash{sum: mustDecode(digest.Empty)}
	}
	return sha1.New()
}

func mustDecode(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

func TestOpenDefaultsTrashNextToPool(t *testing.T) {
	p, fs := setupPool(t)

	assert.Equal(t, trashRoot, p.TrashRoot())
	ok, err := afero.DirExists(fs, poolRoot)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestAddFromBytesHello(t *testing.T) {
	p, fs := setupPool(t)

	res, err := p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, AddResult{Digest: helloSum, Size: 5, New: true}, res)

	want := filepath.Join(poolRoot, "aa", "f4", helloSum)
	assert.Equal(t, want, p.Path(helloSum))

	data, err := afero.ReadFile(fs, want)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.True(t, p.Exists(helloSum))
	assert.Equal(t, int64(5), p.Length(helloSum))
}

func TestAddIsIdempotent(t *testing.T) {
	p, fs := setupPool(t)
	writeSource(t, fs, "/src/hello.txt", "hello")

	first, err := p.AddFromPath("/src/hello.txt", "")
	require.NoError(t, err)
	assert.True(t, first.New)

	second, err := p.AddFromPath("/src/hello.txt", "")
	require.NoError(t, err)
	assert.False(t, second.New)
	assert.Equal(t, first.Digest, second.Digest)

	third, err := p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, third.New)
}

func TestAddRoundTrip(t *testing.T) {
	p, _ := setupPool(t)

	for _, content := range []string{"", "a", "hello world", string(make([]byte, 100_000))} {
		res, err := p.AddFromBytes([]byte(content))
		require.NoError(t, err)

		rc, err := p.ReadStream(res.Digest)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, rc.Close())
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
		assert.Equal(t, int64(len(content)), p.Length(res.Digest))
	}
}

func TestAddEmptyContent(t *testing.T) {
	p, _ := setupPool(t)

	res, err := p.AddFromBytes(nil)
	require.NoError(t, err)
	assert.Equal(t, EmptyDigest, res.Digest)
	assert.Equal(t, int64(0), res.Size)
	assert.Equal(t, int64(0), p.Length(EmptyDigest))
}

func TestAddFromPathKnownDigestTrusted(t *testing.T) {
	p, fs := setupPool(t)
	writeSource(t, fs, "/src/hello.txt", "hello")

	res, err := p.AddFromPath("/src/hello.txt", helloSum)
	require.NoError(t, err)
	assert.Equal(t, helloSum, res.Digest)
}

func TestAddFromPathWrongKnownDigestFailsVerification(t *testing.T) {
	p, fs := setupPool(t)
	writeSource(t, fs, "/src/hello.txt", "hello")
	wrong := digest.Bytes(digest.SHA1, []byte("jello"))

	_, err := p.AddFromPath("/src/hello.txt", wrong)
	require.ErrorIs(t, err, ErrStorageWrite)
	assert.False(t, p.ExistsFresh(wrong))
	assertMissing(t, fs, p.Path(wrong)+atomicfile.TempSuffix)
}

func TestAddFromPathVerifyDigestsCorrectsMismatch(t *testing.T) {
	p, fs := setupPool(t, WithVerifyDigests(true))
	writeSource(t, fs, "/src/hello.txt", "hello")
	wrong := digest.Bytes(digest.SHA1, []byte("jello"))

	res, err := p.AddFromPath("/src/hello.txt", wrong)
	require.NoError(t, err)
	assert.Equal(t, helloSum, res.Digest)
	assert.False(t, p.ExistsFresh(wrong))
}

func TestAddFromPathRejectsMalformedDigest(t *testing.T) {
	p, fs := setupPool(t)
	writeSource(t, fs, "/src/hello.txt", "hello")

	_, err := p.AddFromPath("/src/hello.txt", "AAF4")
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestAddFromPathMissingSource(t *testing.T) {
	p, _ := setupPool(t)

	_, err := p.AddFromPath("/src/nope", "")
	require.ErrorIs(t, err, ErrIO)
}

func TestAddFromPathStaleEmptyDigestIsRecomputed(t *testing.T) {
	p, fs := setupPool(t)
	writeSource(t, fs, "/src/hello.txt", "hello")

	res, err := p.AddFromPath("/src/hello.txt", EmptyDigest)
	require.NoError(t, err)
	assert.Equal(t, helloSum, res.Digest)
}

func TestAddFromPathEmptyDigestRehashedOnce(t *testing.T) {
	p, fs := setupPool(t, WithHasher(&emptyFirstHasher{n: 1}))
	writeSource(t, fs, "/src/hello.txt", "hello")

	res, err := p.AddFromPath("/src/hello.txt", "")
	require.NoError(t, err)
	assert.Equal(t, helloSum, res.Digest)
}

func TestAddFromPathEmptyDigestPersistsIsReadError(t *testing.T) {
	p, fs := setupPool(t, WithHasher(&emptyFirstHasher{n: 10}))
	writeSource(t, fs, "/src/hello.txt", "hello")

	_, err := p.AddFromPath("/src/hello.txt", "")
	require.ErrorIs(t, err, ErrStorageRead)
	assertMissing(t, fs, p.Path(EmptyDigest))
}

func TestAddCollisionQuarantinesBothContents(t *testing.T) {
	p, fs := setupPool(t, WithHasher(fixedHasher{sum: mustDecode(helloSum)}))

	first, err := p.AddFromBytes([]byte("aaaa"))
	require.NoError(t, err)
	require.Equal(t, helloSum, first.Digest)

	_, err = p.AddFromBytes([]byte("bbbb"))
	require.ErrorIs(t, err, ErrCollision)

	var cerr *CollisionError
	require.True(t, errors.As(err, &cerr))
	assert.Equal(t, helloSum, cerr.Digest)
	assert.Equal(t, filepath.Join(poolRoot, QuarantineDir, helloSum+"_1"), cerr.Quarantine[0])
	assert.Equal(t, filepath.Join(poolRoot, QuarantineDir, helloSum+"_2"), cerr.Quarantine[1])

	existing, err := afero.ReadFile(fs, cerr.Quarantine[0])
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(existing))
	incoming, err := afero.ReadFile(fs, cerr.Quarantine[1])
	require.NoError(t, err)
	assert.Equal(t, "bbbb", string(incoming))

	// The pool entry is left untouched.
	data, err := p.ReadAll(helloSum)
	require.NoError(t, err)
	assert.Equal(t, "aaaa", string(data))
}

func TestAddReplacesEntryWithWrongLength(t *testing.T) {
	p, _ := setupPool(t, WithHasher(fixedHasher{sum: mustDecode(helloSum)}))

	_, err := p.AddFromBytes([]byte("aaaa"))
	require.NoError(t, err)

	res, err := p.AddFromBytes([]byte("cc"))
	require.NoError(t, err)
	assert.True(t, res.New)

	data, err := p.ReadAll(helloSum)
	require.NoError(t, err)
	assert.Equal(t, "cc", string(data))
}

func TestAddInterruptedLeavesNothingAtFinalPath(t *testing.T) {
	p, fs := setupPool(t)
	crash := errors.New("killed")
	p.writer.BeforeRename = func(string) error { return crash }

	_, err := p.AddFromBytes([]byte("hello"))
	require.ErrorIs(t, err, crash)
	require.ErrorIs(t, err, ErrIO)
	assertMissing(t, fs, p.Path(helloSum))
	assert.False(t, p.ExistsFresh(helloSum))

	// A retry after the crash completes the entry.
	p.writer.BeforeRename = nil
	res, err := p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, res.New)
}

func TestAddWithLeftoverTempFile(t *testing.T) {
	p, fs := setupPool(t)
	writeSource(t, fs, p.Path(helloSum)+atomicfile.TempSuffix, "he")

	res, err := p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)
	assert.True(t, res.New)

	data, err := p.ReadAll(helloSum)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestConcurrentAddsOfSameContent(t *testing.T) {
	content := bytes.Repeat([]byte("hashpool"), 512*1024)
	sum := digest.Bytes(digest.SHA1, content)

	for range 10 {
		root := filepath.Join(t.TempDir(), "filedir")

		const adders = 8
		var wg sync.WaitGroup
		errs := make([]error, adders)
		for i := range adders {
			wg.Add(1)
			go func() {
				defer wg.Done()
				p, err := Open(root, WithFs(afero.NewOsFs()))
				if err != nil {
					errs[i] = err
					return
				}
				_, errs[i] = p.AddFromBytes(content)
			}()
		}
		wg.Wait()

		for _, err := range errs {
			require.NoError(t, err)
		}

		p, err := Open(root, WithFs(afero.NewOsFs()))
		require.NoError(t, err)
		valid, err := p.Validate(sum, false)
		require.NoError(t, err)
		assert.True(t, valid)

		infos, err := os.ReadDir(filepath.Dir(p.Path(sum)))
		require.NoError(t, err)
		assert.Len(t, infos, 1, "only the entry itself may remain")
	}
}

func TestExistsFreshSeesExternalRemoval(t *testing.T) {
	p, fs := setupPool(t)

	_, err := p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)
	require.True(t, p.Exists(helloSum))

	require.NoError(t, fs.Remove(p.Path(helloSum)))
	assert.True(t, p.Exists(helloSum), "remembered presence")
	assert.False(t, p.ExistsFresh(helloSum))
	assert.False(t, p.Exists(helloSum))
}

func TestExistsWithoutCache(t *testing.T) {
	p, fs := setupPool(t, WithPresenceCache(0))

	_, err := p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)
	require.NoError(t, fs.Remove(p.Path(helloSum)))
	assert.False(t, p.Exists(helloSum))
}

func TestLengthMissing(t *testing.T) {
	p, _ := setupPool(t)

	assert.Equal(t, LengthMissing, p.Length(helloSum))
	assert.Equal(t, LengthMissing, p.Length("not-a-digest"))
}

func TestReadStreamErrors(t *testing.T) {
	p, _ := setupPool(t)

	_, err := p.ReadStream(helloSum)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = p.ReadStream("xyz")
	require.ErrorIs(t, err, ErrInvalidDigest)
}

func TestValidate(t *testing.T) {
	p, fs := setupPool(t)

	_, err := p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)

	ok, err := p.Validate(helloSum, false)
	require.NoError(t, err)
	assert.True(t, ok)

	// Corrupt the entry behind the pool's back.
	require.NoError(t, afero.WriteFile(fs, p.Path(helloSum), []byte("jello"), 0o644))

	ok, err = p.Validate(helloSum, false)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.True(t, p.ExistsFresh(helloSum))

	ok, err = p.Validate(helloSum, true)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, p.ExistsFresh(helloSum))
}

func TestValidateMissing(t *testing.T) {
	p, _ := setupPool(t)

	ok, err := p.Validate(helloSum, true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWalkSkipsStrays(t *testing.T) {
	p, fs := setupPool(t)

	_, err := p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)
	_, err = p.AddFromBytes([]byte("world"))
	require.NoError(t, err)

	writeSource(t, fs, filepath.Join(poolRoot, "aa", "f4", "junk"+atomicfile.TempSuffix), "x")
	writeSource(t, fs, filepath.Join(poolRoot, "aa", "f4", "0000000000000000000000000000000000000000"), "x")
	writeSource(t, fs, filepath.Join(poolRoot, "README"), "x")
	require.NoError(t, fs.MkdirAll(filepath.Join(poolRoot, QuarantineDir), 0o755))

	seen := map[string]int64{}
	require.NoError(t, p.Walk(func(d string, size int64) error {
		seen[d] = size
		return nil
	}))
	assert.Equal(t, map[string]int64{
		helloSum: 5,
		digest.Bytes(digest.SHA1, []byte("world")): 5,
	}, seen)
}

type recordingObserver struct {
	added      []string
	evicted    []string
	restorable bool
}

func (o *recordingObserver) OnContentAdded(path, d string) {
	o.added = append(o.added, d)
}

func (o *recordingObserver) OnContentEvicted(d, trashPath string) bool {
	o.evicted = append(o.evicted, d)
	return o.restorable
}

func TestObserverNotifiedOnlyForNewContent(t *testing.T) {
	obs := &recordingObserver{}
	p, _ := setupPool(t, WithObserver(obs))

	_, err := p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)
	_, err = p.AddFromBytes([]byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, []string{helloSum}, obs.added)
}
