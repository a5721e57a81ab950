package atomicfile

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aweris/hashpool/internal/digest"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloSum = "aaf4c61ddcc5e8a2dabede0f3b482cd9aea9434d"

func TestWrite(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := New(fs, digest.SHA1)
	final := "/pool/aa/f4/" + helloSum

	written, err := w.Write(final, bytes.NewReader([]byte("hello")), helloSum, 5)
	require.NoError(t, err)
	assert.True(t, written)

	data, err := afero.ReadFile(fs, final)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	ok, err := afero.Exists(fs, final+TempSuffix)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteExistingSameLengthIsNoop(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := New(fs, digest.SHA1)
	final := "/pool/aa/f4/" + helloSum
	require.NoError(t, fs.MkdirAll(filepath.Dir(final), 0o755))
	require.NoError(t, afero.WriteFile(fs, final, []byte("hello"), 0o644))

	written, err := w.Write(final, bytes.NewReader([]byte("hello")), helloSum, 5)
	require.NoError(t, err)
	assert.False(t, written)
}

func TestWriteLengthMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := New(fs, digest.SHA1)
	final := "/pool/aa/f4/" + helloSum

	_, err := w.Write(final, bytes.NewReader([]byte("hell")), helloSum, 5)
	require.ErrorIs(t, err, ErrVerify)

	for _, p := range []string{final, final + TempSuffix} {
		ok, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.False(t, ok, p)
	}
}

func TestWriteDigestMismatch(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := New(fs, digest.SHA1)
	final := "/pool/aa/f4/" + helloSum

	_, err := w.Write(final, bytes.NewReader([]byte("jello")), helloSum, 5)
	require.ErrorIs(t, err, ErrVerify)

	ok, err := afero.Exists(fs, final)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteInterruptedBeforeRename(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := New(fs, digest.SHA1)
	crash := errors.New("simulated crash")
	w.BeforeRename = func(string) error { return crash }
	final := "/pool/aa/f4/" + helloSum

	_, err := w.Write(final, bytes.NewReader([]byte("hello")), helloSum, 5)
	require.ErrorIs(t, err, crash)

	ok, err := afero.Exists(fs, final)
	require.NoError(t, err)
	assert.False(t, ok, "final path must not be visible")

	// Only the temp file may remain.
	infos, err := afero.ReadDir(fs, filepath.Dir(final))
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, helloSum+TempSuffix, infos[0].Name())

	// A later write goes through a fresh temp file.
	w.BeforeRename = nil
	written, err := w.Write(final, bytes.NewReader([]byte("hello")), helloSum, 5)
	require.NoError(t, err)
	assert.True(t, written)
}

func TestWriteLeavesForeignTempAlone(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := New(fs, digest.SHA1)
	final := "/pool/aa/f4/" + helloSum
	require.NoError(t, fs.MkdirAll(filepath.Dir(final), 0o755))
	require.NoError(t, afero.WriteFile(fs, final+TempSuffix, []byte("he"), 0o644))

	var used string
	w.BeforeRename = func(tmp string) error {
		used = tmp
		return nil
	}
	written, err := w.Write(final, bytes.NewReader([]byte("hello")), helloSum, 5)
	require.NoError(t, err)
	assert.True(t, written)
	assert.NotEqual(t, final+TempSuffix, used)
	assert.Equal(t, filepath.Dir(final), filepath.Dir(used))

	// The other writer's temp file is untouched.
	partial, err := afero.ReadFile(fs, final+TempSuffix)
	require.NoError(t, err)
	assert.Equal(t, "he", string(partial))

	data, err := afero.ReadFile(fs, final)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestWriteFailureAfterConcurrentSuccess(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := New(fs, digest.SHA1)
	final := "/pool/aa/f4/" + helloSum

	// Another writer lands the content while this one is about to rename.
	w.BeforeRename = func(string) error {
		require.NoError(t, afero.WriteFile(fs, final, []byte("hello"), 0o644))
		return errors.New("rename lost")
	}
	written, err := w.Write(final, bytes.NewReader([]byte("hello")), helloSum, 5)
	require.NoError(t, err)
	assert.False(t, written)
}

func TestWriteConcurrentSameTarget(t *testing.T) {
	root := t.TempDir()
	content := bytes.Repeat([]byte("0123456789abcdef"), 256*1024)
	sum := digest.Bytes(digest.SHA1, content)
	final := filepath.Join(root, sum[:2], sum[2:4], sum)

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w := New(afero.NewOsFs(), digest.SHA1)
			_, errs[i] = w.Write(final, bytes.NewReader(content), sum, int64(len(content)))
		}()
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	infos, err := os.ReadDir(filepath.Dir(final))
	require.NoError(t, err)
	require.Len(t, infos, 1, "temp files must not be left behind")
	assert.Equal(t, sum, infos[0].Name())
}

func TestWritePanicBeforeRename(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := New(fs, digest.SHA1)
	w.BeforeRename = func(string) error { panic("killed") }
	final := "/pool/aa/f4/" + helloSum

	assert.Panics(t, func() {
		_, _ = w.Write(final, bytes.NewReader([]byte("hello")), helloSum, 5)
	})

	ok, err := afero.Exists(fs, final)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestWriteOnDiskSetsMode(t *testing.T) {
	root := t.TempDir()
	w := New(afero.NewOsFs(), digest.SHA1)
	w.FileMode = 0o640
	final := filepath.Join(root, "aa", "f4", helloSum)

	_, err := w.Write(final, bytes.NewReader([]byte("hello")), helloSum, 5)
	require.NoError(t, err)

	info, err := os.Stat(final)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())
}

func TestWriteUnknownSize(t *testing.T) {
	fs := afero.NewMemMapFs()
	w := New(fs, digest.SHA1)
	final := "/pool/aa/f4/" + helloSum

	written, err := w.Write(final, bytes.NewReader([]byte("hello")), helloSum, -1)
	require.NoError(t, err)
	assert.True(t, written)

	_, err = w.Write("/pool/other", bytes.NewReader([]byte("jello")), helloSum, -1)
	require.ErrorIs(t, err, ErrVerify)
}
