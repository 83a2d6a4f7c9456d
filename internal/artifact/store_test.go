package artifact

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/sopline/internal/data/cryptoutil"
	apperrors "github.com/target/sopline/internal/errors"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	root := t.TempDir()
	backend, err := NewLocalBackend(root)
	require.NoError(t, err)
	key := make([]byte, cryptoutil.KeySize)
	_, err = rand.Read(key)
	require.NoError(t, err)
	s, err := NewStore(StoreOptions{Backend: backend, Key: key, TempDir: t.TempDir()})
	require.NoError(t, err)
	return s, root
}

func TestNewStoreValidatesKey(t *testing.T) {
	backend, err := NewLocalBackend(t.TempDir())
	require.NoError(t, err)
	_, err = NewStore(StoreOptions{Backend: backend, Key: []byte("short")})
	require.Error(t, err)
	_, err = NewStore(StoreOptions{Key: make([]byte, cryptoutil.KeySize)})
	require.Error(t, err)
}

func TestPutOpenRoundTrip(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()

	for _, size := range []int{0, 1, 15, 16, 17, 4096, 100_000} {
		plain := make([]byte, size)
		_, _ = rand.Read(plain)
		key := ExportKey("job-1", "pdf")

		n, err := s.Put(ctx, key, bytes.NewReader(plain))
		require.NoError(t, err)
		assert.Equal(t, int64(size), n)

		stored, err := os.ReadFile(filepath.Join(root, "exports", "job-1.pdf"))
		require.NoError(t, err)
		assert.Len(t, stored, cryptoutil.IVSize+(size/16+1)*16)
		if size >= 16 {
			assert.NotContains(t, string(stored), string(plain[:16]))
		}

		path, release, err := s.Open(ctx, key)
		require.NoError(t, err)
		got, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(plain, got), "size %d", size)

		release()
		release()
		_, err = os.Stat(path)
		assert.True(t, errors.Is(err, os.ErrNotExist))
	}
}

func TestPutFileReportsPlaintextSize(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.pdf")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	n, err := s.PutFile(ctx, ExportKey("job-1", "pdf"), empty)
	require.NoError(t, err)
	assert.Zero(t, n)

	stored, err := os.ReadFile(filepath.Join(root, "exports", "job-1.pdf"))
	require.NoError(t, err)
	assert.Len(t, stored, cryptoutil.IVSize+16, "ciphertext still carries the IV and a padding block")

	doc := filepath.Join(dir, "doc.md")
	require.NoError(t, os.WriteFile(doc, []byte("# Purpose"), 0o600))
	n, err = s.PutFile(ctx, ExportKey("job-1", "md"), doc)
	require.NoError(t, err)
	assert.Equal(t, int64(len("# Purpose")), n)
}

func TestServeAlwaysReleases(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	_, err := s.Put(ctx, "exports/a.md", strings.NewReader("# doc"))
	require.NoError(t, err)

	var served string
	boom := errors.New("client went away")
	err = s.Serve(ctx, "exports/a.md", func(path string) error {
		served = path
		data, readErr := os.ReadFile(path)
		require.NoError(t, readErr)
		assert.Equal(t, "# doc", string(data))
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, statErr := os.Stat(served)
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "plaintext must be removed after a failed serve")
}

func TestOpenMissingAndCorrupt(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()

	_, release, err := s.Open(ctx, "exports/missing.pdf")
	require.ErrorIs(t, err, ErrNotFound)
	assert.True(t, apperrors.IsNotFound(err))
	release()

	require.NoError(t, os.MkdirAll(filepath.Join(root, "exports"), 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(root, "exports", "bad.pdf"), []byte("0123456789abcdef-not-aligned"), 0o600))
	_, _, err = s.Open(ctx, "exports/bad.pdf")
	require.Error(t, err)
	assert.ErrorIs(t, err, cryptoutil.ErrCorruptCiphertext)
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()
	_, err := s.Put(ctx, "exports/x.md", strings.NewReader(strings.Repeat("secret ", 20)))
	require.NoError(t, err)

	backend, err := NewLocalBackend(root)
	require.NoError(t, err)
	other, err := NewStore(StoreOptions{Backend: backend, Key: bytes.Repeat([]byte{7}, cryptoutil.KeySize)})
	require.NoError(t, err)

	path, release, err := other.Open(ctx, "exports/x.md")
	defer release()
	if err == nil {
		data, _ := os.ReadFile(path)
		assert.NotEqual(t, strings.Repeat("secret ", 20), string(data))
	}
}

func TestDeleteAndSize(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, ScreenshotKey("job-1", 1), strings.NewReader("jpeg"))
	require.NoError(t, err)
	size, err := s.Size(ctx, ScreenshotKey("job-1", 1))
	require.NoError(t, err)
	assert.Equal(t, int64(cryptoutil.IVSize+16), size)

	require.NoError(t, s.Delete(ctx, ScreenshotKey("job-1", 1)))
	require.NoError(t, s.Delete(ctx, ScreenshotKey("job-1", 1)), "deleting a missing artifact is not an error")
	_, err = s.Size(ctx, ScreenshotKey("job-1", 1))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestInvalidKeys(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	for _, key := range []string{"", "/etc/passwd", "../escape", "exports/../../x", "exports//a", "a\\b", "exports/./a"} {
		_, err := s.Put(ctx, key, strings.NewReader("x"))
		assert.True(t, apperrors.IsValidation(err), key)
	}
}

func TestSweep(t *testing.T) {
	s, root := newTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, UploadKey("old", ".mp4"), strings.NewReader("old"))
	require.NoError(t, err)
	_, err = s.Put(ctx, UploadKey("new", ".mp4"), strings.NewReader("new"))
	require.NoError(t, err)
	_, err = s.Put(ctx, ExportKey("keep", "pdf"), strings.NewReader("pdf"))
	require.NoError(t, err)

	old := time.Now().Add(-10 * 24 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "uploads", "old.mp4"), old, old))
	require.NoError(t, os.Chtimes(filepath.Join(root, "exports", "keep.pdf"), old, old))

	res, err := s.Sweep(ctx, PrefixUploads, time.Now().Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, SweepResult{Deleted: 1}, res)

	_, err = s.Size(ctx, UploadKey("old", "mp4"))
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.Size(ctx, UploadKey("new", "mp4"))
	require.NoError(t, err)
	_, err = s.Size(ctx, ExportKey("keep", "pdf"))
	require.NoError(t, err, "sweep is limited to its prefix")

	res, err = s.Sweep(ctx, "screenshots", time.Now())
	require.NoError(t, err)
	assert.Equal(t, SweepResult{}, res)
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "exports/j.pdf", ExportKey("j", "pdf"))
	assert.Equal(t, "screenshots/j/007.jpg", ScreenshotKey("j", 7))
	assert.Equal(t, "uploads/u.mp4", UploadKey("u", ".MP4"))
	assert.Equal(t, "uploads/u.bin", UploadKey("u", ""))
	assert.True(t, IsUploadKey("uploads/u.mp4"))
	assert.False(t, IsUploadKey("exports/u.pdf"))
}

func TestIsInUse(t *testing.T) {
	assert.True(t, IsInUse(&os.PathError{Op: "remove", Path: "x", Err: syscall.EBUSY}))
	assert.False(t, IsInUse(os.ErrNotExist))
}
