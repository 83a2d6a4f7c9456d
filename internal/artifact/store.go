// Package artifact persists pipeline outputs encrypted at rest.
//
// Every object is stored as [16-byte IV][AES-256-CBC ciphertext] under a single process-wide key.
// Readers never see ciphertext: Open decrypts into a private temp file that release removes.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/target/sopline/internal/data/cryptoutil"
	apperrors "github.com/target/sopline/internal/errors"
)

// ErrNotFound is returned by backends for a missing object.
var ErrNotFound = apperrors.NotFound("artifact not found")

// Backend stores opaque (already encrypted) objects.
type Backend interface {
	Write(ctx context.Context, key string, r io.Reader) error
	Read(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// StoreOptions configure a Store.
type StoreOptions struct {
	Backend Backend
	Key     []byte // 32-byte encryption key
	TempDir string // where decrypted copies are written, defaults to os.TempDir()
	Logger  *slog.Logger
}

// Store encrypts on write and decrypts on read.
type Store struct {
	backend Backend
	key     []byte
	tempDir string
	logger  *slog.Logger
}

// NewStore constructs a Store.
func NewStore(opts StoreOptions) (*Store, error) {
	if opts.Backend == nil {
		return nil, errors.New("artifact: backend is required")
	}
	if len(opts.Key) != cryptoutil.KeySize {
		return nil, fmt.Errorf("artifact: key must be %d bytes", cryptoutil.KeySize)
	}
	s := &Store{
		backend: opts.Backend,
		key:     append([]byte(nil), opts.Key...),
		tempDir: opts.TempDir,
		logger:  opts.Logger,
	}
	if s.tempDir == "" {
		s.tempDir = os.TempDir()
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With("component", "artifact_store")
	return s, nil
}

// Put encrypts r and stores it under key. It returns the number of plaintext bytes written.
func (s *Store) Put(ctx context.Context, key string, r io.Reader) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}

	pr, pw := io.Pipe()
	src := &countingReader{r: r}
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := cryptoutil.EncryptStream(s.key, pw, src)
		_ = pw.CloseWithError(err)
	}()

	err := s.backend.Write(ctx, key, pr)
	// Unblock the encrypting goroutine if the backend stopped reading early.
	_ = pr.CloseWithError(errors.New("artifact: write aborted"))
	<-done
	if err != nil {
		return 0, fmt.Errorf("store artifact %s: %w", key, err)
	}
	s.logger.DebugContext(ctx, "artifact stored", "key", key, "bytes", src.n)
	return src.n, nil
}

// countingReader counts the plaintext bytes handed to the cipher.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// PutFile encrypts the file at path and stores it under key.
func (s *Store) PutFile(ctx context.Context, key, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return s.Put(ctx, key, f)
}

// Open decrypts the object into a private temp file. release removes the file and is safe to call
// more than once; callers must call it whether or not they used the file.
func (s *Store) Open(ctx context.Context, key string) (string, func(), error) {
	noop := func() {}
	if err := ValidateKey(key); err != nil {
		return "", noop, err
	}
	rc, err := s.backend.Read(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return "", noop, ErrNotFound
		}
		return "", noop, fmt.Errorf("read artifact %s: %w", key, err)
	}
	defer rc.Close()

	if err := os.MkdirAll(s.tempDir, 0o700); err != nil {
		return "", noop, err
	}
	tmp, err := os.CreateTemp(s.tempDir, "artifact-*"+filepath.Ext(key))
	if err != nil {
		return "", noop, err
	}
	tmpPath := tmp.Name()
	release := func() {
		if err := os.Remove(tmpPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("failed to remove decrypted artifact", "path", tmpPath, "error", err)
		}
	}

	if _, err := cryptoutil.DecryptStream(s.key, tmp, rc); err != nil {
		_ = tmp.Close()
		release()
		return "", noop, fmt.Errorf("decrypt artifact %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		release()
		return "", noop, err
	}
	return tmpPath, release, nil
}

// Serve decrypts the object, hands the plaintext path to fn, and always removes the plaintext afterwards.
func (s *Store) Serve(ctx context.Context, key string, fn func(path string) error) error {
	path, release, err := s.Open(ctx, key)
	if err != nil {
		return err
	}
	defer release()
	return fn(path)
}

// Delete removes the object immediately. A missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	if err := s.backend.Delete(ctx, key); err != nil {
		return fmt.Errorf("delete artifact %s: %w", key, err)
	}
	return nil
}

// Size returns the stored (encrypted) size of the object.
func (s *Store) Size(ctx context.Context, key string) (int64, error) {
	if err := ValidateKey(key); err != nil {
		return 0, err
	}
	info, err := s.backend.Stat(ctx, key)
	if err != nil {
		return 0, err
	}
	return info.Size, nil
}

// SweepResult summarises a retention sweep.
type SweepResult struct {
	Deleted int
	InUse   int
	Failed  int
}

// Sweep deletes objects under prefix last modified before cutoff. Objects that are gone or in use
// are skipped without aborting the sweep.
func (s *Store) Sweep(ctx context.Context, prefix string, before time.Time) (SweepResult, error) {
	var res SweepResult
	objects, err := s.backend.List(ctx, prefix)
	if err != nil {
		return res, fmt.Errorf("list artifacts %s: %w", prefix, err)
	}
	for _, obj := range objects {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !obj.ModTime.Before(before) {
			continue
		}
		switch err := s.backend.Delete(ctx, obj.Key); {
		case err == nil:
			res.Deleted++
		case IsInUse(err):
			res.InUse++
			s.logger.WarnContext(ctx, "artifact in use, could not delete", "key", obj.Key)
		default:
			res.Failed++
			s.logger.ErrorContext(ctx, "failed to delete artifact", "key", obj.Key, "error", err)
		}
	}
	return res, nil
}

// IsInUse reports whether a delete failed because the file is busy or locked.
func IsInUse(err error) bool {
	return errors.Is(err, syscall.EBUSY) || errors.Is(err, syscall.EPERM)
}
