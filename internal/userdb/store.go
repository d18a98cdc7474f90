// Package userdb implements the read-mostly credential store: a bbolt-backed
// username to Argon2id password-hash map with stat-based auto-reload and a
// bounded worker pool for off-path asynchronous verification.
package userdb

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"go.etcd.io/bbolt"
	"golang.org/x/crypto/argon2"
)

var bucketName = []byte("users")

const maxUsernameLen = 30

// ErrUsernameTooLong is returned when a username exceeds the wire format's
// 30-byte field.
var ErrUsernameTooLong = errors.New("userdb: username exceeds 30 bytes")

// Result is delivered on the channel returned by Check.
type Result struct {
	OK  bool
	Err error
}

// Store is a read-only (from the proxy's perspective) credential database.
// When Path is empty it operates in pass-through mode where every check
// succeeds, useful for local development.
type Store struct {
	path       string
	autoReload bool
	workers    int

	mu            sync.RWMutex
	db            *bbolt.DB
	stat          os.FileInfo
	lastReloadErr error

	jobs   chan checkJob
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type checkJob struct {
	ctx      context.Context
	username string
	password string
	resultCh chan<- Result
}

// Open creates a credential store. If path is empty the store runs in
// pass-through mode. workers bounds the number of goroutines performing
// Argon2 verification concurrently; it defaults to the CPU count if zero
// or negative. Auto-reload requires RUNTIME_DIRECTORY in the environment:
// the database is copied there and opened from the copy, leaving the
// source file free for an external updater to rewrite.
func Open(path string, autoReload bool, workers int) (*Store, error) {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	s := &Store{
		path:       path,
		autoReload: autoReload,
		workers:    workers,
		jobs:       make(chan checkJob, 64),
		stopCh:     make(chan struct{}),
	}

	if path != "" {
		if err := s.open(); err != nil {
			return nil, err
		}
	}

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s, nil
}

func (s *Store) open() error {
	info, err := os.Stat(s.path)
	if err != nil {
		return fmt.Errorf("userdb: stat %s: %w", s.path, err)
	}

	openPath := s.path
	if s.autoReload {
		dir := os.Getenv("RUNTIME_DIRECTORY")
		if dir == "" {
			return errors.New("userdb: auto-reload requires RUNTIME_DIRECTORY to be set")
		}
		openPath = filepath.Join(dir, "user.db")
		if err := copyFile(s.path, openPath); err != nil {
			return fmt.Errorf("userdb: copy to runtime directory: %w", err)
		}
	}

	db, err := bbolt.Open(openPath, 0600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("userdb: open %s: %w", openPath, err)
	}

	s.mu.Lock()
	if s.db != nil {
		s.db.Close()
	}
	s.db = db
	s.stat = info
	s.lastReloadErr = nil
	s.mu.Unlock()
	return nil
}

// maybeReload reopens the database if AutoReload is set and the file's
// mtime has changed since it was last opened. A failed reload latches its
// error until a subsequent mtime change clears it.
func (s *Store) maybeReload() error {
	if !s.autoReload || s.path == "" {
		return nil
	}

	info, err := os.Stat(s.path)
	if err != nil {
		s.mu.Lock()
		s.lastReloadErr = err
		s.mu.Unlock()
		return err
	}

	s.mu.RLock()
	unchanged := s.stat != nil && s.stat.ModTime().Equal(info.ModTime()) && s.stat.Size() == info.Size()
	latched := s.lastReloadErr
	s.mu.RUnlock()

	if unchanged {
		return latched
	}

	if err := s.open(); err != nil {
		s.mu.Lock()
		s.stat = info
		s.lastReloadErr = err
		s.mu.Unlock()
		return err
	}
	return nil
}

// Check asynchronously verifies username/password and delivers exactly one
// Result on the returned channel, unless ctx is canceled first, in which
// case nothing is ever sent and the channel is closed.
func (s *Store) Check(ctx context.Context, username, password string) <-chan Result {
	resultCh := make(chan Result, 1)

	if len(username) > maxUsernameLen {
		resultCh <- Result{Err: ErrUsernameTooLong}
		return resultCh
	}

	select {
	case s.jobs <- checkJob{ctx: ctx, username: strings.ToUpper(username), password: password, resultCh: resultCh}:
	case <-ctx.Done():
		close(resultCh)
	}
	return resultCh
}

func (s *Store) worker() {
	defer s.wg.Done()
	for {
		select {
		case job := <-s.jobs:
			if job.ctx.Err() != nil {
				close(job.resultCh)
				continue
			}
			ok, err := s.verify(job.username, job.password)
			if job.ctx.Err() != nil {
				close(job.resultCh)
				continue
			}
			job.resultCh <- Result{OK: ok, Err: err}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) verify(username, password string) (bool, error) {
	if s.path == "" {
		return true, nil
	}

	if err := s.maybeReload(); err != nil {
		return false, err
	}

	// Hold the read lock across the whole lookup so a concurrent reload
	// cannot close the handle under an in-flight View.
	s.mu.RLock()
	defer s.mu.RUnlock()
	db := s.db

	var stored string
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return errNoSuchUser
		}
		v := b.Get([]byte(username))
		if v == nil {
			return errNoSuchUser
		}
		stored = string(v)
		return nil
	})
	if err != nil {
		if errors.Is(err, errNoSuchUser) {
			return false, nil
		}
		return false, err
	}

	return verifyPHC(stored, password)
}

var errNoSuchUser = errors.New("userdb: no such user")

// copyFile replaces dst with a copy of src, going through a temporary file
// and rename so a concurrent reader never observes a half-written database.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*")
	if err != nil {
		return err
	}
	if _, err := io.Copy(tmp, in); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// Close stops the worker pool and the underlying database handle.
func (s *Store) Close() error {
	close(s.stopCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Put writes (or overwrites) a single credential entry, hashing password
// with Argon2id. Used by the offline administration tool, never by the
// running proxy.
func Put(path, username, password string) error {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return fmt.Errorf("userdb: open %s: %w", path, err)
	}
	defer db.Close()

	phc, err := hashPHC(password)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketName)
		if err != nil {
			return err
		}
		return b.Put([]byte(strings.ToUpper(username)), []byte(phc))
	})
}

// Remove deletes a single credential entry.
func Remove(path, username string) error {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return fmt.Errorf("userdb: open %s: %w", path, err)
	}
	defer db.Close()

	return db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(strings.ToUpper(username)))
	})
}

// List returns every username currently stored.
func List(path string) ([]string, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("userdb: open %s: %w", path, err)
	}
	defer db.Close()

	var users []string
	err = db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, _ []byte) error {
			users = append(users, string(k))
			return nil
		})
	})
	return users, err
}

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

func hashPHC(password string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(randReader, salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return fmt.Sprintf("$argon2id$v=19$m=%d,t=%d,p=%d$%s$%s",
		argonMemory, argonTime, argonThreads, b64(salt), b64(hash)), nil
}

func verifyPHC(phc, password string) (bool, error) {
	parts := strings.Split(phc, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, fmt.Errorf("userdb: unrecognized hash format")
	}
	var m, t, p uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &m, &t, &p); err != nil {
		return false, fmt.Errorf("userdb: malformed hash parameters: %w", err)
	}
	salt, err := unb64(parts[4])
	if err != nil {
		return false, err
	}
	want, err := unb64(parts[5])
	if err != nil {
		return false, err
	}
	got := argon2.IDKey([]byte(password), salt, t, m, uint8(p), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

var randReader = rand.Reader

func b64(b []byte) string {
	return base64.RawStdEncoding.EncodeToString(b)
}

func unb64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(s)
}
