// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/inboxfs/lib/atomicfile"
	"github.com/bureau-foundation/inboxfs/lib/codec"
	"github.com/bureau-foundation/inboxfs/lib/sealed"
)

// payloadVersion is bumped when the persisted layout changes
// incompatibly. Older payloads are rejected as corrupt.
const payloadVersion = 1

const (
	sessionFile = "session.age"
	keyFile     = "session.key"
	lockFile    = "session.lock"
	loginLock   = "login.lock"
)

type payload struct {
	Version int      `cbor:"version"`
	Session *Session `cbor:"session"`
}

// Store persists the session in a directory.
type Store struct {
	dir string
}

// NewStore returns a store rooted at dir. The directory is created
// with mode 0700 on first write.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the store's directory.
func (store *Store) Dir() string { return store.dir }

func (store *Store) path(name string) string { return filepath.Join(store.dir, name) }

func (store *Store) ensureDir() error {
	if err := os.MkdirAll(store.dir, 0o700); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}
	return nil
}

// Load reads the persisted session. It returns nil, nil when there is
// none, and an error wrapping ErrCorrupt when the file exists but
// cannot be used.
func (store *Store) Load() (*Session, error) {
	ciphertext, err := os.ReadFile(store.path(sessionFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	identity, err := store.readIdentity()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	plaintext, err := sealed.Open(ciphertext, identity)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}

	var decoded payload
	if err := codec.Unmarshal(plaintext, &decoded); err != nil {
		return nil, fmt.Errorf("%w: decoding: %w", ErrCorrupt, err)
	}
	if decoded.Version != payloadVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorrupt, decoded.Version)
	}
	if decoded.Session == nil || decoded.Session.AccessToken == "" || decoded.Session.User.ID == "" {
		return nil, fmt.Errorf("%w: incomplete session", ErrCorrupt)
	}
	return decoded.Session, nil
}

// readIdentity reads the existing key without creating one; a session
// file without its key is unreadable.
func (store *Store) readIdentity() (*age.X25519Identity, error) {
	if _, err := os.Stat(store.path(keyFile)); err != nil {
		return nil, fmt.Errorf("session key: %w", err)
	}
	identity, _, err := sealed.LoadOrCreateIdentity(store.path(keyFile))
	return identity, err
}

// Save encrypts and atomically replaces the persisted session.
func (store *Store) Save(session *Session) error {
	if err := store.ensureDir(); err != nil {
		return err
	}
	identity, _, err := sealed.LoadOrCreateIdentity(store.path(keyFile))
	if err != nil {
		// An unreadable key would make every future Load fail. Replace
		// it; the session it protected is already lost.
		if removeErr := os.Remove(store.path(keyFile)); removeErr != nil && !errors.Is(removeErr, fs.ErrNotExist) {
			return fmt.Errorf("replacing session key: %w", removeErr)
		}
		identity, _, err = sealed.LoadOrCreateIdentity(store.path(keyFile))
		if err != nil {
			return err
		}
	}

	plaintext, err := codec.Marshal(payload{Version: payloadVersion, Session: session})
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	ciphertext, err := sealed.Seal(plaintext, identity)
	if err != nil {
		return fmt.Errorf("encrypting session: %w", err)
	}
	return atomicfile.Write(store.path(sessionFile), ciphertext, 0o600)
}

// Delete removes the persisted session. A missing session is not an
// error. The key is kept for the next login.
func (store *Store) Delete() error {
	err := os.Remove(store.path(sessionFile))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("deleting session: %w", err)
	}
	return nil
}

// TryLockLogin takes the cross-process login lock without blocking.
// It fails with ErrAlreadyInProgress if another process holds it.
func (store *Store) TryLockLogin() (unlock func(), err error) {
	return store.flock(loginLock, unix.LOCK_EX|unix.LOCK_NB)
}

// Lock takes the cross-process write lock, blocking until it is free.
// Every change to the persisted session happens under it, after
// rereading the file.
func (store *Store) Lock() (unlock func(), err error) {
	return store.flock(lockFile, unix.LOCK_EX)
}

func (store *Store) flock(name string, how int) (unlock func(), err error) {
	if err := store.ensureDir(); err != nil {
		return nil, err
	}
	file, err := os.OpenFile(store.path(name), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", name, err)
	}
	for {
		err = unix.Flock(int(file.Fd()), how)
		if !errors.Is(err, unix.EINTR) {
			break
		}
	}
	if err != nil {
		file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, ErrAlreadyInProgress
		}
		return nil, fmt.Errorf("locking %s: %w", store.path(name), err)
	}
	return func() {
		_ = unix.Flock(int(file.Fd()), unix.LOCK_UN)
		file.Close()
	}, nil
}
