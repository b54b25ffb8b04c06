// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package attachstore

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"

	"github.com/bureau-foundation/inboxfs/lib/mailbox"
	"github.com/bureau-foundation/inboxfs/lib/netutil"
)

// ErrFetchFailed wraps the cause of a download that could not
// complete. No partial content is left behind.
var ErrFetchFailed = errors.New("attachstore: fetch failed")

// ErrClosed is returned for fetches requested after Close.
var ErrClosed = errors.New("attachstore: store closed")

// blobDomainKey separates blob names from any other BLAKE3 use. It is
// the ASCII domain name zero-padded to 32 bytes. Changing it orphans
// every cached blob.
var blobDomainKey = [32]byte{
	'i', 'n', 'b', 'o', 'x', 'f', 's', '.', 'a', 't', 't', 'a', 'c', 'h', 'm', 'e',
	'n', 't', '.', 'b', 'l', 'o', 'b', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// partialPrefix marks downloads in progress.
const partialPrefix = ".partial-"

// Details resolves the part list of an item. *inbox.Cache satisfies
// it.
type Details interface {
	Detail(ctx context.Context, id string) (*mailbox.ItemDetail, error)
}

// Parts downloads part content. *mailbox.Client satisfies it.
type Parts interface {
	FetchPart(ctx context.Context, detail *mailbox.ItemDetail, index int, byteRange mailbox.ByteRange) (*mailbox.Attachment, error)
}

// Config holds configuration for a Store.
type Config struct {
	// Dir holds the blob files. Created with mode 0700 if missing.
	Dir string

	Details Details
	Parts   Parts

	// FetchTimeout bounds one download. Defaults to two minutes.
	FetchTimeout time.Duration

	// MaxSize caps one attachment. Defaults to 1 GiB.
	MaxSize int64

	Logger *slog.Logger
}

// Store is the local attachment cache. It is safe for concurrent use.
type Store struct {
	dir          string
	details      Details
	parts        Parts
	fetchTimeout time.Duration
	maxSize      int64
	logger       *slog.Logger

	group singleflight.Group

	lifecycleMu sync.Mutex
	closed      bool
	root        context.Context
	cancel      context.CancelFunc
	work        sync.WaitGroup
}

// New creates the store directory if needed and removes partial
// downloads left by an earlier process. Only partials untouched for
// longer than FetchTimeout are removed, since another mount sharing
// the directory may still be writing younger ones.
func New(config Config) (*Store, error) {
	if config.Dir == "" {
		return nil, fmt.Errorf("attachstore: directory is required")
	}
	if config.Details == nil || config.Parts == nil {
		return nil, fmt.Errorf("attachstore: details and parts sources are required")
	}
	if err := os.MkdirAll(config.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating attachment directory: %w", err)
	}
	fetchTimeout := config.FetchTimeout
	if fetchTimeout <= 0 {
		fetchTimeout = 2 * time.Minute
	}
	maxSize := config.MaxSize
	if maxSize <= 0 {
		maxSize = 1 << 30
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	root, cancel := context.WithCancel(context.Background())
	store := &Store{
		dir:          config.Dir,
		details:      config.Details,
		parts:        config.Parts,
		fetchTimeout: fetchTimeout,
		maxSize:      maxSize,
		logger:       logger,
		root:         root,
		cancel:       cancel,
	}
	if removed, err := store.sweep(time.Now().Add(-fetchTimeout)); err != nil {
		logger.Warn("sweeping partial downloads failed", "dir", config.Dir, "error", err)
	} else if removed > 0 {
		logger.Info("removed partial downloads from an earlier run", "count", removed)
	}
	return store, nil
}

// BlobName returns the file name of an attachment's blob. It depends
// only on the item id and part index.
func BlobName(itemID string, index int) string {
	hasher, err := blake3.NewKeyed(blobDomainKey[:])
	if err != nil {
		panic("attachstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	// Length-prefix the id so that no (id, index) pair can encode
	// the same bytes as another.
	var scratch [8]byte
	binary.BigEndian.PutUint64(scratch[:], uint64(len(itemID)))
	hasher.Write(scratch[:])
	hasher.Write([]byte(itemID))
	binary.BigEndian.PutUint64(scratch[:], uint64(index))
	hasher.Write(scratch[:])
	return hex.EncodeToString(hasher.Sum(nil))
}

// Path returns where the attachment's blob lives once fetched.
func (store *Store) Path(itemID string, index int) string {
	return filepath.Join(store.dir, BlobName(itemID, index))
}

// Cached reports whether the attachment is resident, and its size.
func (store *Store) Cached(itemID string, index int) (size int64, ok bool) {
	info, err := os.Stat(store.Path(itemID, index))
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}
	return info.Size(), true
}

// Fetch returns the local path of the attachment, downloading it
// first if it is not resident. Concurrent calls for one attachment
// share one download. Errors wrap ErrFetchFailed and the cause.
func (store *Store) Fetch(ctx context.Context, itemID string, index int) (string, error) {
	path := store.Path(itemID, index)
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}

	channel := store.group.DoChan(BlobName(itemID, index), func() (any, error) {
		if !store.begin() {
			return nil, ErrClosed
		}
		defer store.work.Done()
		// Another download may have published between the check
		// above and acquiring the key.
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
		downloadContext, cancel := context.WithTimeout(store.root, store.fetchTimeout)
		defer cancel()
		if err := store.download(downloadContext, itemID, index, path); err != nil {
			store.logger.Warn("attachment download failed",
				"item", itemID, "index", index, "error", err)
			return nil, fmt.Errorf("%w: item %s attachment %d: %w", ErrFetchFailed, itemID, index, err)
		}
		return path, nil
	})
	select {
	case result := <-channel:
		if result.Err != nil {
			return "", result.Err
		}
		return result.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Open fetches the attachment and opens its blob for reading.
func (store *Store) Open(ctx context.Context, itemID string, index int) (*os.File, error) {
	path, err := store.Fetch(ctx, itemID, index)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cached attachment: %w", err)
	}
	return file, nil
}

// ReadAt fetches the attachment and reads up to len(buffer) bytes at
// offset. Reading at or past the end returns zero bytes and no error.
func (store *Store) ReadAt(ctx context.Context, itemID string, index int, buffer []byte, offset int64) (int, error) {
	file, err := store.Open(ctx, itemID, index)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	return ReadRange(file, buffer, offset)
}

// ReadRange reads up to len(buffer) bytes at offset, treating a short
// read at end of file as success.
func ReadRange(reader io.ReaderAt, buffer []byte, offset int64) (int, error) {
	if offset < 0 {
		return 0, fmt.Errorf("negative offset %d", offset)
	}
	count, err := reader.ReadAt(buffer, offset)
	if errors.Is(err, io.EOF) {
		return count, nil
	}
	return count, err
}

// Close aborts in-flight downloads and waits for them to clean up.
func (store *Store) Close() {
	store.lifecycleMu.Lock()
	if store.closed {
		store.lifecycleMu.Unlock()
		return
	}
	store.closed = true
	store.lifecycleMu.Unlock()

	store.cancel()
	store.work.Wait()
}

func (store *Store) begin() bool {
	store.lifecycleMu.Lock()
	defer store.lifecycleMu.Unlock()
	if store.closed {
		return false
	}
	store.work.Add(1)
	return true
}

func (store *Store) download(ctx context.Context, itemID string, index int, path string) error {
	detail, err := store.details.Detail(ctx, itemID)
	if err != nil {
		return err
	}
	attachment, err := store.parts.FetchPart(ctx, detail, index, mailbox.ByteRange{})
	if err != nil {
		return err
	}
	defer attachment.Body.Close()

	partial, err := os.OpenFile(filepath.Join(store.dir, partialPrefix+uuid.NewString()),
		os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("creating partial file: %w", err)
	}
	partialPath := partial.Name()
	published := false
	defer func() {
		if !published {
			partial.Close()
			os.Remove(partialPath)
		}
	}()

	written, err := io.Copy(partial, netutil.LimitedBody(attachment.Body, store.maxSize))
	if err != nil {
		return fmt.Errorf("downloading: %w", err)
	}
	if attachment.Size >= 0 && written != attachment.Size {
		return fmt.Errorf("downloaded %d bytes, service announced %d", written, attachment.Size)
	}
	if err := partial.Sync(); err != nil {
		return fmt.Errorf("syncing partial file: %w", err)
	}
	if err := partial.Close(); err != nil {
		return fmt.Errorf("closing partial file: %w", err)
	}
	if err := os.Rename(partialPath, path); err != nil {
		return fmt.Errorf("publishing attachment: %w", err)
	}
	published = true

	store.logger.Debug("attachment cached",
		"item", itemID, "index", index, "bytes", written)
	return nil
}

// sweep removes partial downloads last modified before cutoff.
func (store *Store) sweep(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(store.dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if !strings.HasPrefix(entry.Name(), partialPrefix) {
			continue
		}
		info, err := entry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, err
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(store.dir, entry.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
