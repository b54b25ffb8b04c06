// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package daemon

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/inboxfs/lib/atomicfile"
	"github.com/bureau-foundation/inboxfs/lib/codec"
)

const (
	filePrefix  = "mount-"
	stateSuffix = ".state"
	logSuffix   = ".log"

	// recordVersion changes when Record changes incompatibly.
	recordVersion = 1
)

// Record describes a running mount daemon.
type Record struct {
	Version    int       `cbor:"version"`
	Mountpoint string    `cbor:"mountpoint"`
	PID        int       `cbor:"pid"`
	LogPath    string    `cbor:"log_path"`
	Profile    string    `cbor:"profile"`
	StartedAt  time.Time `cbor:"started_at"`
}

// Alive reports whether the daemon process still exists.
func (record *Record) Alive() bool {
	return processAlive(record.PID)
}

// Live reports whether the daemon is running and its mount is still
// in place.
func (record *Record) Live() bool {
	return record.Alive() && IsMounted(record.Mountpoint)
}

// Paths are the state files of one mountpoint.
type Paths struct {
	State string
	Log   string
}

// PathsFor returns the state file names for mountpoint, which must be
// absolute and clean.
func PathsFor(stateDir, mountpoint string) Paths {
	sum := blake3.Sum256([]byte(mountpoint))
	base := filePrefix + hex.EncodeToString(sum[:8])
	return Paths{
		State: filepath.Join(stateDir, base+stateSuffix),
		Log:   filepath.Join(stateDir, base+logSuffix),
	}
}

// WriteRecord atomically writes the record for record.Mountpoint.
func WriteRecord(stateDir string, record Record) error {
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}
	record.Version = recordVersion
	data, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding mount record: %w", err)
	}
	return atomicfile.Write(PathsFor(stateDir, record.Mountpoint).State, data, 0o600)
}

// ReadRecord reads the record for mountpoint. A missing record is
// reported as ErrNotMounted.
func ReadRecord(stateDir, mountpoint string) (*Record, error) {
	return readRecordFile(PathsFor(stateDir, mountpoint).State)
}

func readRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotMounted
	}
	if err != nil {
		return nil, fmt.Errorf("reading mount record: %w", err)
	}
	var record Record
	if err := codec.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("decoding mount record %s: %w", path, err)
	}
	if record.Version != recordVersion {
		return nil, fmt.Errorf("mount record %s has version %d, want %d", path, record.Version, recordVersion)
	}
	return &record, nil
}

// RemoveRecord deletes the record for mountpoint. A missing record is
// not an error.
func RemoveRecord(stateDir, mountpoint string) error {
	err := os.Remove(PathsFor(stateDir, mountpoint).State)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing mount record: %w", err)
	}
	return nil
}

// Records returns every readable record in stateDir, sorted by
// mountpoint. Unreadable records are skipped.
func Records(stateDir string) ([]Record, error) {
	entries, err := os.ReadDir(stateDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state directory: %w", err)
	}
	var records []Record
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, stateSuffix) {
			continue
		}
		record, err := readRecordFile(filepath.Join(stateDir, name))
		if err != nil {
			continue
		}
		records = append(records, *record)
	}
	slices.SortFunc(records, func(a, b Record) int { return strings.Compare(a.Mountpoint, b.Mountpoint) })
	return records, nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
