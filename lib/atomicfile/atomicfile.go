// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package atomicfile publishes whole files so that readers never
// observe a partial write. Data goes to a temporary file in the target
// directory, is fsynced, and is renamed over the destination. A crash
// at any point leaves either the previous file or the new one.
package atomicfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// tempPrefix marks in-progress files so Sweep can find leftovers from
// a crashed writer.
const tempPrefix = ".atomic-"

// Write atomically replaces path with data. The parent directory must
// exist. The file gets mode regardless of umask.
func Write(path string, data []byte, mode os.FileMode) error {
	temporary, err := os.CreateTemp(filepath.Dir(path), tempPrefix+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temporary file for %s: %w", path, err)
	}
	temporaryPath := temporary.Name()
	fail := func(step string, err error) error {
		temporary.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("%s %s: %w", step, path, err)
	}

	if err := temporary.Chmod(mode); err != nil {
		return fail("setting mode of", err)
	}
	if _, err := temporary.Write(data); err != nil {
		return fail("writing", err)
	}
	if err := temporary.Sync(); err != nil {
		return fail("syncing", err)
	}
	if err := temporary.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing %s: %w", path, err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("publishing %s: %w", path, err)
	}
	return nil
}

// Sweep removes temporary files left in dir by writers that died
// between create and rename. It returns the number removed.
func Sweep(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading %s: %w", dir, err)
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), tempPrefix) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing stale %s: %w", entry.Name(), err)
		}
		removed++
	}
	return removed, nil
}
