// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package sealed

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"filippo.io/age"
)

// maxPlaintext bounds decrypted payloads. Sessions are a few
// kilobytes.
const maxPlaintext = 1 << 20

// LoadOrCreateIdentity reads an age x25519 identity from path. If the
// file does not exist, a new identity is generated and written with
// mode 0600. The directory must already exist.
//
// created reports whether a new identity was generated; any
// ciphertext sealed to an earlier identity is unreadable after that.
func LoadOrCreateIdentity(path string) (identity *age.X25519Identity, created bool, err error) {
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, false, fmt.Errorf("parsing identity %s: %w", path, err)
		}
		return identity, false, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, false, fmt.Errorf("reading identity: %w", err)
	}

	identity, err = age.GenerateX25519Identity()
	if err != nil {
		return nil, false, fmt.Errorf("generating age identity: %w", err)
	}

	// O_EXCL so two processes racing on first use do not overwrite
	// each other's key. The loser reads the winner's.
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return LoadOrCreateIdentity(path)
	}
	if err != nil {
		return nil, false, fmt.Errorf("creating identity file: %w", err)
	}
	if _, err := file.WriteString(identity.String() + "\n"); err != nil {
		file.Close()
		os.Remove(path)
		return nil, false, fmt.Errorf("writing identity file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(path)
		return nil, false, fmt.Errorf("syncing identity file: %w", err)
	}
	if err := file.Close(); err != nil {
		return nil, false, fmt.Errorf("closing identity file: %w", err)
	}
	return identity, true, nil
}

// Seal encrypts plaintext to identity's recipient.
func Seal(plaintext []byte, identity *age.X25519Identity) ([]byte, error) {
	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, identity.Recipient())
	if err != nil {
		return nil, fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return nil, fmt.Errorf("writing plaintext to age encryptor: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing age encryption: %w", err)
	}
	return ciphertext.Bytes(), nil
}

// Open decrypts ciphertext produced by Seal.
func Open(ciphertext []byte, identity *age.X25519Identity) ([]byte, error) {
	reader, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	plaintext, err := io.ReadAll(io.LimitReader(reader, maxPlaintext+1))
	if err != nil {
		return nil, fmt.Errorf("reading decrypted plaintext: %w", err)
	}
	if len(plaintext) > maxPlaintext {
		return nil, fmt.Errorf("decrypted payload exceeds %d bytes", maxPlaintext)
	}
	return plaintext, nil
}
