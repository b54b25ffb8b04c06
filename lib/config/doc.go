// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config provides YAML configuration loading for inboxfs.
//
// Configuration comes from one file: the --config flag, else the
// INBOXFS_CONFIG environment variable, else
// $XDG_CONFIG_HOME/inboxfs/config.yaml. A file named by flag or
// environment must exist; the default file is optional and every key
// has a default.
//
// The mock profile moves the session, cache, and state directories
// into a "mock" subdirectory so fake credentials never overwrite real
// ones.
//
// Variable expansion is performed on path fields after loading:
// ${VAR} and ${VAR:-default} patterns are expanded, and defaults may
// nest one ${VAR}.
//
// Key exports:
//
//   - [Config] -- the complete configuration tree
//   - [Default] -- a Config with every default filled in
//   - [Load] -- resolves the file and loads it
//   - [Duration] -- YAML duration strings
//
// This package depends on no other inboxfs packages except
// lib/compression for validating the snapshot codec name.
package config
