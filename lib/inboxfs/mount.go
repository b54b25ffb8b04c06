// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inboxfs

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/inboxfs/lib/attachstore"
	"github.com/bureau-foundation/inboxfs/lib/inbox"
)

// Name is the FUSE filesystem name shown in mount tables.
const Name = "inboxfs"

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is an existing directory.
	Mountpoint string

	// Cache answers listings and item details.
	Cache *inbox.Cache

	// Store serves attachment content.
	Store *attachstore.Store

	// AllowOther permits other users to access the mount. Requires
	// user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// MarkReadOnOpen marks an item read when one of its files is
	// opened.
	MarkReadOnOpen bool

	// EntryTimeout and AttrTimeout are the kernel cache lifetimes.
	// Zero uses one second.
	EntryTimeout time.Duration
	AttrTimeout  time.Duration

	// Logger receives diagnostic messages. If nil, only errors are
	// logged, to stderr.
	Logger *slog.Logger
}

// Mount mounts the inbox at the configured mountpoint. The caller
// must call Unmount on the returned Server when done, or wait on it
// to observe an external unmount.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("mountpoint is required")
	}
	if options.Cache == nil {
		return nil, fmt.Errorf("inbox cache is required")
	}
	if options.Store == nil {
		return nil, fmt.Errorf("attachment store is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelError,
		}))
	}

	entryTimeout := options.EntryTimeout
	if entryTimeout <= 0 {
		entryTimeout = time.Second
	}
	attrTimeout := options.AttrTimeout
	if attrTimeout <= 0 {
		attrTimeout = time.Second
	}
	negativeTimeout := 100 * time.Millisecond

	root := &rootNode{volume: newVolume(options)}
	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     Name,
			Name:       Name,
			AllowOther: options.AllowOther,
			Options:    []string{"ro", "noatime", "default_permissions"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("mounting FUSE filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("inbox filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// volume is the state shared by every node of one mount.
type volume struct {
	cache          *inbox.Cache
	store          *attachstore.Store
	table          *Table
	owner          fuse.Owner
	markReadOnOpen bool
	mountedAt      time.Time
	logger         *slog.Logger

	mu sync.Mutex
	// layout is the root directory of the last snapshot served.
	layout *rootLayout
	// references holds the inodes handed to the kernel per item, so
	// a retired item is discarded only once all of them are
	// forgotten.
	references map[string][]*gofuse.Inode
}

func newVolume(options Options) *volume {
	return &volume{
		cache:          options.Cache,
		store:          options.Store,
		table:          NewTable(),
		owner:          fuse.Owner{Uid: uint32(os.Getuid()), Gid: uint32(os.Getgid())},
		markReadOnOpen: options.MarkReadOnOpen,
		mountedAt:      time.Now(),
		logger:         options.Logger,
		references:     make(map[string][]*gofuse.Inode),
	}
}
