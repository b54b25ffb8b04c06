// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package inboxfs

import (
	"context"
	"os"
	"slices"
	"sync"
	"syscall"
	"time"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/bureau-foundation/inboxfs/lib/attachstore"
	"github.com/bureau-foundation/inboxfs/lib/inbox"
	"github.com/bureau-foundation/inboxfs/lib/mailbox"
)

const (
	directoryMode = syscall.S_IFDIR | 0o500
	fileMode      = syscall.S_IFREG | 0o400

	// directorySize is the fixed structural size reported for every
	// directory.
	directorySize = 4096
	blockSize     = 512

	// inodeGeneration is constant: inode numbers are never reused
	// within a mount.
	inodeGeneration = 1

	markReadTimeout = 30 * time.Second
)

// writeFlags are the open flags that would modify a file.
const writeFlags = syscall.O_WRONLY | syscall.O_RDWR | syscall.O_APPEND | syscall.O_TRUNC

func (volume *volume) fillAttr(attr *fuse.Attr, ino uint64, mode uint32, size uint64, when time.Time) {
	attr.Ino = ino
	attr.Mode = mode
	attr.Size = size
	attr.Blksize = blockSize
	attr.Blocks = (size + blockSize - 1) / blockSize
	attr.Nlink = 1
	if mode&syscall.S_IFDIR != 0 {
		attr.Nlink = 2
	}
	attr.Owner = volume.owner
	attr.SetTimes(&when, &when, &when)
}

// rootLayout returns the root directory for the snapshot a read
// should see. A new generation also reaps retired items nothing
// references any more.
func (volume *volume) rootLayout(ctx context.Context) (*rootLayout, syscall.Errno) {
	snapshot, err := volume.cache.View(ctx)
	if err != nil {
		return nil, errnoFor(volume.logger, "list inbox", err)
	}

	volume.mu.Lock()
	previous := volume.layout
	if previous != nil && previous.snapshot == snapshot {
		volume.mu.Unlock()
		return previous, 0
	}
	layout := layoutRoot(snapshot)
	volume.layout = layout
	volume.mu.Unlock()

	if previous == nil || previous.snapshot.Generation != snapshot.Generation {
		for _, id := range snapshot.Retired() {
			volume.reap(id)
		}
	}
	return layout, 0
}

// track records an inode handed to the kernel for an item.
func (volume *volume) track(id string, inode *gofuse.Inode) {
	volume.mu.Lock()
	defer volume.mu.Unlock()
	if !slices.Contains(volume.references[id], inode) {
		volume.references[id] = append(volume.references[id], inode)
	}
}

// reap discards a retired item once the kernel has forgotten every
// inode that referred to it.
func (volume *volume) reap(id string) {
	entry, ok := volume.cache.Current().Get(id)
	if !ok || !entry.Retired {
		return
	}

	volume.mu.Lock()
	live := slices.DeleteFunc(volume.references[id], func(inode *gofuse.Inode) bool {
		return inode.Forgotten()
	})
	if len(live) > 0 {
		volume.references[id] = live
		volume.mu.Unlock()
		return
	}
	delete(volume.references, id)
	volume.mu.Unlock()

	volume.logger.Debug("discarding retired item", "item", id)
	volume.cache.Discard(id)
}

// markRead marks an item read in the background. Opening a file never
// waits on the service.
func (volume *volume) markRead(id string) {
	entry, ok := volume.cache.Current().Get(id)
	if !ok || entry.Item.Read() || entry.Retired {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), markReadTimeout)
		defer cancel()
		if err := volume.cache.MarkRead(ctx, id); err != nil {
			volume.logger.Warn("marking item read on open failed", "item", id, "error", err)
		}
	}()
}

// rootNode lists the live items of the current snapshot, one
// directory each.
type rootNode struct {
	gofuse.Inode
	volume *volume
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeGetattrer = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)

func (root *rootNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	when := root.volume.mountedAt
	if snapshot := root.volume.cache.Current(); snapshot.Loaded() {
		when = snapshot.RefreshedAt
	}
	root.volume.fillAttr(&out.Attr, RootIno, directoryMode, directorySize, when)
	return 0
}

func (root *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	layout, errno := root.volume.rootLayout(ctx)
	if errno != 0 {
		return nil, errno
	}
	entries := make([]fuse.DirEntry, len(layout.items))
	for position, item := range layout.items {
		entries[position] = fuse.DirEntry{
			Name: item.name,
			Mode: syscall.S_IFDIR,
			Ino:  root.volume.table.Number(itemIdentity(item.entry.ID())),
		}
	}
	return gofuse.NewListDirStream(entries), 0
}

func (root *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	layout, errno := root.volume.rootLayout(ctx)
	if errno != 0 {
		return nil, errno
	}
	entry, ok := layout.lookup(name)
	if !ok {
		return nil, syscall.ENOENT
	}

	id := entry.ID()
	ino := root.volume.table.Number(itemIdentity(id))
	child := root.NewInode(ctx, &itemNode{volume: root.volume, id: id}, gofuse.StableAttr{
		Mode: syscall.S_IFDIR,
		Ino:  ino,
		Gen:  inodeGeneration,
	})
	root.volume.track(id, child)
	root.volume.fillAttr(&out.Attr, ino, directoryMode, directorySize, entry.Item.CreatedAt)
	return child, 0
}

// itemNode is the directory of one item. It stays usable after the
// item is retired, until the cache discards it.
type itemNode struct {
	gofuse.Inode
	volume *volume
	id     string
}

var _ gofuse.InodeEmbedder = (*itemNode)(nil)
var _ gofuse.NodeGetattrer = (*itemNode)(nil)
var _ gofuse.NodeLookuper = (*itemNode)(nil)
var _ gofuse.NodeReaddirer = (*itemNode)(nil)
var _ gofuse.NodeOnForgetter = (*itemNode)(nil)

func (node *itemNode) entry() (inbox.Entry, syscall.Errno) {
	entry, ok := node.volume.cache.Current().Get(node.id)
	if !ok {
		return inbox.Entry{}, syscall.ENOENT
	}
	return entry, 0
}

func (node *itemNode) parts(ctx context.Context) (inbox.Entry, []partName, syscall.Errno) {
	entry, errno := node.entry()
	if errno != 0 {
		return entry, nil, errno
	}
	detail, err := node.volume.cache.Detail(ctx, node.id)
	if err != nil {
		return entry, nil, errnoFor(node.volume.logger, "list item", err, "item", node.id)
	}
	return entry, layoutItem(entry.Item, detail), 0
}

func (node *itemNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	entry, errno := node.entry()
	if errno != 0 {
		return errno
	}
	node.volume.fillAttr(&out.Attr, node.StableAttr().Ino, directoryMode, directorySize, entry.Item.CreatedAt)
	return 0
}

func (node *itemNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	_, parts, errno := node.parts(ctx)
	if errno != 0 {
		return nil, errno
	}
	entries := make([]fuse.DirEntry, len(parts))
	for position, part := range parts {
		entries[position] = fuse.DirEntry{
			Name: part.name,
			Mode: syscall.S_IFREG,
			Ino:  node.volume.table.Number(attachmentIdentity(node.id, part.index)),
		}
	}
	return gofuse.NewListDirStream(entries), 0
}

func (node *itemNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	entry, parts, errno := node.parts(ctx)
	if errno != 0 {
		return nil, errno
	}
	position := slices.IndexFunc(parts, func(part partName) bool { return part.name == name })
	if position < 0 {
		return nil, syscall.ENOENT
	}
	part := parts[position]

	ino := node.volume.table.Number(attachmentIdentity(node.id, part.index))
	file := &attachmentNode{
		volume:  node.volume,
		id:      node.id,
		index:   part.index,
		part:    part.part,
		created: entry.Item.CreatedAt,
	}
	child := node.NewInode(ctx, file, gofuse.StableAttr{
		Mode: syscall.S_IFREG,
		Ino:  ino,
		Gen:  inodeGeneration,
	})
	node.volume.track(node.id, child)
	if adopted, ok := child.Operations().(*attachmentNode); ok {
		file = adopted
	}
	node.volume.fillAttr(&out.Attr, ino, fileMode, file.size(), entry.Item.CreatedAt)
	return child, 0
}

func (node *itemNode) OnForget() {
	go node.volume.reap(node.id)
}

// attachmentNode is one attachment file. Content is fetched on the
// first read.
type attachmentNode struct {
	gofuse.Inode
	volume  *volume
	id      string
	index   int
	part    mailbox.Part
	created time.Time
}

var _ gofuse.InodeEmbedder = (*attachmentNode)(nil)
var _ gofuse.NodeGetattrer = (*attachmentNode)(nil)
var _ gofuse.NodeSetattrer = (*attachmentNode)(nil)
var _ gofuse.NodeOpener = (*attachmentNode)(nil)
var _ gofuse.NodeReader = (*attachmentNode)(nil)
var _ gofuse.NodeOnForgetter = (*attachmentNode)(nil)

// size is the advertised size, else the size of the cached content,
// else zero until the content has been fetched.
func (node *attachmentNode) size() uint64 {
	if size, ok := node.part.KnownSize(); ok {
		return uint64(size)
	}
	if size, ok := node.volume.store.Cached(node.id, node.index); ok {
		return uint64(size)
	}
	return 0
}

func (node *attachmentNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	node.volume.fillAttr(&out.Attr, node.StableAttr().Ino, fileMode, node.size(), node.created)
	return 0
}

func (node *attachmentNode) Setattr(ctx context.Context, f gofuse.FileHandle, in *fuse.SetAttrIn, out *fuse.AttrOut) syscall.Errno {
	return syscall.EROFS
}

func (node *attachmentNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&writeFlags != 0 {
		return nil, 0, syscall.EROFS
	}
	if node.volume.markReadOnOpen {
		node.volume.markRead(node.id)
	}

	handle := &attachmentHandle{node: node}
	if _, known := node.part.KnownSize(); known {
		// Content never changes under a fixed size.
		return handle, fuse.FOPEN_KEEP_CACHE, 0
	}
	// The kernel must not trust a zero size it was told before the
	// content arrived.
	return handle, fuse.FOPEN_DIRECT_IO, 0
}

func (node *attachmentNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	if handle, ok := f.(*attachmentHandle); ok {
		return handle.Read(ctx, dest, off)
	}
	count, err := node.volume.store.ReadAt(ctx, node.id, node.index, dest, off)
	if err != nil {
		return nil, errnoFor(node.volume.logger, "read", err, "item", node.id, "index", node.index)
	}
	return fuse.ReadResultData(dest[:count]), 0
}

func (node *attachmentNode) OnForget() {
	go node.volume.reap(node.id)
}

// attachmentHandle is one open file. The cached blob is opened on the
// first read and closed on release.
type attachmentHandle struct {
	node *attachmentNode

	mu   sync.Mutex
	file *os.File
}

var _ gofuse.FileReader = (*attachmentHandle)(nil)
var _ gofuse.FileReleaser = (*attachmentHandle)(nil)

func (handle *attachmentHandle) blob(ctx context.Context) (*os.File, error) {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.file != nil {
		return handle.file, nil
	}
	file, err := handle.node.volume.store.Open(ctx, handle.node.id, handle.node.index)
	if err != nil {
		return nil, err
	}
	handle.file = file
	return file, nil
}

func (handle *attachmentHandle) Read(ctx context.Context, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	node := handle.node
	file, err := handle.blob(ctx)
	if err != nil {
		return nil, errnoFor(node.volume.logger, "fetch", err, "item", node.id, "index", node.index)
	}
	count, err := attachstore.ReadRange(file, dest, off)
	if err != nil {
		return nil, errnoFor(node.volume.logger, "read", err, "item", node.id, "index", node.index)
	}
	return fuse.ReadResultData(dest[:count]), 0
}

func (handle *attachmentHandle) Release(ctx context.Context) syscall.Errno {
	handle.mu.Lock()
	defer handle.mu.Unlock()
	if handle.file != nil {
		handle.file.Close()
		handle.file = nil
	}
	return 0
}
