// Package cachefs implements the CacheFs external collaborator (§6.3): a
// mountable filesystem used as cache storage, with the subvolume/snapshot,
// reflink, xattr and free-space primitives the engine's transaction
// lifecycle and memfile governance rely on.
//
// Real wraps [fs.FS] for ordinary file I/O and golang.org/x/sys/unix for
// the Linux-specific primitives (reflink via FICLONE, xattrs, statfs) that
// fs.FS has no vocabulary for.
package cachefs

import (
	"errors"
	"os"

	"github.com/calvinalkan/blockcache/pkg/fs"
)

// ErrUnsupported is returned by primitives (reflink, subvolume) that the
// underlying filesystem or OS does not support. Callers fall back to a
// plain copy when this is returned from Reflink.
var ErrUnsupported = errors.New("cachefs: unsupported on this filesystem")

// Space reports total and free bytes for one space class (data or
// metadata).
type Space struct {
	TotalBytes int64
	FreeBytes  int64
}

// FreeSpace bundles the two space classes CacheFs tracks separately, since
// copy-on-write filesystems (btrfs) can run out of metadata chunks while
// data space remains (§4.7).
type FreeSpace struct {
	Data     Space
	Metadata Space
}

// CacheFs is the external collaborator consumed by [engine.Engine]. All
// paths are relative to the cache root the implementation was constructed
// with.
type CacheFs interface {
	Open(path string) (fs.File, error)
	Create(path string) (fs.File, error)
	OpenFile(path string, flag int, perm os.FileMode) (fs.File, error)
	Rename(oldpath, newpath string) error
	Remove(path string) error
	RemoveAll(path string) error
	MkdirAll(path string, perm os.FileMode) error
	ReadDir(path string) ([]os.DirEntry, error)
	Exists(path string) (bool, error)

	// CreateSubvolume creates a new subvolume rooted at path (a directory,
	// on filesystems without native subvolumes).
	CreateSubvolume(path string) error

	// DeleteSubvolume removes a subvolume and everything beneath it.
	DeleteSubvolume(path string) error

	// SnapshotSubvolume creates dst as a writable snapshot of src. On
	// filesystems without native snapshots this reflinks (or copies) every
	// regular file beneath src into dst.
	SnapshotSubvolume(src, dst string) error

	// Reflink creates dst as a copy-on-write clone of src's data, or
	// returns ErrUnsupported if the filesystem cannot do so.
	Reflink(src, dst string) error

	// Copy performs a plain byte-for-byte copy of src to dst.
	Copy(src, dst string) error

	GetXattr(path, name string) ([]byte, error)
	SetXattr(path, name string, value []byte) error

	// TotalFreeSpace reports data and metadata space for the cache root.
	TotalFreeSpace() (FreeSpace, error)

	// Sync flushes filesystem state for path ("" means the whole root).
	Sync(path string) error

	// Balance triggers a metadata/data rebalance (§4.7). On filesystems
	// without a native balance operation this is a no-op returning nil.
	Balance() error

	// ForceAllocMetadata forces allocation of a new metadata chunk ahead
	// of need, used by the metadata rebalancer (§4.7).
	ForceAllocMetadata() error
}
