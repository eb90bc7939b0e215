package cachefs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/calvinalkan/blockcache/pkg/fs"
)

// Real implements [CacheFs] over an [fs.FS], rooted at a directory on a
// real (or fault-injecting) filesystem. Subvolumes are plain directories;
// snapshots reflink (falling back to copy) every regular file beneath the
// source directory.
type Real struct {
	root string
	fsys fs.FS
}

// NewReal returns a CacheFs rooted at root, backed by fsys for ordinary
// file I/O.
func NewReal(root string, fsys fs.FS) *Real {
	return &Real{root: root, fsys: fsys}
}

func (r *Real) join(path string) string {
	return filepath.Join(r.root, path)
}

func (r *Real) Open(path string) (fs.File, error) { return r.fsys.Open(r.join(path)) }

func (r *Real) Create(path string) (fs.File, error) { return r.fsys.Create(r.join(path)) }

func (r *Real) OpenFile(path string, flag int, perm os.FileMode) (fs.File, error) {
	return r.fsys.OpenFile(r.join(path), flag, perm)
}

func (r *Real) Rename(oldpath, newpath string) error {
	return r.fsys.Rename(r.join(oldpath), r.join(newpath))
}

func (r *Real) Remove(path string) error { return r.fsys.Remove(r.join(path)) }

func (r *Real) RemoveAll(path string) error { return r.fsys.RemoveAll(r.join(path)) }

func (r *Real) MkdirAll(path string, perm os.FileMode) error {
	return r.fsys.MkdirAll(r.join(path), perm)
}

func (r *Real) ReadDir(path string) ([]os.DirEntry, error) { return r.fsys.ReadDir(r.join(path)) }

func (r *Real) Exists(path string) (bool, error) { return r.fsys.Exists(r.join(path)) }

func (r *Real) CreateSubvolume(path string) error {
	return r.fsys.MkdirAll(r.join(path), 0o755)
}

func (r *Real) DeleteSubvolume(path string) error {
	return r.fsys.RemoveAll(r.join(path))
}

func (r *Real) SnapshotSubvolume(src, dst string) error {
	if err := r.fsys.MkdirAll(r.join(dst), 0o755); err != nil {
		return fmt.Errorf("mkdir snapshot root: %w", err)
	}

	entries, err := r.fsys.ReadDir(r.join(src))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("read dir %q: %w", src, err)
	}

	for _, entry := range entries {
		srcChild := filepath.Join(src, entry.Name())
		dstChild := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if err := r.SnapshotSubvolume(srcChild, dstChild); err != nil {
				return err
			}

			continue
		}

		if err := r.Reflink(srcChild, dstChild); err != nil {
			if err := r.Copy(srcChild, dstChild); err != nil {
				return fmt.Errorf("snapshot %q: %w", srcChild, err)
			}
		}
	}

	return nil
}

func (r *Real) Copy(src, dst string) error {
	in, err := r.fsys.Open(r.join(src))
	if err != nil {
		return fmt.Errorf("open src %q: %w", src, err)
	}
	defer func() { _ = in.Close() }()

	out, err := r.fsys.OpenFile(r.join(dst), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open dst %q: %w", dst, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %q -> %q: %w", src, dst, err)
	}

	if err := out.Sync(); err != nil {
		_ = out.Close()
		return fmt.Errorf("sync dst %q: %w", dst, err)
	}

	if err := out.Close(); err != nil {
		return fmt.Errorf("close dst %q: %w", dst, err)
	}

	return nil
}

func (r *Real) Sync(path string) error {
	f, err := r.fsys.Open(r.join(path))
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync %q: %w", path, err)
	}

	return nil
}

var _ CacheFs = (*Real)(nil)
