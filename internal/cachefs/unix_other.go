//go:build !linux

package cachefs

import "fmt"

// Reflink is unavailable outside Linux's FICLONE; callers fall back to
// [Real.Copy].
func (r *Real) Reflink(src, dst string) error {
	return fmt.Errorf("%w: reflink", ErrUnsupported)
}

func (r *Real) GetXattr(path, name string) ([]byte, error) {
	return nil, fmt.Errorf("%w: xattr", ErrUnsupported)
}

func (r *Real) SetXattr(path, name string, value []byte) error {
	return fmt.Errorf("%w: xattr", ErrUnsupported)
}

func (r *Real) TotalFreeSpace() (FreeSpace, error) {
	return FreeSpace{}, fmt.Errorf("%w: statfs", ErrUnsupported)
}

func (r *Real) Balance() error { return nil }

func (r *Real) ForceAllocMetadata() error { return nil }
