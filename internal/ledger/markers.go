package ledger

import (
	"fmt"
	"path/filepath"

	"github.com/calvinalkan/blockcache/pkg/fs"
)

// Marker file names written inside a transaction subvolume (§6.1).
const (
	MarkerDirty          = "dirty"
	MarkerDirtyMem       = "dirty.mem"
	MarkerDirtyEvicted   = "dirty.evicted"
	MarkerDirtySubmitted = "dirty.submitted"
	MarkerDirtyNoSubmit  = "dirty.nosubmit"
	MarkerCommited       = "commited"
	MarkerInvalid        = "invalid"
)

// ResetUnreadableMarker is the operator opt-in sentinel at the cache root
// that permits calling backend reset() on a key the engine could not read
// after exhausting its retry budget (§6.2 "reset").
const ResetUnreadableMarker = "clouddrive_reset_unreadable"

// TransDirName returns the subvolume directory name for a transaction id.
func TransDirName(transid int64) string {
	return fmt.Sprintf("trans_%d", transid)
}

// TransDir joins root with the subvolume directory for transid.
func TransDir(root string, transid int64) string {
	return filepath.Join(root, TransDirName(transid))
}

// MissingMarkerName returns the sentinel filename recorded at the cache
// root when a read-only cache gives up looking for key on the backend
// (§4.1 "get": "records a missing_<hexkey> sentinel file").
func MissingMarkerName(hexKey string) string {
	return "missing_" + hexKey
}

// WriteMarker creates an empty marker file name inside the transaction
// directory transid, under root.
func WriteMarker(fsys fs.FS, root string, transid int64, name string) error {
	path := filepath.Join(TransDir(root, transid), name)

	if err := fsys.WriteFile(path, nil, 0o600); err != nil {
		return fmt.Errorf("ledger: write marker %s: %w", path, err)
	}

	return nil
}

// HasMarker reports whether the named marker file exists inside the
// transaction directory transid, under root.
func HasMarker(fsys fs.FS, root string, transid int64, name string) (bool, error) {
	path := filepath.Join(TransDir(root, transid), name)

	ok, err := fsys.Exists(path)
	if err != nil {
		return false, fmt.Errorf("ledger: stat marker %s: %w", path, err)
	}

	return ok, nil
}

// RemoveMarker deletes the named marker file inside transid's directory,
// if present. Removing an absent marker is not an error.
func RemoveMarker(fsys fs.FS, root string, transid int64, name string) error {
	path := filepath.Join(TransDir(root, transid), name)

	if err := fsys.Remove(path); err != nil {
		ok, statErr := fsys.Exists(path)
		if statErr == nil && !ok {
			return nil
		}

		return fmt.Errorf("ledger: remove marker %s: %w", path, err)
	}

	return nil
}

// WriteDirtyMarker serializes records via [WriteDirtyFile] and writes them
// to the named dirty-list marker (one of MarkerDirty or MarkerDirtyMem)
// inside transid's directory.
func WriteDirtyMarker(fsys fs.FS, root string, transid int64, name string, records []DirtyRecord) error {
	path := filepath.Join(TransDir(root, transid), name)

	f, err := fsys.Create(path)
	if err != nil {
		return fmt.Errorf("ledger: create dirty marker %s: %w", path, err)
	}

	defer f.Close()

	if err := WriteDirtyFile(f, records); err != nil {
		return fmt.Errorf("ledger: write dirty marker %s: %w", path, err)
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("ledger: sync dirty marker %s: %w", path, err)
	}

	return nil
}

// ReadDirtyMarker reads and validates the dirty-list marker inside
// transid's directory. Returns (nil, false, nil) if the marker is absent.
func ReadDirtyMarker(fsys fs.FS, root string, transid int64, name string) ([]DirtyRecord, bool, error) {
	path := filepath.Join(TransDir(root, transid), name)

	ok, err := fsys.Exists(path)
	if err != nil {
		return nil, false, fmt.Errorf("ledger: stat dirty marker %s: %w", path, err)
	}

	if !ok {
		return nil, false, nil
	}

	f, err := fsys.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("ledger: open dirty marker %s: %w", path, err)
	}

	defer f.Close()

	records, err := ReadDirtyFile(f)
	if err != nil {
		return nil, true, fmt.Errorf("ledger: read dirty marker %s: %w", path, err)
	}

	return records, true, nil
}
