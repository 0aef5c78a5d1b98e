package routing

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// TableFile is the file name of a persisted routing table inside a data directory.
const TableFile = "routing_table.pb"

// SaveTable writes the table snapshot to dir on fs. The file is written to a
// temporary name first and renamed, so a crash never leaves a torn table.
func SaveTable(fs afero.Fs, dir string, t *Table) error {
	if t == nil {
		return fmt.Errorf("table cannot be nil")
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	path := filepath.Join(dir, TableFile)
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, MarshalSnapshot(t.Snapshot()), 0o644); err != nil {
		return fmt.Errorf("failed to write routing table: %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace routing table: %w", err)
	}
	return nil
}

// LoadTable reads a persisted table from dir. It returns (nil, nil) when no
// table was saved yet.
func LoadTable(fs afero.Fs, dir string, opts ...Option) (*Table, error) {
	data, err := afero.ReadFile(fs, filepath.Join(dir, TableFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read routing table: %w", err)
	}

	snap, err := UnmarshalSnapshot(data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode routing table: %w", err)
	}
	return FromSnapshot(snap, opts...)
}
