package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/paths"
)

// keepBackups is how many previous versions of wagate.json Save keeps:
// wagate.json.bak, then .bak.1 up to .bak.<keepBackups-1>.
const keepBackups = 5

// AtomicWrite replaces path with data. The data goes to a temp file in the
// same directory first, so readers see either the old or the new file.
func AtomicWrite(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := paths.EnsureDir(dir); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".wagate-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	err = writeAndSync(tmp, data, perm)
	if err == nil {
		err = os.Rename(tmpPath, path)
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func writeAndSync(f *os.File, data []byte, perm os.FileMode) error {
	if err := f.Chmod(perm); err != nil {
		f.Close()
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Save writes cfg to path as indented JSON. An existing file is kept as
// path.bak and older backups are shifted down.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := backup(path); err != nil {
		L_warn("config: backup failed, saving anyway", "path", path, "error", err)
	}
	if err := AtomicWrite(path, data, 0600); err != nil {
		return err
	}
	L_debug("config: saved", "path", path)
	return nil
}

func backupName(path string, i int) string {
	if i == 0 {
		return path + ".bak"
	}
	return fmt.Sprintf("%s.bak.%d", path, i)
}

// backup shifts .bak.N-1 to .bak.N (dropping the oldest) and copies the
// current file to .bak. A missing file is not an error.
func backup(path string) error {
	current, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for i := keepBackups - 1; i > 0; i-- {
		if err := os.Rename(backupName(path, i-1), backupName(path, i)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			L_debug("config: rotating backup failed", "from", backupName(path, i-1), "error", err)
		}
	}

	if err := AtomicWrite(backupName(path, 0), current, 0600); err != nil {
		return err
	}
	L_debug("config: backup written", "path", backupName(path, 0))
	return nil
}
