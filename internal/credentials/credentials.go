// Package credentials materializes tenant credential blobs on local disk
// under <dataDir>/auth/<tenant>.
package credentials

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/roelfdiedericks/wagate/internal/config"
	. "github.com/roelfdiedericks/wagate/internal/logging"
	"github.com/roelfdiedericks/wagate/internal/paths"
)

// FileName is the name of the materialized blob inside a tenant's auth dir.
const FileName = "creds.json"

// Store writes and removes materialized credentials.
type Store struct {
	// dirFor resolves a tenant's auth directory.
	dirFor func(tenantID string) (string, error)
}

// New returns a Store rooted at the paths data directory.
func New() *Store {
	return &Store{dirFor: paths.AuthDir}
}

// NewAt returns a Store rooted at root, used by tests and tools.
func NewAt(root string) *Store {
	return &Store{dirFor: func(tenantID string) (string, error) {
		if err := paths.ValidateTenantID(tenantID); err != nil {
			return "", err
		}
		return filepath.Join(root, tenantID), nil
	}}
}

// Materialize writes blob to the tenant's auth directory atomically and
// returns the directory.
func (s *Store) Materialize(tenantID string, blob json.RawMessage) (string, error) {
	dir, err := s.dirFor(tenantID)
	if err != nil {
		return "", err
	}
	if !json.Valid(blob) {
		return "", fmt.Errorf("credentials for %s are not valid JSON", tenantID)
	}
	if err := config.AtomicWrite(filepath.Join(dir, FileName), blob, 0600); err != nil {
		return "", fmt.Errorf("materialize credentials: %w", err)
	}
	L_debug("credentials: materialized", "tenant", tenantID, "dir", dir)
	return dir, nil
}

// Load reads the materialized blob for tenantID.
func (s *Store) Load(tenantID string) (json.RawMessage, error) {
	dir, err := s.dirFor(tenantID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return nil, err
	}
	return json.RawMessage(data), nil
}

// Remove deletes everything materialized for tenantID. A missing
// directory is not an error.
func (s *Store) Remove(tenantID string) error {
	dir, err := s.dirFor(tenantID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove credentials: %w", err)
	}
	L_debug("credentials: removed", "tenant", tenantID)
	return nil
}
