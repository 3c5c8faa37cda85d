package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Reset moves the existing database directory aside (suffixed ".backup-"
// plus a timestamp) so a subsequent open starts from an empty store. It
// mirrors the source catalog's own reset behavior of renaming the database
// file rather than deleting it outright, so an operator can recover the
// previous contents by hand if the reset was a mistake.
//
// Reset must be called with no open Engine against dataDir.
func Reset(dataDir string) error {
	if dataDir == "" {
		return newError(FailureInvalidInput, "data directory is required", nil)
	}
	if _, err := os.Stat(dataDir); os.IsNotExist(err) {
		return nil
	} else if err != nil {
		return newError(FailureIOError, "checking data directory", err)
	}

	backup := fmt.Sprintf("%s.backup-%d", filepath.Clean(dataDir), time.Now().UTC().UnixNano())
	if err := os.Rename(dataDir, backup); err != nil {
		return newError(FailureIOError, "renaming data directory aside", err)
	}
	return os.MkdirAll(dataDir, 0o755)
}
