package manifest

import (
	"errors"
	"fmt"
	"time"

	"github.com/boltdb/bolt"
)

// ErrManifestBusy is returned when another process already holds the
// advisory lock on a manifest.
var ErrManifestBusy = errors.New("manifest: busy, locked by another process")

// Lock is a single-writer advisory lock over one manifest path, backed by
// BoltDB's own file-level flock. Holding the *bolt.DB handle open for the
// duration of a sync or restore run is the entire mechanism; there is no
// bucket or key traffic on it.
type Lock struct {
	db *bolt.DB
}

// AcquireLock opens (creating if necessary) the lock file next to
// manifestPath, blocking up to timeout for the underlying flock. Returns
// ErrManifestBusy if the lock is not obtained within timeout.
func AcquireLock(manifestPath string, timeout time.Duration) (*Lock, error) {
	db, err := bolt.Open(manifestPath+".lock", 0600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestBusy, err)
	}
	return &Lock{db: db}, nil
}

// Release closes the lock file, freeing it for the next process.
func (l *Lock) Release() error {
	return l.db.Close()
}
