// state/snapshot.go
package state

import (
	"context"
	"fmt"
	"os"
	"time"

	"pos_bian_go/logs"
)

// Saver persists periodic snapshots of a Store to a single JSON file and
// restores it once at startup. Writes are atomic: a temporary file is
// written fully, then renamed over the target.
type Saver struct {
	store    *Store
	filePath string
}

// NewSaver creates a Saver for the given store and target path.
func NewSaver(store *Store, filePath string) *Saver {
	return &Saver{store: store, filePath: filePath}
}

// Save writes one snapshot atomically.
func (sv *Saver) Save() error {
	data, err := sv.store.Snapshot()
	if err != nil {
		return fmt.Errorf("failed to serialize state snapshot: %w", err)
	}

	tmpPath := sv.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary snapshot file: %w", err)
	}
	return os.Rename(tmpPath, sv.filePath)
}

// Load restores the store from the snapshot file. A missing file is normal
// on first start and leaves the store untouched.
func (sv *Saver) Load() error {
	data, err := os.ReadFile(sv.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			logs.Infof("[Snapshot] No state file at %s, starting with a fresh state.", sv.filePath)
			return nil
		}
		return fmt.Errorf("failed to read state snapshot: %w", err)
	}
	if err := sv.store.Restore(data); err != nil {
		return err
	}
	logs.Infof("[Snapshot] State restored from %s.", sv.filePath)
	return nil
}

// Run saves on the given interval until the context is cancelled, writing a
// final snapshot on the way out.
func (sv *Saver) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := sv.Save(); err != nil {
				logs.Errorf("[Snapshot] Final save failed: %v", err)
			}
			return
		case <-ticker.C:
			if err := sv.Save(); err != nil {
				logs.Errorf("[Snapshot] Periodic save failed: %v", err)
			}
		}
	}
}
