package marketdata

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// Spill files hold evicted datasets in msgpack form so a warm restart or a
// re-acquire within the TTL avoids refetching from the data provider.

func (c *Cache) spillPath(key Key) string {
	return filepath.Join(c.cfg.SpillDir,
		fmt.Sprintf("dataset_%s_%d_%d.msgpack", key.UniverseID, key.Start, key.End))
}

func (c *Cache) writeSpill(key Key, ds *Dataset) error {
	if c.cfg.SpillDir == "" {
		return nil
	}
	if err := os.MkdirAll(c.cfg.SpillDir, 0755); err != nil {
		return fmt.Errorf("failed to create spill directory: %w", err)
	}

	data, err := msgpack.Marshal(ds)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset: %w", err)
	}

	path := c.spillPath(key)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write spill file %s: %w", path, err)
	}
	return nil
}

func (c *Cache) loadSpill(key Key) (*Dataset, bool) {
	if c.cfg.SpillDir == "" {
		return nil, false
	}

	data, err := os.ReadFile(c.spillPath(key))
	if err != nil {
		return nil, false
	}

	var ds Dataset
	if err := msgpack.Unmarshal(data, &ds); err != nil {
		c.log.Warn().Err(err).Str("key", key.String()).Msg("Corrupt spill file, ignoring")
		c.removeSpill(key)
		return nil, false
	}
	return &ds, true
}

func (c *Cache) removeSpill(key Key) {
	if c.cfg.SpillDir == "" {
		return
	}
	_ = os.Remove(c.spillPath(key))
}
