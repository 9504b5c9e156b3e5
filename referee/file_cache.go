package referee

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"mtmcore/mtm"
)

// fileCache is the default decision cache backend: one small JSON file
// under the node's data directory, written with the same
// temp-file+rename shape persist.Store uses for the bigger generation
// state file, so a crash mid-write never leaves a half-written cache.
type fileCache struct {
	path string
}

func newFileCache(dir string) *fileCache {
	return &fileCache{path: filepath.Join(dir, "referee_cache.json")}
}

type cachedDecision struct {
	Winner mtm.NodeID
}

func (c *fileCache) Save(winner mtm.NodeID) error {
	buf, err := json.Marshal(cachedDecision{Winner: winner})
	if err != nil {
		return fmt.Errorf("referee: encode cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o600); err != nil {
		return fmt.Errorf("referee: write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("referee: rename cache: %w", err)
	}
	return nil
}

func (c *fileCache) Load() (mtm.NodeID, bool, error) {
	raw, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("referee: read cache: %w", err)
	}
	var d cachedDecision
	if err := json.Unmarshal(raw, &d); err != nil {
		return 0, false, fmt.Errorf("referee: decode cache: %w", err)
	}
	return d.Winner, true, nil
}

func (c *fileCache) Clear() error {
	if err := os.Remove(c.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("referee: clear cache: %w", err)
	}
	return nil
}
