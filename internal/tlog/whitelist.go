package tlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// whitelistCache resolves the point whitelist per family: logPoints.<family>.json
// when present, else the shared logPoints.json. Results are cached after the
// first load, including negative results.
type whitelistCache struct {
	configDir string

	mu    sync.Mutex
	cache map[string][]string
}

func newWhitelistCache(configDir string) *whitelistCache {
	return &whitelistCache{
		configDir: configDir,
		cache:     make(map[string][]string),
	}
}

func (c *whitelistCache) get(familyID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	if points, ok := c.cache[familyID]; ok {
		return points
	}

	points := c.load(fmt.Sprintf("logPoints.%s.json", familyID))
	if points == nil {
		points = c.load("logPoints.json")
	}
	c.cache[familyID] = points
	return points
}

func (c *whitelistCache) load(name string) []string {
	data, err := os.ReadFile(filepath.Join(c.configDir, name))
	if err != nil {
		return nil
	}
	var points []string
	if err := json.Unmarshal(data, &points); err != nil {
		return nil
	}
	return points
}
