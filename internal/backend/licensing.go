package backend

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"time"
)

const licensingCacheTTL = time.Hour

// licensingCache serves backend_getLicensingInfo from memory. The cache is
// valid for an hour and is dropped early when the license file on disk
// changes.
type licensingCache struct {
	path string

	mu       sync.Mutex
	loadedAt time.Time
	mtime    time.Time
	info     map[string]interface{}
}

func newLicensingCache(path string) *licensingCache {
	return &licensingCache{path: path}
}

func (c *licensingCache) Get(_ context.Context, allowCache bool) (map[string]interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	mtime := c.fileMtime()
	if allowCache && c.info != nil &&
		time.Since(c.loadedAt) < licensingCacheTTL &&
		mtime.Equal(c.mtime) {
		return c.info, nil
	}

	info, err := c.load()
	if err != nil {
		return nil, err
	}
	c.info = info
	c.loadedAt = time.Now()
	c.mtime = mtime
	return info, nil
}

func (c *licensingCache) fileMtime() time.Time {
	if c.path == "" {
		return time.Time{}
	}
	stat, err := os.Stat(c.path)
	if err != nil {
		return time.Time{}
	}
	return stat.ModTime()
}

func (c *licensingCache) load() (map[string]interface{}, error) {
	info := map[string]interface{}{
		"licenses":          []interface{}{},
		"available_modules": []interface{}{},
		"client_numbers":    map[string]interface{}{},
	}
	if c.path == "" {
		return info, nil
	}
	data, err := os.ReadFile(c.path)
	if os.IsNotExist(err) {
		return info, nil
	}
	if err != nil {
		return nil, Wrap(KindInternal, err, "read license file")
	}
	var fromFile map[string]interface{}
	if err := json.Unmarshal(data, &fromFile); err != nil {
		return nil, BadValuef("license file is not valid JSON: %v", err)
	}
	for k, v := range fromFile {
		info[k] = v
	}
	return info, nil
}
