package worker

import (
	"bytes"
	"fmt"
	"io/fs"
	"mime"
	"net/http"
	"path"
	"sort"
	"sync"
	"time"
)

type cachedAsset struct {
	name        string
	body        []byte
	contentType string
	modTime     time.Time
}

// CacheStorage holds named asset caches. It outlives a single worker
// version, like the browser's cache storage.
type CacheStorage struct {
	mu     sync.RWMutex
	caches map[string]map[string]cachedAsset
}

// NewCacheStorage returns empty cache storage.
func NewCacheStorage() *CacheStorage {
	return &CacheStorage{caches: make(map[string]map[string]cachedAsset)}
}

// Names lists the caches, sorted.
func (c *CacheStorage) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.caches))
	for name := range c.caches {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (c *CacheStorage) put(name string, entries map[string]cachedAsset) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cache, ok := c.caches[name]
	if !ok {
		cache = make(map[string]cachedAsset, len(entries))
		c.caches[name] = cache
	}
	for k, v := range entries {
		cache[k] = v
	}
}

func (c *CacheStorage) match(name, key string) (cachedAsset, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	a, ok := c.caches[name][key]
	return a, ok
}

func (c *CacheStorage) delete(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.caches, name)
}

// originServer stands in for the network: it serves the embedded assets.
type originServer struct {
	assets fs.FS
	files  http.Handler
}

func newOriginServer(assets fs.FS) *originServer {
	return &originServer{assets: assets, files: http.FileServer(http.FS(assets))}
}

func (o *originServer) load(p string) (cachedAsset, error) {
	if o.assets == nil {
		return cachedAsset{}, fmt.Errorf("no assets: %w", fs.ErrNotExist)
	}

	name := assetName(p)
	body, err := fs.ReadFile(o.assets, name)
	if err != nil {
		return cachedAsset{}, err
	}

	var modTime time.Time
	if info, err := fs.Stat(o.assets, name); err == nil {
		modTime = info.ModTime()
	}

	ct := mime.TypeByExtension(path.Ext(name))
	if ct == "" {
		ct = http.DetectContentType(body)
	}
	return cachedAsset{name: name, body: body, contentType: ct, modTime: modTime}, nil
}

func (a cachedAsset) serve(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", a.contentType)
	http.ServeContent(w, r, a.name, a.modTime, bytes.NewReader(a.body))
}
