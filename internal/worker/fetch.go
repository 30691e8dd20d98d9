package worker

import (
	"net/http"
	"strings"
)

// ServeHTTP intercepts fetches. GETs for precached paths are answered from
// the active cache; everything else goes to the asset origin. API and
// notification paths never touch the cache.
func (w *BackgroundWorker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet || bypassCache(r.URL.Path) {
		rw.Header().Set("X-Cache", "bypass")
		w.origin.files.ServeHTTP(rw, r)
		return
	}

	w.mu.Lock()
	active := w.state == stateActive
	w.mu.Unlock()

	if active {
		if asset, ok := w.caches.match(w.cfg.CacheName, r.URL.Path); ok {
			rw.Header().Set("X-Cache", "hit")
			asset.serve(rw, r)
			return
		}
	}

	rw.Header().Set("X-Cache", "miss")
	w.origin.files.ServeHTTP(rw, r)
}

func bypassCache(p string) bool {
	return strings.Contains(p, "/api/") || strings.Contains(p, "/notifications")
}
