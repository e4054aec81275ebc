package server

import (
	"fmt"
	"net/http"
	"strings"
)

// staticHandler serves the dashboard from staticDir with long-lived caching.
// Dot files and dot directories are never served.
func (s *Server) staticHandler() http.Handler {
	files := http.FileServer(http.Dir(s.staticDir))
	cacheControl := fmt.Sprintf("public, max-age=%d, immutable", int(s.staticMaxAge.Seconds()))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, seg := range strings.Split(r.URL.Path, "/") {
			if strings.HasPrefix(seg, ".") {
				http.NotFound(w, r)
				return
			}
		}
		w.Header().Set("Cache-Control", cacheControl)
		files.ServeHTTP(w, r)
	})
}
