package httpproxy

import (
	"net/http"
	"strings"

	"github.com/objectfs/s3cacheproxy/internal/cache"
	"github.com/objectfs/s3cacheproxy/pkg/types"
)

// streamFromOrigin relays a request straight to the origin, bypassing
// every cache layer. Used for Range requests and objects whose declared
// size exceeds the streaming threshold: buffering either into the cache
// or into the response writer would defeat the point of the bypass.
func (s *Server) streamFromOrigin(w http.ResponseWriter, r *http.Request) {
	key, err := cache.Canonicalize(s.cfg.Bucket, r.URL.Path, r.URL.Query().Get("v"))
	if err != nil {
		writeError(w, err)
		return
	}

	rangeHeader := r.Header.Get("Range")
	isRange := strings.HasPrefix(rangeHeader, "bytes=")

	err = s.backend.StreamObject(r.Context(), key.Path, rangeHeader, w, func(info *types.ObjectInfo) {
		w.Header().Set("Content-Type", info.ContentType)
		if info.ETag != "" {
			w.Header().Set("ETag", info.ETag)
		}
		w.Header().Set("X-Cache", "bypass, stream")
		status := http.StatusOK
		if isRange {
			status = http.StatusPartialContent
		}
		w.WriteHeader(status)
	})
	if err != nil {
		s.recordOriginResult(err)
		writeError(w, err)
		return
	}
	s.recordOriginResult(nil)
}
