package httpproxy

import (
	stderr "errors"
	"net/http"

	cerrors "github.com/objectfs/s3cacheproxy/pkg/errors"
)

// writeError translates an origin/cache error into an HTTP response.
// Cache-layer failures never reach here — the orchestrator swallows them
// and falls through to the origin — so every error this sees originates
// from key canonicalization or the origin fetch itself.
func writeError(w http.ResponseWriter, err error) {
	var cerr *cerrors.Error
	if stderr.As(err, &cerr) {
		status := cerr.HTTPStatus
		if status == 0 {
			status = http.StatusInternalServerError
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(cerr.JSON()))
		return
	}

	http.Error(w, err.Error(), http.StatusInternalServerError)
}
