package httpproxy

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

type purgeResponse struct {
	Status    string   `json:"status"`
	Message   string   `json:"message"`
	Timestamp string   `json:"timestamp"`
	Failed    []string `json:"failed_layers,omitempty"`
}

type statsResponse struct {
	Status string    `json:"status"`
	Stats  statsBody `json:"stats"`
}

type statsBody struct {
	Hits              uint64                    `json:"hits"`
	Misses            uint64                    `json:"misses"`
	HitRate           float64                   `json:"hit_rate"`
	CurrentSizeBytes  int64                     `json:"current_size_bytes"`
	MaxSizeBytes      int64                     `json:"max_size_bytes"`
	CurrentItemCount  int64                     `json:"current_item_count"`
	MaxItemCount      int64                     `json:"max_item_count"`
	Promotions        uint64                    `json:"promotions"`
	StampedeCoalesces uint64                    `json:"stampede_coalesces"`
	StreamBypasses    uint64                    `json:"stream_bypasses"`
	Layers            map[string]layerStatsBody `json:"layers"`
	Health            map[string]string         `json:"health,omitempty"`
}

type layerStatsBody struct {
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	Sets       uint64  `json:"sets"`
	Deletes    uint64  `json:"deletes"`
	Evictions  uint64  `json:"evictions"`
	Errors     uint64  `json:"errors"`
	HitRate    float64 `json:"hit_rate"`
	BytesInUse int64   `json:"bytes_in_use"`
	ItemCount  int64   `json:"item_count"`
	Capacity   int64   `json:"capacity"`
}

// checkAdminAuth reports whether r carries the configured bearer token.
// An empty AdminToken disables the admin surface entirely.
func (s *Server) checkAdminAuth(r *http.Request) bool {
	if s.cfg.AdminToken == "" {
		return false
	}
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	presented := strings.TrimPrefix(auth, prefix)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.AdminToken)) == 1
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdminAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	failed := s.orch.PurgeAll(r.Context())

	resp := purgeResponse{
		Status:    "ok",
		Message:   "cache purged",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if len(failed) > 0 {
		resp.Status = "partial"
		resp.Message = "one or more layers failed to clear"
		resp.Failed = failed
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.checkAdminAuth(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	stats := s.orch.Stats()

	body := statsBody{
		Layers: make(map[string]layerStatsBody, len(stats.Layers)),
	}
	for name, snap := range stats.Layers {
		body.Hits += snap.Hits
		body.Misses += snap.Misses
		body.CurrentSizeBytes += snap.BytesInUse
		body.MaxSizeBytes += snap.Capacity
		body.CurrentItemCount += snap.ItemCount
		body.Layers[name] = layerStatsBody{
			Hits:       snap.Hits,
			Misses:     snap.Misses,
			Sets:       snap.Sets,
			Deletes:    snap.Deletes,
			Evictions:  snap.Evictions,
			Errors:     snap.Errors,
			HitRate:    snap.HitRate(),
			BytesInUse: snap.BytesInUse,
			ItemCount:  snap.ItemCount,
			Capacity:   snap.Capacity,
		}
	}
	if total := body.Hits + body.Misses; total > 0 {
		body.HitRate = float64(body.Hits) / float64(total)
	}
	body.Promotions = stats.Promotions
	body.StampedeCoalesces = stats.StampedeCoalesces
	body.StreamBypasses = stats.StreamBypasses

	if s.health != nil {
		components := s.health.GetAllComponents()
		body.Health = make(map[string]string, len(components))
		for name, ch := range components {
			body.Health[name] = ch.State.String()
		}
	}

	writeJSON(w, http.StatusOK, statsResponse{Status: "ok", Stats: body})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
