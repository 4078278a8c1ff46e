package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total          int            `json:"total"`
	ByStatus       map[string]int `json:"by_status"`
	ByCapability   map[string]int `json:"by_capability"`
	AvgDurationMS  float64        `json:"avg_duration_ms"`
	PendingAnswers map[string]int `json:"pending_answers"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetTaskStats(r.Context())
	if err != nil {
		s.logger.Error("get task stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	pending := make(map[string]int)
	if s.superres != nil {
		pending[s.superres.Name()] = s.superres.Pending()
	}
	if s.detection != nil {
		pending[s.detection.Name()] = s.detection.Pending()
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:          stats.Total,
		ByStatus:       stats.CountByStatus,
		ByCapability:   stats.CountByCapability,
		AvgDurationMS:  stats.AvgDurationMS,
		PendingAnswers: pending,
	})
}
