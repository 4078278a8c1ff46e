package api

import (
	"net/http"

	"github.com/antchoi/Polymer/internal/detection"
	"github.com/antchoi/Polymer/internal/superres"
)

// Actuator status values.
const (
	statusUp   = "UP"
	statusDown = "DOWN"
)

type healthResponse struct {
	Status string `json:"status"`
}

// actuatorResponse reports the process as UP whenever it answers, plus the
// readiness of each capability.
type actuatorResponse struct {
	Status          string `json:"status"`
	SuperResolution string `json:"super_resolution"`
	Detection       string `json:"detection"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{Status: "ok"})
}

func (s *Server) handleActuatorHealth(w http.ResponseWriter, r *http.Request) {
	ready := s.registry.Ready()
	s.writeJSON(w, http.StatusOK, actuatorResponse{
		Status:          statusUp,
		SuperResolution: upDown(ready[superres.Capability]),
		Detection:       upDown(ready[detection.Capability]),
	})
}

func upDown(ready bool) string {
	if ready {
		return statusUp
	}
	return statusDown
}

func (s *Server) handleListWorkers(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.registry.List())
}
