package api

import (
	"encoding/json"
	"net/http"

	"github.com/antchoi/Polymer/internal/kernel"
	"github.com/antchoi/Polymer/internal/superres"
)

// maxImageBody bounds JSON requests that carry a base64 image.
const maxImageBody = kernel.MaxFrameSize

// maxImageBytes bounds a single decoded or uploaded image so that it fits in
// one kernel frame.
var maxImageBytes = kernel.MaxInlineBytes

// superResolutionRequest is the JSON body for the super-resolution
// endpoints. Data is the base64 encoded image.
type superResolutionRequest struct {
	Data []byte `json:"data"`
}

func (s *Server) decodeSuperResolution(w http.ResponseWriter, r *http.Request) (superres.Input, bool) {
	var req superResolutionRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return superres.Input{}, false
	}
	if len(req.Data) == 0 {
		s.writeError(w, http.StatusBadRequest, "data is required")
		return superres.Input{}, false
	}
	if len(req.Data) > maxImageBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, "image too large")
		return superres.Input{}, false
	}
	observeUpload(superres.Capability, req.Data)
	return superres.Input{Image: req.Data}, true
}

func (s *Server) handleSuperResolution(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeSuperResolution(w, r)
	if !ok {
		return
	}

	out, ok := process(s, w, r, s.superres, in)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", superres.OutputType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(out.Image); err != nil {
		s.logger.Error("write image response", "error", err)
	}
}

func (s *Server) handleSubmitSuperResolution(w http.ResponseWriter, r *http.Request) {
	in, ok := s.decodeSuperResolution(w, r)
	if !ok {
		return
	}
	submit(s, w, r, s.superres, in, encodeSuperResolution)
}

func encodeSuperResolution(out superres.Output) ([]byte, string, error) {
	return out.Image, superres.OutputType, nil
}
