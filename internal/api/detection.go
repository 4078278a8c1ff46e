package api

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/antchoi/Polymer/internal/detection"
)

const (
	// maxUploadBody bounds multipart uploads. Each uploaded image is further
	// held to maxImageBytes.
	maxUploadBody = 512 << 20
	// maxUploadMemory is the part of an upload kept in memory; the rest is
	// spooled to disk.
	maxUploadMemory = 32 << 20

	uploadField = "file"
	jsonType    = "application/json"
)

func (s *Server) handleDetectImage(w http.ResponseWriter, r *http.Request) {
	images, ok := s.readUploads(w, r)
	if !ok {
		return
	}

	frames, ok := s.detect(w, r, detection.Input{Kind: detection.KindImage, Images: images[:1]})
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, frames[0])
}

func (s *Server) handleDetectImages(w http.ResponseWriter, r *http.Request) {
	images, ok := s.readUploads(w, r)
	if !ok {
		return
	}

	frames, ok := s.detect(w, r, detection.Input{Kind: detection.KindImage, Images: images})
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, frames)
}

func (s *Server) handleDetectVideo(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File[uploadField]
	if len(files) == 0 {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return
	}

	dir, err := os.MkdirTemp("", "polymer-video-*")
	if err != nil {
		s.logger.Error("create upload dir", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}
	defer os.RemoveAll(dir)

	uploadBytes.WithLabelValues(detection.Capability).Observe(float64(files[0].Size))
	path, err := saveUpload(files[0], dir)
	if err != nil {
		s.logger.Error("store video upload", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to store upload")
		return
	}

	frames, ok := s.detect(w, r, detection.Input{Kind: detection.KindVideo, VideoPath: path})
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, frames)
}

func (s *Server) handleSubmitDetectImages(w http.ResponseWriter, r *http.Request) {
	images, ok := s.readUploads(w, r)
	if !ok {
		return
	}
	submit(s, w, r, s.detection, detection.Input{Kind: detection.KindImage, Images: images}, encodeDetection)
}

// detect runs in on the detection engine. An answer without frames is a
// failure.
func (s *Server) detect(w http.ResponseWriter, r *http.Request, in detection.Input) ([]detection.Frame, bool) {
	out, ok := process(s, w, r, s.detection, in)
	if !ok {
		return nil, false
	}
	if len(out.Frames) == 0 {
		s.writeError(w, http.StatusInternalServerError, "failed to process task")
		return nil, false
	}
	return out.Frames, true
}

// readUploads reads every uploaded file of the multipart request.
func (s *Server) readUploads(w http.ResponseWriter, r *http.Request) ([][]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBody)
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid multipart body")
		return nil, false
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File[uploadField]
	if len(files) == 0 {
		s.writeError(w, http.StatusBadRequest, "file is required")
		return nil, false
	}

	for _, fh := range files {
		if fh.Size > int64(maxImageBytes) {
			s.writeError(w, http.StatusRequestEntityTooLarge, "image too large")
			return nil, false
		}
	}

	images := make([][]byte, 0, len(files))
	for _, fh := range files {
		f, err := fh.Open()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unreadable upload")
			return nil, false
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "unreadable upload")
			return nil, false
		}
		images = append(images, data)
	}
	observeUpload(detection.Capability, images...)
	return images, true
}

// saveUpload copies an uploaded file into dir under its base name.
func saveUpload(fh *multipart.FileHeader, dir string) (string, error) {
	src, err := fh.Open()
	if err != nil {
		return "", fmt.Errorf("open upload: %w", err)
	}
	defer src.Close()

	base := filepath.Base(fh.Filename)
	if base == "." || base == "/" || base == ".." {
		base = "upload"
	}
	path := filepath.Join(dir, base)

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", fmt.Errorf("write upload file: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("close upload file: %w", err)
	}
	return path, nil
}

func encodeDetection(out detection.Output) ([]byte, string, error) {
	data, err := json.Marshal(out.Frames)
	if err != nil {
		return nil, "", err
	}
	return data, jsonType, nil
}
