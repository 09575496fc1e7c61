package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/etna/internal/model"
	"github.com/seantiz/etna/internal/store"
)

// listFilesResponse is the JSON response for GET /v1/files.
type listFilesResponse struct {
	Files []model.StoredFile `json:"files"`
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.store.ListFiles(r.Context())
	if err != nil {
		s.logger.Error("list files", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list files")
		return
	}
	if files == nil {
		files = []model.StoredFile{}
	}

	s.writeJSON(w, http.StatusOK, listFilesResponse{Files: files})
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	_, data, err := s.store.GetFile(r.Context(), name)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "file not found")
		return
	}
	if err != nil {
		s.logger.Error("get file", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get file")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleDeleteFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	if err := s.store.DeleteFile(r.Context(), name); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "file not found")
			return
		}
		s.logger.Error("delete file", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete file")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
