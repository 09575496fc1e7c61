package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/etna/internal/store"
)

// kvKeysResponse is the JSON response for GET /v1/kv/{namespace}.
type kvKeysResponse struct {
	Namespace string   `json:"namespace"`
	Keys      []string `json:"keys"`
}

func (s *Server) handleKVKeys(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")

	keys, err := s.store.KVKeys(r.Context(), namespace)
	if err != nil {
		s.logger.Error("kv keys", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list keys")
		return
	}
	if keys == nil {
		keys = []string{}
	}

	s.writeJSON(w, http.StatusOK, kvKeysResponse{Namespace: namespace, Keys: keys})
}

// handleKVGet returns the raw stored bytes; scripts store arbitrary binary
// values, so no JSON wrapping.
func (s *Server) handleKVGet(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	key := chi.URLParam(r, "key")

	value, err := s.store.KVGet(r.Context(), namespace, key)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "key not found")
		return
	}
	if err != nil {
		s.logger.Error("kv get", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get value")
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(value)
}

func (s *Server) handleKVSet(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	key := chi.URLParam(r, "key")

	value, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	if err := s.store.KVSet(r.Context(), namespace, key, value); err != nil {
		s.logger.Error("kv set", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to set value")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleKVDelete(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	key := chi.URLParam(r, "key")

	if err := s.store.KVDelete(r.Context(), namespace, key); err != nil {
		s.logger.Error("kv delete", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to delete value")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
