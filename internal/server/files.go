package server

import (
	"errors"
	"io"
	"net/http"

	"github.com/basket/workshop/internal/blob"
)

func (s *Server) handleFileUpload(w http.ResponseWriter, r *http.Request) error {
	max := s.cfg.MaxBlobBytes
	// Reject on the declared length first, then re-check what actually
	// arrived; Content-Length is advisory, not trusted.
	if r.ContentLength > max {
		return errTooLarge("blob exceeds %d bytes", max)
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, max+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > max {
		return errTooLarge("blob exceeds %d bytes", max)
	}

	digest, err := s.cfg.Blobs.Put(data)
	if err != nil {
		return err
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.BlobBytesWritten.Add(r.Context(), int64(len(data)))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"hash": digest, "size": len(data)})
	return nil
}

func (s *Server) handleFileDownload(w http.ResponseWriter, r *http.Request) error {
	digest := r.PathValue("hash")
	f, err := s.cfg.Blobs.Open(digest)
	if errors.Is(err, blob.ErrBadDigest) {
		return errBadRequest("invalid hash format")
	}
	if errors.Is(err, blob.ErrNotFound) {
		return errNotFound("blob %s not found", digest)
	}
	if err != nil {
		return err
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
	return nil
}
