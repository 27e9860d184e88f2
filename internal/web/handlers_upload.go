package web

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/JonMunkholm/opmerge/internal/core"
)

// multipartMemory is how much of a multipart form is buffered in memory
// before parts spill to temporary files.
const multipartMemory = 32 << 20

// handleSubmit accepts a raw batch in the dataFile field and an optional
// reference table in mappingFile. Staging happens before the response, so
// a 202 means the upload is on disk and the job is processing.
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	s.extendUploadDeadlines(w)
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Ingest.MaxUploadSize)

	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if statusFor(err) == http.StatusRequestEntityTooLarge {
			respondError(w, r, err)
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll() //nolint:errcheck

	file, header, err := r.FormFile("dataFile")
	if err != nil {
		writeError(w, http.StatusBadRequest, "dataFile is required")
		return
	}
	defer file.Close()

	desc := core.BatchDescriptor{
		Filename: header.Filename,
		Data:     file,
		Size:     header.Size,
	}

	mapping, _, err := r.FormFile("mappingFile")
	switch {
	case err == nil:
		defer mapping.Close()
		desc.PrefixTable = mapping
	case !errors.Is(err, http.ErrMissingFile):
		writeError(w, http.StatusBadRequest, "unreadable mappingFile")
		return
	}

	id, err := s.deps.Coordinator.Submit(r.Context(), desc)
	if err != nil {
		respondErrorJob(w, r, err, id)
		return
	}

	job, err := s.deps.Coordinator.Status(id)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/jobs/"+string(id))
	writeJSONStatus(w, http.StatusAccepted, job)
}

// extendUploadDeadlines swaps the server-wide read and write deadlines for
// the upload timeout. Staging a large batch outlasts WriteTimeout, and the
// client must still receive its job id.
func (s *Server) extendUploadDeadlines(w http.ResponseWriter) {
	var deadline time.Time
	if t := s.cfg.Server.UploadTimeout; t > 0 {
		deadline = time.Now().Add(t)
	}
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("upload read deadline", "error", err)
	}
	if err := rc.SetWriteDeadline(deadline); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("upload write deadline", "error", err)
	}
}
