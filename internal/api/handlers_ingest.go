package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/bookgest/internal/document"
	"github.com/dgallion1/bookgest/internal/home"
	"github.com/dgallion1/bookgest/internal/pipeline"
	"github.com/dgallion1/bookgest/internal/progress"
)

const maxRequestBytes = 1 << 20

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// checkRequest validates a request and returns an HTTP status on failure.
func (s *Server) checkRequest(req *pipeline.Request) (int, error) {
	if req.Filename == "" {
		return http.StatusBadRequest, errors.New("filename is required")
	}
	req.Filename = home.SanitizeFilename(req.Filename)
	if !document.IsSupported(req.Filename) {
		return http.StatusBadRequest, fmt.Errorf("unsupported file type: %s", filepath.Ext(req.Filename))
	}
	dir := s.orchestrator.Ingestor().Home()
	if _, err := os.Stat(dir.SourcePath(req.Filename)); err != nil {
		return http.StatusNotFound, fmt.Errorf("document %s not found", req.Filename)
	}
	return 0, nil
}

func submitStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrDocumentBusy):
		return http.StatusConflict
	default:
		return http.StatusServiceUnavailable
	}
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if code, err := s.checkRequest(&req); err != nil {
		jsonError(w, err.Error(), code)
		return
	}

	annotate(r, "document", req.Filename, "resume", req.Resume)

	job, err := s.orchestrator.Submit(req)
	if err != nil {
		jsonError(w, err.Error(), submitStatus(err))
		return
	}
	annotate(r, "job_id", job.ID)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":   job.ID,
		"document": job.Document,
		"status":   job.Snapshot().Status,
		"poll_url": fmt.Sprintf("/api/ingest/%s/status", job.ID),
	})
}

func (s *Server) handleBatchIngest(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Documents []pipeline.Request `json:"documents"`
	}
	if err := decodeJSON(w, r, &body); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(body.Documents) == 0 {
		jsonError(w, "at least one document is required", http.StatusBadRequest)
		return
	}

	var results []map[string]any
	for _, req := range body.Documents {
		if _, err := s.checkRequest(&req); err != nil {
			results = append(results, map[string]any{
				"filename": req.Filename,
				"error":    err.Error(),
			})
			continue
		}
		job, err := s.orchestrator.Submit(req)
		if err != nil {
			results = append(results, map[string]any{
				"filename": req.Filename,
				"error":    err.Error(),
			})
			continue
		}
		results = append(results, map[string]any{
			"filename": req.Filename,
			"job_id":   job.ID,
			"status":   job.Snapshot().Status,
			"poll_url": fmt.Sprintf("/api/ingest/%s/status", job.ID),
		})
	}
	annotate(r, "documents", len(body.Documents))
	writeJSON(w, http.StatusAccepted, map[string]any{"jobs": results})
}

// handleIngestStream runs the ingestion within the request and streams one
// server-sent event per page. Errors before the first event are plain JSON
// responses; later ones end the stream with an error frame.
func (s *Server) handleIngestStream(w http.ResponseWriter, r *http.Request) {
	var req pipeline.Request
	if err := decodeJSON(w, r, &req); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if code, err := s.checkRequest(&req); err != nil {
		jsonError(w, err.Error(), code)
		return
	}
	annotate(r, "document", req.Filename, "resume", req.Resume)
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
	}

	job, _, err := s.orchestrator.RunSync(r.Context(), req, func(ev progress.Event) {
		start()
		if err := progress.WriteSSE(w, ev); err != nil {
			s.log.Debug("stream write failed", "error", err)
		}
		flusher.Flush()
	})
	if job != nil {
		annotate(r, "job_id", job.ID)
	}
	if err == nil {
		return
	}
	if !started {
		switch {
		case errors.Is(err, pipeline.ErrDocumentBusy):
			jsonError(w, err.Error(), http.StatusConflict)
			return
		case errors.Is(err, pipeline.ErrNoOutline), errors.Is(err, document.ErrUnsupportedFormat):
			jsonError(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		start()
	}
	progress.WriteSSEError(w, err)
	flusher.Flush()
}

func (s *Server) handleIngestStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	annotate(r, "job_id", jobID)
	job := s.orchestrator.GetJob(jobID)
	if job == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}
