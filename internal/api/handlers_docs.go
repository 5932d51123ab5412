package api

import (
	"errors"
	"io/fs"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/dgallion1/bookgest/internal/document"
	"github.com/dgallion1/bookgest/internal/home"
	"github.com/dgallion1/bookgest/internal/index"
	"github.com/dgallion1/bookgest/internal/pipeline"
)

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// handleListDocuments lists source documents and their ingestion state.
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	dir := s.orchestrator.Ingestor().Home()
	entries, err := os.ReadDir(dir.DataPath())
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		jsonError(w, "failed to list documents: "+err.Error(), http.StatusInternalServerError)
		return
	}

	docs := []map[string]any{}
	for _, e := range entries {
		if e.IsDir() || !document.IsSupported(e.Name()) {
			continue
		}
		name := e.Name()
		docs = append(docs, map[string]any{
			"filename":  name,
			"indexed":   fileExists(dir.IndexJSONPath(name)),
			"resumable": fileExists(dir.CheckpointPath(name)),
			"busy":      s.orchestrator.Busy(name),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"documents": docs})
}

// handleDocumentIndex returns the persisted topic index as JSON, or as the
// plain-text rendering with ?format=text.
func (s *Server) handleDocumentIndex(w http.ResponseWriter, r *http.Request) {
	name := home.SanitizeFilename(chi.URLParam(r, "name"))
	annotate(r, "document", name)
	dir := s.orchestrator.Ingestor().Home()

	f, err := index.ReadFile(dir.IndexJSONPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		jsonError(w, "index not found", http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte(index.RenderText(f)))
		return
	}
	writeJSON(w, http.StatusOK, f)
}

// handleDocumentChapters resolves the chapter ranges of a source document.
func (s *Server) handleDocumentChapters(w http.ResponseWriter, r *http.Request) {
	name := home.SanitizeFilename(chi.URLParam(r, "name"))
	annotate(r, "document", name)
	ranges, err := s.orchestrator.Ingestor().Chapters(name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"document": name, "chapters": ranges})
	case errors.Is(err, fs.ErrNotExist):
		jsonError(w, "document not found", http.StatusNotFound)
	case errors.Is(err, pipeline.ErrNoOutline), errors.Is(err, document.ErrUnsupportedFormat):
		jsonError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

// handleDeleteDocument removes every ingestion artifact of a document. The
// source file is left in place.
func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	name := home.SanitizeFilename(chi.URLParam(r, "name"))
	annotate(r, "document", name)
	err := s.orchestrator.RemoveArtifacts(name)
	if errors.Is(err, pipeline.ErrDocumentBusy) {
		jsonError(w, err.Error(), http.StatusConflict)
		return
	}
	if errors.Is(err, fs.ErrNotExist) {
		jsonError(w, "no artifacts for "+name, http.StatusNotFound)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.log.Info("document artifacts removed", "document", name)
	writeJSON(w, http.StatusOK, map[string]any{"document": name, "deleted": true})
}
