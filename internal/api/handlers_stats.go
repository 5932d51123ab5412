package api

import (
	"net/http"

	"github.com/dgallion1/bookgest/internal/inference"
)

// handleLLMStats reports per-endpoint call counts, what the pipeline had to
// skip, and recent latency.
func (s *Server) handleLLMStats(w http.ResponseWriter, r *http.Request) {
	if s.backend == nil {
		jsonError(w, "llm stats unavailable", http.StatusServiceUnavailable)
		return
	}
	snap := s.backend.Stats.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"embeddings_model": s.backend.EmbeddingsModel(),
		"chat_model":       s.backend.ChatModel(),
		"embed":            snap[inference.KindEmbed],
		"generate":         snap[inference.KindGenerate],
	})
}
