package index

import (
	"context"
	"strings"

	"github.com/dgallion1/bookgest/internal/extract"
	"github.com/dgallion1/bookgest/internal/inference"
)

const summaryPrompt = `Summarize the segment in 1 short sentence and list 3-8 topic keywords.
Return only JSON with keys: summary (string), topics (array of strings).
Segment:
`

var summarySchema = extract.MustCompileSchema("summary.json", `{
	"type": "object",
	"required": ["summary"],
	"properties": {
		"summary": {"type": "string"},
		"topics": {"type": "array", "items": {"type": "string"}}
	}
}`)

// Generator produces text completions.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts inference.GenerateOptions) (string, error)
	ChatModel() string
}

// rejectionRecorder is implemented by generators that count responses the
// index could not use.
type rejectionRecorder interface {
	RejectResponse()
}

// BuildSummaryPrompt creates the summarization prompt for a chunk.
func BuildSummaryPrompt(text string) string {
	return summaryPrompt + text
}

type summaryPayload struct {
	Summary string   `json:"summary"`
	Topics  []string `json:"topics"`
}

// Summarize asks the backend for a one-sentence summary and topic keywords.
// Any failure yields an empty result; summarization never aborts ingestion.
func (b *Builder) Summarize(ctx context.Context, text string) (string, []string) {
	if b.gen == nil || b.gen.ChatModel() == "" {
		return "", nil
	}
	raw, err := b.gen.Generate(ctx, BuildSummaryPrompt(text), inference.GenerateOptions{Temperature: 0})
	if err != nil {
		b.log.Warn("segment summarization failed", "error", err)
		return "", nil
	}

	var p summaryPayload
	if !extract.DefaultChain.DecodeValid(raw, summarySchema, &p) {
		b.log.Warn("unparsable summarization response", "raw", extract.Truncate(raw, 200))
		if r, ok := b.gen.(rejectionRecorder); ok {
			r.RejectResponse()
		}
		return "", nil
	}

	topics := make([]string, 0, len(p.Topics))
	for _, t := range p.Topics {
		if strings.TrimSpace(t) != "" {
			topics = append(topics, t)
		}
	}
	return strings.TrimSpace(p.Summary), topics
}
