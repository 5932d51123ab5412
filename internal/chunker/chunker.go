// Package chunker splits page text into bounded, overlapping chunks aligned
// to chapter ranges.
package chunker

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/bookgest/internal/doctree"
	"github.com/dgallion1/bookgest/internal/toc"
)

// Config controls chunking behavior. Lengths are counted in characters.
type Config struct {
	CharLimit int // Maximum chunk length.
	Overlap   int // Characters shared by consecutive windows of an oversized segment.
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CharLimit: 2000,
		Overlap:   200,
	}
}

// Validate checks that windows always advance.
func (c Config) Validate() error {
	if c.CharLimit <= 0 {
		return fmt.Errorf("char limit must be positive, got %d", c.CharLimit)
	}
	if c.Overlap < 0 || c.Overlap >= c.CharLimit {
		return fmt.Errorf("overlap must be in [0,%d), got %d", c.CharLimit, c.Overlap)
	}
	return nil
}

// SplitWindows hard-splits text into windows of exactly limit characters,
// each starting limit-overlap characters after the previous one. The last
// window holds whatever remains.
func SplitWindows(text string, limit, overlap int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}
	step := limit - overlap
	var windows []string
	for start := 0; start < len(runes); start += step {
		end := min(start+limit, len(runes))
		windows = append(windows, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return windows
}

// splitByParagraphs splits on blank lines.
func splitByParagraphs(text string) []string {
	parts := strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n\n")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}

// ChunkPage turns one page's blocks into chunk texts. Small segments are
// packed together up to the limit; oversized ones are windowed.
func ChunkPage(blocks []string, cfg Config) []string {
	var chunks []string
	var buf strings.Builder
	bufLen := 0

	flush := func() {
		if bufLen > 0 {
			chunks = append(chunks, buf.String())
			buf.Reset()
			bufLen = 0
		}
	}

	for _, block := range blocks {
		for _, seg := range splitByParagraphs(block) {
			segLen := utf8.RuneCountInString(seg)
			if segLen > cfg.CharLimit {
				flush()
				chunks = append(chunks, SplitWindows(seg, cfg.CharLimit, cfg.Overlap)...)
				continue
			}
			if bufLen > 0 && bufLen+1+segLen > cfg.CharLimit {
				flush()
			}
			if bufLen > 0 {
				buf.WriteByte('\n')
				bufLen++
			}
			buf.WriteString(seg)
			bufLen += segLen
		}
	}
	flush()
	return chunks
}

// Source provides page text. document.Document satisfies it.
type Source interface {
	PageCount() int
	PageBlocks(page int) ([]string, error)
}

// Page is the chunked content of one page.
type Page struct {
	Index  int
	Total  int
	Chunks []doctree.Chunk
}

// Pages walks the document from the first chapter's start page through the
// last page, yielding each page's chunks tagged with the active chapter. A
// page that fails to extract is yielded with its error and no chunks.
func Pages(ctx context.Context, src Source, ranges []doctree.ChapterRange, cfg Config) iter.Seq2[Page, error] {
	return PagesFrom(ctx, src, ranges, cfg, 0)
}

// PagesFrom is Pages starting no earlier than page from. Resumed runs use it
// to avoid extracting pages that are already committed.
func PagesFrom(ctx context.Context, src Source, ranges []doctree.ChapterRange, cfg Config, from int) iter.Seq2[Page, error] {
	return func(yield func(Page, error) bool) {
		if len(ranges) == 0 {
			return
		}
		total := src.PageCount()
		for page := max(ranges[0].PageStart, from); page < total; page++ {
			if err := ctx.Err(); err != nil {
				yield(Page{Index: page, Total: total}, err)
				return
			}
			p := Page{Index: page, Total: total}
			blocks, err := src.PageBlocks(page)
			if err != nil {
				if !yield(p, fmt.Errorf("page %d: %w", page, err)) {
					return
				}
				continue
			}
			active := ranges[toc.Active(ranges, page)]
			for seq, text := range ChunkPage(blocks, cfg) {
				p.Chunks = append(p.Chunks, doctree.Chunk{
					Text:         text,
					ChapterIndex: active.Index,
					Page:         page,
					Seq:          seq,
					Level:        active.Level,
					Title:        active.Title,
				})
			}
			if !yield(p, nil) {
				return
			}
		}
	}
}
