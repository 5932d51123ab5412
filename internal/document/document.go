// Package document exposes paginated documents: page count, per-page text
// blocks in reading order and the raw outline.
package document

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dgallion1/bookgest/internal/doctree"
)

// ErrUnsupportedFormat is returned by Open for unknown file extensions.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Document is an opened source document. Pages are 0-based.
type Document interface {
	PageCount() int
	// PageBlocks returns the text blocks of a page, top-to-bottom.
	PageBlocks(page int) ([]string, error)
	// Outline returns the raw table-of-contents entries.
	Outline() ([]doctree.OutlineEntry, error)
	Close() error
}

// Options controls format-specific extraction.
type Options struct {
	// FallbackPdftotext shells out to pdftotext for pages the Go reader cannot decode.
	FallbackPdftotext bool
}

// SupportedExtensions lists file extensions this service can handle.
var SupportedExtensions = map[string]bool{
	".pdf":      true,
	".md":       true,
	".markdown": true,
	".html":     true,
	".htm":      true,
	".docx":     true,
}

// IsSupported checks if a file extension is supported.
func IsSupported(filename string) bool {
	return SupportedExtensions[strings.ToLower(filepath.Ext(filename))]
}

// Open opens the document at path, choosing a reader by extension.
func Open(path string, opts Options) (Document, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".pdf":
		return openPDF(path, opts)
	case ".md", ".markdown", ".html", ".htm", ".docx":
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", filepath.Base(path), err)
	}
	defer f.Close()

	switch ext {
	case ".md", ".markdown":
		return parseMarkdown(f)
	case ".html", ".htm":
		return parseHTML(f)
	default:
		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat %s: %w", filepath.Base(path), err)
		}
		return parseDOCX(f, info.Size())
	}
}

// sectioned is a heading-structured document held in memory. Every heading
// opens a new logical page whose first block is the heading itself; text
// before the first heading lands on page 0 without an outline entry.
type sectioned struct {
	pages   [][]string
	outline []doctree.OutlineEntry
}

func (s *sectioned) heading(level int, title string) {
	title = strings.TrimSpace(title)
	if title == "" {
		return
	}
	s.pages = append(s.pages, []string{title})
	s.outline = append(s.outline, doctree.OutlineEntry{
		Level: level,
		Title: title,
		Page:  len(s.pages) - 1,
	})
}

func (s *sectioned) paragraph(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if len(s.pages) == 0 {
		s.pages = append(s.pages, nil)
	}
	last := len(s.pages) - 1
	s.pages[last] = append(s.pages[last], text)
}

func (s *sectioned) PageCount() int { return len(s.pages) }

func (s *sectioned) PageBlocks(page int) ([]string, error) {
	if page < 0 || page >= len(s.pages) {
		return nil, fmt.Errorf("page %d out of range [0,%d)", page, len(s.pages))
	}
	return s.pages[page], nil
}

func (s *sectioned) Outline() ([]doctree.OutlineEntry, error) { return s.outline, nil }

func (s *sectioned) Close() error { return nil }
