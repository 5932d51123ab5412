package document

import (
	"fmt"
	"io"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/dgallion1/bookgest/internal/doctree"
	pdflib "github.com/ledongthuc/pdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
)

// blockGapFactor is the multiple of the median line spacing that separates blocks.
const blockGapFactor = 1.5

// pdfDocument reads page text with ledongthuc/pdf and the outline and page
// count with pdfcpu.
type pdfDocument struct {
	path     string
	file     *os.File
	reader   *pdflib.Reader
	pages    int
	outline  []doctree.OutlineEntry
	outErr   error
	fallback bool
}

func openPDF(path string, opts Options) (*pdfDocument, error) {
	f, reader, err := pdflib.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pdf %s: %w", filepath.Base(path), err)
	}
	d := &pdfDocument{
		path:     path,
		file:     f,
		reader:   reader,
		pages:    reader.NumPage(),
		fallback: opts.FallbackPdftotext,
	}

	rs, err := os.Open(path)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("open pdf %s: %w", filepath.Base(path), err)
	}
	defer rs.Close()

	if n, err := api.PageCount(rs, nil); err == nil && n > 0 {
		d.pages = n
	}
	if _, err := rs.Seek(0, io.SeekStart); err != nil {
		d.outErr = err
		return d, nil
	}
	bookmarks, err := api.Bookmarks(rs, nil)
	if err != nil {
		d.outErr = fmt.Errorf("read outline: %w", err)
		return d, nil
	}
	d.outline = flattenBookmarks(bookmarks, 1, nil)
	return d, nil
}

// flattenBookmarks walks the bookmark tree depth-first. Levels start at 1 and
// pages are converted to 0-based, so unresolved targets become negative.
func flattenBookmarks(bms []pdfcpu.Bookmark, level int, out []doctree.OutlineEntry) []doctree.OutlineEntry {
	for _, bm := range bms {
		out = append(out, doctree.OutlineEntry{
			Level: level,
			Title: strings.TrimSpace(bm.Title),
			Page:  bm.PageFrom - 1,
		})
		out = flattenBookmarks(bm.Kids, level+1, out)
	}
	return out
}

func (d *pdfDocument) PageCount() int { return d.pages }

func (d *pdfDocument) Outline() ([]doctree.OutlineEntry, error) {
	return d.outline, d.outErr
}

func (d *pdfDocument) Close() error {
	return d.file.Close()
}

func (d *pdfDocument) PageBlocks(page int) ([]string, error) {
	if page < 0 || page >= d.pages {
		return nil, fmt.Errorf("page %d out of range [0,%d)", page, d.pages)
	}
	blocks, err := d.readerBlocks(page)
	if (err != nil || len(blocks) == 0) && d.fallback {
		text, ferr := pdftotextPage(d.path, page)
		if ferr == nil {
			return splitBlocks(text), nil
		}
		if err == nil {
			err = ferr
		}
	}
	return blocks, err
}

func (d *pdfDocument) readerBlocks(page int) ([]string, error) {
	p := d.reader.Page(page + 1)
	if p.V.IsNull() {
		return nil, nil
	}
	rows, err := p.GetTextByRow()
	if err == nil && len(rows) > 0 {
		lines := make([]line, 0, len(rows))
		for _, row := range rows {
			if t := rowText(row.Content); t != "" {
				lines = append(lines, line{y: float64(row.Position), text: t})
			}
		}
		if blocks := groupLines(lines); len(blocks) > 0 {
			return blocks, nil
		}
	}
	text, perr := p.GetPlainText(nil)
	if perr != nil {
		if err != nil {
			return nil, fmt.Errorf("extract page %d: %w", page, err)
		}
		return nil, fmt.Errorf("extract page %d: %w", page, perr)
	}
	return splitBlocks(text), nil
}

// rowText joins the fragments of one row left-to-right, inserting a space
// where the horizontal gap between fragments looks like a word break.
func rowText(frags pdflib.TextHorizontal) string {
	frags = slices.Clone(frags)
	slices.SortStableFunc(frags, func(a, b pdflib.Text) int {
		switch {
		case a.X < b.X:
			return -1
		case a.X > b.X:
			return 1
		}
		return 0
	})
	var sb strings.Builder
	prevEnd := math.Inf(-1)
	for _, f := range frags {
		if f.S == "" {
			continue
		}
		gap := f.X - prevEnd
		if sb.Len() > 0 && gap > f.FontSize*0.15 && !strings.HasSuffix(sb.String(), " ") && !strings.HasPrefix(f.S, " ") {
			sb.WriteByte(' ')
		}
		sb.WriteString(f.S)
		prevEnd = f.X + f.W
	}
	return strings.TrimSpace(sb.String())
}

type line struct {
	y    float64
	text string
}

// groupLines merges consecutive lines into blocks, starting a new block when
// the vertical gap exceeds blockGapFactor times the median gap.
func groupLines(lines []line) []string {
	if len(lines) == 0 {
		return nil
	}
	gaps := make([]float64, 0, len(lines))
	for i := 1; i < len(lines); i++ {
		gaps = append(gaps, math.Abs(lines[i-1].y-lines[i].y))
	}
	threshold := math.Inf(1)
	if len(gaps) > 0 {
		sorted := slices.Clone(gaps)
		slices.Sort(sorted)
		if median := sorted[len(sorted)/2]; median > 0 {
			threshold = median * blockGapFactor
		}
	}

	var blocks []string
	current := []string{lines[0].text}
	for i := 1; i < len(lines); i++ {
		if gaps[i-1] > threshold {
			blocks = append(blocks, strings.Join(current, "\n"))
			current = nil
		}
		current = append(current, lines[i].text)
	}
	return append(blocks, strings.Join(current, "\n"))
}

// splitBlocks splits plain page text on blank lines.
func splitBlocks(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	var blocks []string
	for _, b := range strings.Split(text, "\n\n") {
		if b = strings.TrimSpace(b); b != "" {
			blocks = append(blocks, b)
		}
	}
	return blocks
}

func pdftotextPage(path string, page int) (string, error) {
	n := strconv.Itoa(page + 1)
	cmd := exec.Command("pdftotext", "-f", n, "-l", n, "-layout", path, "-")
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("pdftotext: %w", err)
	}
	return strings.TrimRight(string(out), "\f"), nil
}
