package doctree

// OutlineEntry is one raw table-of-contents entry as reported by a document.
// Page is 0-based; negative pages mark entries without a resolvable target.
type OutlineEntry struct {
	Level int
	Title string
	Page  int
}

// ChapterRange is an outline entry expanded with an inclusive page span and
// a dotted hierarchical number such as "2.3.1".
type ChapterRange struct {
	Index     int    `json:"index"`
	Level     int    `json:"level"`
	Number    string `json:"number"`
	Title     string `json:"title"`
	PageStart int    `json:"page_start"`
	PageEnd   int    `json:"page_end"`
}

// Contains reports whether page lies inside the range.
func (c ChapterRange) Contains(page int) bool {
	return page >= c.PageStart && page <= c.PageEnd
}

// Chunk is a bounded span of text tagged with its chapter and position.
type Chunk struct {
	Text         string
	ChapterIndex int
	Page         int
	Seq          int // Sequence within the page.
	Level        int
	Title        string
}

// Position returns the chunk's (page, sequence) position.
func (c Chunk) Position() Position {
	return Position{Page: c.Page, Segment: c.Seq}
}

// Position orders chunks lexicographically by page, then segment.
type Position struct {
	Page    int `json:"page"`
	Segment int `json:"segment"`
}

// Compare returns -1, 0 or +1.
func (p Position) Compare(o Position) int {
	switch {
	case p.Page < o.Page:
		return -1
	case p.Page > o.Page:
		return 1
	case p.Segment < o.Segment:
		return -1
	case p.Segment > o.Segment:
		return 1
	}
	return 0
}

// After reports whether p comes strictly after o.
func (p Position) After(o Position) bool {
	return p.Compare(o) > 0
}
