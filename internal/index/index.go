// Package index accumulates chapter-level summaries and topics over the
// chapter tree of a document and persists them as JSON and plain text.
package index

import (
	"log/slog"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/dgallion1/bookgest/internal/doctree"
	"github.com/dgallion1/bookgest/internal/toc"
)

// Options bounds what a node accumulates.
type Options struct {
	MaxSummaryLines int
	MaxTopics       int
	MaxSummaryChars int
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxSummaryLines: 4,
		MaxTopics:       30,
		MaxSummaryChars: 220,
	}
}

// Node is one chapter in the index tree. Its shape is fixed at construction;
// only SummaryLines and Topics change.
type Node struct {
	doctree.ChapterRange
	SummaryLines []string
	Topics       map[string]struct{}
	Children     []*Node
}

func newNode(r doctree.ChapterRange) *Node {
	return &Node{ChapterRange: r, Topics: make(map[string]struct{})}
}

// SortedTopics returns the node's topics in lexical order.
func (n *Node) SortedTopics() []string {
	out := make([]string, 0, len(n.Topics))
	for t := range n.Topics {
		out = append(out, t)
	}
	slices.Sort(out)
	return out
}

func (n *Node) addSummary(summary string, opts Options) {
	cleaned := strings.TrimSpace(summary)
	if cleaned == "" {
		return
	}
	if utf8.RuneCountInString(cleaned) > opts.MaxSummaryChars {
		cleaned = strings.TrimRightFunc(string([]rune(cleaned)[:opts.MaxSummaryChars]), isSpace) + "..."
	}
	if len(n.SummaryLines) >= opts.MaxSummaryLines {
		return
	}
	for _, line := range n.SummaryLines {
		if strings.EqualFold(line, cleaned) {
			return
		}
	}
	n.SummaryLines = append(n.SummaryLines, cleaned)
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\f' || r == '\v'
}

var (
	spaceRe    = regexp.MustCompile(`\s+`)
	topicStrip = regexp.MustCompile(`[^\p{L}\p{N} _-]`)
)

// NormalizeTopic collapses whitespace, strips punctuation and lower-cases.
func NormalizeTopic(topic string) string {
	cleaned := spaceRe.ReplaceAllString(strings.TrimSpace(topic), " ")
	cleaned = topicStrip.ReplaceAllString(cleaned, "")
	return strings.ToLower(strings.TrimSpace(cleaned))
}

func (n *Node) addTopics(topics []string, opts Options) {
	for _, t := range topics {
		if len(n.Topics) >= opts.MaxTopics {
			return
		}
		if cleaned := NormalizeTopic(t); cleaned != "" {
			n.Topics[cleaned] = struct{}{}
		}
	}
}

// Builder owns the chapter tree of one document. It is not safe for
// concurrent use.
type Builder struct {
	document string
	nodes    []*Node // indexed by chapter index
	roots    []*Node
	opts     Options
	gen      Generator
	log      *slog.Logger
}

// NewBuilder builds the node tree for ranges. gen may be nil, in which case
// Summarize always returns an empty result.
func NewBuilder(document string, ranges []doctree.ChapterRange, gen Generator, opts Options, log *slog.Logger) *Builder {
	def := DefaultOptions()
	if opts.MaxSummaryLines <= 0 {
		opts.MaxSummaryLines = def.MaxSummaryLines
	}
	if opts.MaxTopics <= 0 {
		opts.MaxTopics = def.MaxTopics
	}
	if opts.MaxSummaryChars <= 0 {
		opts.MaxSummaryChars = def.MaxSummaryChars
	}

	b := &Builder{
		document: document,
		opts:     opts,
		gen:      gen,
		log:      log.With("component", "index", "document", document),
	}
	b.roots = toc.Nest(ranges,
		func(r doctree.ChapterRange) *Node {
			n := newNode(r)
			b.nodes = append(b.nodes, n)
			return n
		},
		func(parent, child *Node) { parent.Children = append(parent.Children, child) },
	)
	return b
}

// Document returns the document name the index belongs to.
func (b *Builder) Document() string { return b.document }

// Roots returns the top-level nodes.
func (b *Builder) Roots() []*Node { return b.roots }

// Node returns the node for a chapter index, or nil.
func (b *Builder) Node(chapterIndex int) *Node {
	if chapterIndex < 0 || chapterIndex >= len(b.nodes) {
		return nil
	}
	return b.nodes[chapterIndex]
}

// AddSegment merges one chunk's summary and topics into its chapter node.
// Unknown chapter indexes are ignored.
func (b *Builder) AddSegment(chapterIndex int, summary string, topics []string) {
	n := b.Node(chapterIndex)
	if n == nil {
		return
	}
	n.addSummary(summary, b.opts)
	n.addTopics(topics, b.opts)
}
