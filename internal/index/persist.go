package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/dgallion1/bookgest/internal/home"
)

// File is the persisted JSON index.
type File struct {
	Document string  `json:"document"`
	Entries  []Entry `json:"entries"`
}

// Entry is the persisted form of a Node.
type Entry struct {
	Number       string   `json:"number"`
	Title        string   `json:"title"`
	Level        int      `json:"level"`
	PageStart    int      `json:"page_start"`
	PageEnd      int      `json:"page_end"`
	Summary      string   `json:"summary"`
	SummaryLines []string `json:"summary_lines"`
	Topics       []string `json:"topics"`
	Children     []Entry  `json:"children"`
}

type nodeKey struct {
	number    string
	title     string
	pageStart int
	pageEnd   int
	level     int
}

func (e Entry) key() nodeKey {
	return nodeKey{e.Number, e.Title, e.PageStart, e.PageEnd, e.Level}
}

func (n *Node) key() nodeKey {
	return nodeKey{n.Number, n.Title, n.PageStart, n.PageEnd, n.Level}
}

func (n *Node) entry() Entry {
	lines := make([]string, len(n.SummaryLines))
	copy(lines, n.SummaryLines)
	children := make([]Entry, 0, len(n.Children))
	for _, c := range n.Children {
		children = append(children, c.entry())
	}
	return Entry{
		Number:       n.Number,
		Title:        n.Title,
		Level:        n.Level,
		PageStart:    n.PageStart,
		PageEnd:      n.PageEnd,
		Summary:      strings.TrimSpace(strings.Join(n.SummaryLines, " ")),
		SummaryLines: lines,
		Topics:       n.SortedTopics(),
		Children:     children,
	}
}

// Snapshot returns the full tree in its persisted form.
func (b *Builder) Snapshot() File {
	entries := make([]Entry, 0, len(b.roots))
	for _, r := range b.roots {
		entries = append(entries, r.entry())
	}
	return File{Document: b.document, Entries: entries}
}

// WriteJSON persists the tree, including empty summaries and topics.
func (b *Builder) WriteJSON(path string) error {
	data, err := json.MarshalIndent(b.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal index: %w", err)
	}
	return home.WriteFileAtomic(path, append(data, '\n'), 0o644)
}

// WriteText persists the human-readable rendering.
func (b *Builder) WriteText(path string) error {
	return home.WriteFileAtomic(path, []byte(RenderText(b.Snapshot())), 0o644)
}

// RenderText renders an indented outline with summaries and topics.
func RenderText(f File) string {
	lines := []string{"Document: " + f.Document, "Index:"}
	var render func(e Entry, indent int)
	render = func(e Entry, indent int) {
		pad := strings.Repeat(" ", indent)
		lines = append(lines, fmt.Sprintf("%s%s %s (pages %d-%d)", pad, e.Number, e.Title, e.PageStart, e.PageEnd))
		if len(e.SummaryLines) > 0 {
			lines = append(lines, pad+"  Summary: "+strings.Join(e.SummaryLines, " "))
		}
		if len(e.Topics) > 0 {
			lines = append(lines, pad+"  Topics: "+strings.Join(e.Topics, ", "))
		}
		for _, c := range e.Children {
			render(c, indent+2)
		}
	}
	for _, e := range f.Entries {
		render(e, 0)
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " \n") + "\n"
}

// ReadFile loads a persisted JSON index.
func ReadFile(path string) (File, error) {
	var f File
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := json.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("decode index: %w", err)
	}
	return f, nil
}

// LoadJSON restores accumulated summaries and topics from a previous run.
// Nodes are matched by (number, title, page_start, page_end, level); nodes
// without a match keep their current state. It reports whether a file was
// loaded.
func (b *Builder) LoadJSON(path string) (bool, error) {
	f, err := ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	flat := make(map[nodeKey]Entry)
	stack := append([]Entry(nil), f.Entries...)
	for len(stack) > 0 {
		e := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		flat[e.key()] = e
		stack = append(stack, e.Children...)
	}

	matched := 0
	for _, n := range b.nodes {
		e, ok := flat[n.key()]
		if !ok {
			continue
		}
		matched++
		n.SummaryLines = n.SummaryLines[:0]
		if e.SummaryLines != nil {
			for _, line := range e.SummaryLines {
				if line != "" {
					n.SummaryLines = append(n.SummaryLines, line)
				}
			}
		} else if s := strings.TrimSpace(e.Summary); s != "" {
			n.SummaryLines = append(n.SummaryLines, s)
		}
		n.Topics = make(map[string]struct{}, len(e.Topics))
		for _, t := range e.Topics {
			if t != "" {
				n.Topics[t] = struct{}{}
			}
		}
	}
	if matched < len(b.nodes) {
		b.log.Warn("index reload matched a subset of chapters", "matched", matched, "chapters", len(b.nodes))
	}
	return true, nil
}
