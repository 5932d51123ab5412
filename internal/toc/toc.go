// Package toc turns raw outline entries into chapter ranges and chapter trees.
package toc

import (
	"strconv"
	"strings"

	"github.com/dgallion1/bookgest/internal/doctree"
)

// Filter drops entries with negative pages (front matter and unresolved links).
func Filter(entries []doctree.OutlineEntry) []doctree.OutlineEntry {
	out := make([]doctree.OutlineEntry, 0, len(entries))
	for _, e := range entries {
		if e.Page < 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Resolve computes numbered chapter ranges for the outline of a document with
// pageCount pages. A range ends one page before the next entry at the same or
// a shallower level, or at the last page of the document.
func Resolve(entries []doctree.OutlineEntry, pageCount int) []doctree.ChapterRange {
	entries = Filter(entries)
	if len(entries) == 0 {
		return nil
	}
	lastPage := max(pageCount-1, 0)

	var counters []int
	ranges := make([]doctree.ChapterRange, 0, len(entries))
	for i, e := range entries {
		level := max(e.Level, 0)
		for len(counters) <= level {
			counters = append(counters, 0)
		}
		counters[level]++
		for k := level + 1; k < len(counters); k++ {
			counters[k] = 0
		}

		end := lastPage
		for j := i + 1; j < len(entries); j++ {
			if max(entries[j].Level, 0) <= level {
				end = entries[j].Page - 1
				break
			}
		}
		if end < e.Page {
			end = e.Page
		}

		ranges = append(ranges, doctree.ChapterRange{
			Index:     i,
			Level:     level,
			Number:    number(counters[:level+1]),
			Title:     strings.TrimSpace(e.Title),
			PageStart: e.Page,
			PageEnd:   end,
		})
	}
	return ranges
}

func number(counters []int) string {
	parts := make([]string, 0, len(counters))
	for _, c := range counters {
		if c == 0 {
			continue
		}
		parts = append(parts, strconv.Itoa(c))
	}
	return strings.Join(parts, ".")
}

// Nest builds a forest from ordered ranges. A range becomes a child of the
// closest preceding range with a strictly smaller level.
func Nest[T any](ranges []doctree.ChapterRange, mk func(doctree.ChapterRange) T, attach func(parent, child T)) []T {
	type open struct {
		level int
		node  T
	}
	var roots []T
	var stack []open
	for _, r := range ranges {
		node := mk(r)
		for len(stack) > 0 && stack[len(stack)-1].level >= r.Level {
			stack = stack[:len(stack)-1]
		}
		if len(stack) == 0 {
			roots = append(roots, node)
		} else {
			attach(stack[len(stack)-1].node, node)
		}
		stack = append(stack, open{level: r.Level, node: node})
	}
	return roots
}

// Active returns the index of the last range starting at or before page,
// or -1 when page precedes every range.
func Active(ranges []doctree.ChapterRange, page int) int {
	idx := -1
	for i, r := range ranges {
		if r.PageStart > page {
			break
		}
		idx = i
	}
	return idx
}
