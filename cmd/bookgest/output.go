package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/dgallion1/bookgest/internal/doctree"
	"github.com/dgallion1/bookgest/internal/pipeline"
	"github.com/dgallion1/bookgest/internal/progress"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("220"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("39")).
			Padding(0, 1)
)

// progressPrinter renders one line per progress event.
func progressPrinter(w io.Writer, document string) progress.Func {
	return func(ev progress.Event) {
		switch e := ev.(type) {
		case progress.Progress:
			fmt.Fprintf(w, "%s %s %s\n", dimStyle.Render("page"), titleStyle.Render(progress.Label(e)), dimStyle.Render(document))
		case progress.Done:
			fmt.Fprintf(w, "%s %s\n", successStyle.Render("done"), dimStyle.Render(document))
		}
	}
}

func formatResult(res pipeline.Result) string {
	mode := "fresh"
	if res.Resumed {
		mode = "resumed"
	}
	lines := []string{
		fmt.Sprintf("%s %s (%s)", dimStyle.Render("Document:"), titleStyle.Render(res.Document), mode),
		fmt.Sprintf("%s %d/%d  %s %d", dimStyle.Render("Pages:"), res.PagesProcessed, res.Pages,
			dimStyle.Render("Chapters:"), res.Chapters),
		fmt.Sprintf("%s %s  %s %d", dimStyle.Render("Records added:"),
			successStyle.Render(fmt.Sprint(res.RecordsAdded)), dimStyle.Render("Total:"), res.TotalRecords),
	}
	if res.ChunksResumed > 0 {
		lines = append(lines, fmt.Sprintf("%s %d", dimStyle.Render("Already committed:"), res.ChunksResumed))
	}
	if res.ChunksSkipped > 0 {
		lines = append(lines, warnStyle.Render(fmt.Sprintf("Skipped chunks: %d", res.ChunksSkipped)))
	}
	for _, e := range res.PageErrors {
		lines = append(lines, errorStyle.Render(e))
	}
	return boxStyle.Render(strings.Join(lines, "\n"))
}

func formatChapters(ranges []doctree.ChapterRange) string {
	var sb strings.Builder
	for _, r := range ranges {
		pad := strings.Repeat("  ", strings.Count(r.Number, "."))
		fmt.Fprintf(&sb, "%s%s %s %s\n", pad, titleStyle.Render(r.Number), r.Title,
			dimStyle.Render(fmt.Sprintf("(pages %d-%d)", r.PageStart, r.PageEnd)))
	}
	return sb.String()
}
