// Package render formats question text for the terminal.
package render

import (
	"strings"
	"sync"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/glamour/styles"
	"github.com/muesli/reflow/wordwrap"
)

var (
	rendererMu sync.Mutex
	renderers  = map[int]*glamour.TermRenderer{}
)

// Markdown renders recommendation and rationale text. It falls back to the
// raw text if the renderer fails.
func Markdown(value string, width int) string {
	value = strings.TrimRight(strings.ReplaceAll(value, "\r\n", "\n"), "\n")
	if strings.TrimSpace(value) == "" {
		return ""
	}
	if width < 1 {
		width = 1
	}
	r := renderer(width)
	if r == nil {
		return value
	}
	out, err := r.Render(value)
	if err != nil {
		return value
	}
	return strings.Trim(out, "\n")
}

func renderer(width int) *glamour.TermRenderer {
	rendererMu.Lock()
	defer rendererMu.Unlock()
	if cached, ok := renderers[width]; ok {
		return cached
	}
	style := styles.ASCIIStyleConfig
	style.Item.BlockPrefix = "- "
	created, err := glamour.NewTermRenderer(
		glamour.WithStyles(style),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil
	}
	renderers[width] = created
	return created
}

// Wrap collapses whitespace in each paragraph and wraps it to width. Used for
// evidence excerpts and table cells.
func Wrap(value string, width int) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	var out []string
	for _, para := range strings.Split(strings.ReplaceAll(value, "\r\n", "\n"), "\n\n") {
		normalized := strings.Join(strings.Fields(para), " ")
		if normalized == "" {
			continue
		}
		out = append(out, wordwrap.String(normalized, width))
	}
	return strings.Join(out, "\n\n")
}

// Truncate shortens s to at most n runes, marking the cut with "...".
func Truncate(s string, n int) string {
	r := []rune(strings.Join(strings.Fields(s), " "))
	if n <= 3 || len(r) <= n {
		if len(r) > n && n > 0 {
			return string(r[:n])
		}
		return string(r)
	}
	return string(r[:n-3]) + "..."
}
