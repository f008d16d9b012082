package tui

import (
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/x/ansi"
)

// Renderer turns a bot reply into terminal output.
type Renderer func(markdown string) (string, error)

// RendererFactory builds a Renderer that wraps at width columns.
type RendererFactory func(width int) Renderer

// NewMarkdownRenderer renders markdown with glamour, picking a light or dark
// style from the terminal background.
func NewMarkdownRenderer(width int) Renderer {
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return PlainRenderer(width)
	}

	return func(markdown string) (string, error) {
		out, err := r.Render(markdown)
		if err != nil {
			return "", err
		}
		return strings.Trim(out, "\n"), nil
	}
}

// PlainRenderer only wraps text.
func PlainRenderer(width int) Renderer {
	return func(text string) (string, error) {
		if width <= 0 {
			return text, nil
		}
		return ansi.Wrap(text, width, ""), nil
	}
}
