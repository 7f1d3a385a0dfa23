package pipeline

import (
	"context"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/internal/markup"
	"feedgram/pkg/logx"
)

// sanitizeHTML rewrites the entry body into the destination markup subset.
// Relative links resolve against the entry link.
type sanitizeHTML struct{}

func newSanitizeHTML(_ config.ResolvedProcessor, _ logx.Logger) (Processor, error) {
	return sanitizeHTML{}, nil
}

func (sanitizeHTML) Name() string { return "sanitize_html" }

func (sanitizeHTML) Process(_ context.Context, e *feed.Entry) (Outcome, error) {
	e.Content = markup.Sanitize(e.Content, e.Link)
	e.Title = markup.EscapeText(e.Title)
	return Continue, nil
}
