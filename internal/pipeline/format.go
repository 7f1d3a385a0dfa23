package pipeline

import (
	"context"
	"fmt"
	"strings"
	"text/template"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/internal/markup"
	"feedgram/pkg/logx"
)

const defaultTemplate = "<b>{{.title}}</b>\n\n{{.content}}\n\n{{.link}}"

// renderTemplate produces the final message text and fits it into the
// destination budget. Over-budget messages fall back, in order: blockquote
// wrap (when enabled), truncation with a marker (or straight to title+link
// when title_fallback is set), title+link, and finally rejection as a
// formatting overflow. Nothing is ever emitted over the limit.
type renderTemplate struct {
	tmpl          *template.Template
	blockquote    bool
	threshold     int
	titleFallback bool
	vars          map[string]string
}

func newRenderTemplate(p config.ResolvedProcessor, _ logx.Logger) (Processor, error) {
	text := p.String("template")
	if text == "" {
		text = defaultTemplate
	}
	tmpl, err := template.New("message").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, fmt.Errorf("template: %w", err)
	}
	return &renderTemplate{
		tmpl:          tmpl,
		blockquote:    p.Bool("blockquote"),
		threshold:     p.Int("blockquote_threshold"),
		titleFallback: p.Bool("title_fallback"),
		vars:          p.StringMap("variables"),
	}, nil
}

func (r *renderTemplate) Name() string { return "render_template" }

func (r *renderTemplate) Process(_ context.Context, e *feed.Entry) (Outcome, error) {
	limit := markup.MaxMessageLength
	if e.HasMedia() {
		limit = markup.MaxCaptionLength
	}

	vars := r.context(e)
	render := func(body string) (string, error) {
		vars["content"] = body
		var b strings.Builder
		if err := r.tmpl.Execute(&b, vars); err != nil {
			return "", fmt.Errorf("render: %w", err)
		}
		return b.String(), nil
	}

	body := e.Content
	if r.blockquote && r.threshold > 0 &&
		markup.Length(body) > r.threshold && !markup.HasBlockquote(body) {
		body = markup.QuoteExpandable(body)
	}

	out, err := render(body)
	if err != nil {
		return Halt, err
	}
	if markup.Length(out) <= limit {
		e.Rendered = out
		return Continue, nil
	}

	if !r.titleFallback {
		// Budget for the body alone: everything else in the rendered
		// message stays fixed.
		allowance := limit - (markup.Length(out) - markup.Length(body))
		if allowance > 0 {
			out, err = render(markup.Truncate(body, allowance))
			if err != nil {
				return Halt, err
			}
			if markup.Length(out) <= limit {
				e.Rendered = out
				return Continue, nil
			}
		}
	}

	out = titleOnly(e)
	if markup.Length(out) <= limit {
		e.Rendered = out
		return Continue, nil
	}
	return Halt, fmt.Errorf("even title+link form is %d runes over: %w",
		markup.Length(out)-limit, markup.ErrOverflow)
}

func titleOnly(e *feed.Entry) string {
	title := strings.TrimSpace(e.Title)
	if title == "" {
		title = "Untitled"
	}
	if e.Link == "" {
		return "<b>" + title + "</b>"
	}
	return "<b>" + title + "</b>\n" + e.Link
}

// context assembles the flat variable map the template sees. Custom
// variables from the options never shadow the built-ins.
func (r *renderTemplate) context(e *feed.Entry) map[string]any {
	vars := make(map[string]any, len(r.vars)+10)
	for k, v := range r.vars {
		vars[k] = v
	}

	published := ""
	if !e.Published.IsZero() {
		published = e.Published.Format("02 Jan 2006 15:04 MST")
	}
	sourceName := e.SourceTitle
	if sourceName == "" {
		sourceName = e.SourceID
	}

	vars["title"] = e.Title
	vars["content"] = e.Content
	vars["link"] = e.Link
	vars["author"] = e.Author
	vars["published"] = published
	vars["source"] = sourceName
	vars["source_id"] = e.SourceID
	vars["media_count"] = len(e.Media)
	vars["images"] = len(e.MediaByKind(feed.MediaImage))
	vars["videos"] = len(e.MediaByKind(feed.MediaVideo))
	return vars
}
