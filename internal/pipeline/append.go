package pipeline

import (
	"context"
	"strings"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/pkg/logx"
)

// appendText adds static text around the entry body. Override flags
// commonly force the suffix per source (channel tags and the like).
type appendText struct {
	prefix    string
	suffix    string
	separator string
}

func newAppendText(p config.ResolvedProcessor, _ logx.Logger) (Processor, error) {
	return &appendText{
		prefix:    p.String("prefix"),
		suffix:    p.String("suffix"),
		separator: p.String("separator"),
	}, nil
}

func (a *appendText) Name() string { return "append_text" }

func (a *appendText) Process(_ context.Context, e *feed.Entry) (Outcome, error) {
	body := e.Content
	if a.prefix != "" {
		body = joinWith(a.prefix, body, a.separator)
	}
	if a.suffix != "" {
		body = joinWith(body, a.suffix, a.separator)
	}
	e.Content = body
	return Continue, nil
}

// joinWith inserts sep between the parts unless one side already provides
// the spacing or is empty.
func joinWith(left, right, sep string) string {
	if left == "" {
		return right
	}
	if right == "" {
		return left
	}
	if strings.HasSuffix(left, "\n") || strings.HasPrefix(right, "\n") {
		return left + right
	}
	return left + sep + right
}
