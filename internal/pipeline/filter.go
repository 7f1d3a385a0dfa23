package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/pkg/logx"
)

// filterContent halts entries matching the configured criteria: a skip-all
// switch, media count bounds, and regex patterns over title and/or body
// with any/all matching, optional inversion and regex flags (i, m, s).
type filterContent struct {
	skipAll   bool
	patterns  []*regexp.Regexp
	matchAll  bool
	invert    bool
	target    string
	minMedia  int
	maxMedia  int
}

func newFilterContent(p config.ResolvedProcessor, _ logx.Logger) (Processor, error) {
	f := &filterContent{
		skipAll:  p.Bool("skip_all"),
		invert:   p.Bool("invert"),
		target:   strings.ToLower(p.String("target")),
		minMedia: p.Int("min_media"),
		maxMedia: p.Int("max_media"),
	}

	switch p.String("match_mode") {
	case "", "any":
		f.matchAll = false
	case "all":
		f.matchAll = true
	default:
		return nil, fmt.Errorf("match_mode must be any or all, got %q", p.String("match_mode"))
	}
	switch f.target {
	case "", "both":
		f.target = "both"
	case "title", "content":
	default:
		return nil, fmt.Errorf("target must be title, content or both, got %q", f.target)
	}

	var prefix string
	for _, flag := range p.String("flags") {
		switch flag {
		case 'i', 'm', 's':
			prefix += string(flag)
		case ',', ' ':
		default:
			return nil, fmt.Errorf("unsupported regex flag %q", string(flag))
		}
	}
	if prefix != "" {
		prefix = "(?" + prefix + ")"
	}

	for _, pat := range p.StringList("patterns") {
		re, err := regexp.Compile(prefix + pat)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pat, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *filterContent) Name() string { return "filter_content" }

func (f *filterContent) Process(_ context.Context, e *feed.Entry) (Outcome, error) {
	if f.skipAll {
		return Halt, nil
	}
	if n := len(e.Media); n < f.minMedia || (f.maxMedia > 0 && n > f.maxMedia) {
		return Halt, nil
	}
	if len(f.patterns) == 0 {
		return Continue, nil
	}

	matched := f.match(e)
	if f.invert {
		matched = !matched
	}
	if matched {
		return Halt, nil
	}
	return Continue, nil
}

func (f *filterContent) match(e *feed.Entry) bool {
	var text string
	switch f.target {
	case "title":
		text = e.Title
	case "content":
		text = e.Content
	default:
		text = e.Title + "\n" + e.Content
	}

	for _, re := range f.patterns {
		hit := re.MatchString(text)
		if f.matchAll && !hit {
			return false
		}
		if !f.matchAll && hit {
			return true
		}
	}
	return f.matchAll
}
