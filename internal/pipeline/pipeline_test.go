package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/internal/markup"
	"feedgram/pkg/logx"
)

// rp builds a ResolvedProcessor with schema defaults applied, the way the
// resolver hands them to Build.
func rp(t *testing.T, name string, opts map[string]any) config.ResolvedProcessor {
	t.Helper()
	schema, ok := Schemas()[name]
	if !ok {
		t.Fatalf("no schema for %s", name)
	}
	merged := make(map[string]any, len(schema))
	for k, o := range schema {
		merged[k] = o.Default
	}
	for k, v := range opts {
		merged[k] = v
	}
	return config.ResolvedProcessor{Name: name, Options: merged}
}

func buildOne(t *testing.T, name string, opts map[string]any) Processor {
	t.Helper()
	procs, err := Build([]config.ResolvedProcessor{rp(t, name, opts)}, logx.Nop())
	if err != nil {
		t.Fatalf("Build(%s): %v", name, err)
	}
	return procs[0]
}

type fakeProc struct {
	name    string
	outcome Outcome
	err     error
	calls   int
}

func (f *fakeProc) Name() string { return f.name }

func (f *fakeProc) Process(context.Context, *feed.Entry) (Outcome, error) {
	f.calls++
	return f.outcome, f.err
}

func TestEngineShortCircuitOnHalt(t *testing.T) {
	t.Parallel()
	procs := []*fakeProc{
		{name: "p1", outcome: Continue},
		{name: "p2", outcome: Halt},
		{name: "p3", outcome: Continue},
		{name: "p4", outcome: Continue},
	}
	chain := make([]Processor, len(procs))
	for i, p := range procs {
		chain[i] = p
	}

	outcome, err := NewEngine(logx.Nop()).Run(context.Background(), chain, &feed.Entry{ID: "e"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if outcome != Halt {
		t.Fatal("expected Halt outcome")
	}
	if procs[0].calls != 1 || procs[1].calls != 1 {
		t.Fatal("processors before the halt must each run once")
	}
	if procs[2].calls != 0 || procs[3].calls != 0 {
		t.Fatal("processors after the halt must never run")
	}
}

func TestEngineStopsOnError(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	later := &fakeProc{name: "later", outcome: Continue}
	chain := []Processor{
		&fakeProc{name: "bad", outcome: Continue, err: boom},
		later,
	}

	outcome, err := NewEngine(logx.Nop()).Run(context.Background(), chain, &feed.Entry{ID: "e"})
	if outcome != Halt {
		t.Fatal("errored entry must not continue")
	}
	var perr *ProcError
	if !errors.As(err, &perr) || perr.Processor != "bad" || !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if later.calls != 0 {
		t.Fatal("processor after the error must never run")
	}
}

func TestFilterSponsoredTitle(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "filter_content", map[string]any{
		"patterns":   []string{"Sponsored"},
		"match_mode": "any",
	})

	e := &feed.Entry{Title: "Sponsored Post: buy now"}
	if outcome, _ := p.Process(context.Background(), e); outcome != Halt {
		t.Fatal("sponsored title should halt")
	}
	e = &feed.Entry{Title: "Real news"}
	if outcome, _ := p.Process(context.Background(), e); outcome != Continue {
		t.Fatal("clean title should continue")
	}
}

func TestFilterModesAndFlags(t *testing.T) {
	t.Parallel()
	all := buildOne(t, "filter_content", map[string]any{
		"patterns":   []string{"foo", "bar"},
		"match_mode": "all",
		"flags":      "i",
	})
	e := &feed.Entry{Title: "FOO only"}
	if outcome, _ := all.Process(context.Background(), e); outcome != Continue {
		t.Fatal("all-mode with one match should continue")
	}
	e = &feed.Entry{Title: "FOO and BAR"}
	if outcome, _ := all.Process(context.Background(), e); outcome != Halt {
		t.Fatal("all-mode with both matching should halt")
	}

	invert := buildOne(t, "filter_content", map[string]any{
		"patterns": []string{"keep"},
		"invert":   true,
	})
	e = &feed.Entry{Title: "nothing relevant"}
	if outcome, _ := invert.Process(context.Background(), e); outcome != Halt {
		t.Fatal("inverted filter should halt non-matching entries")
	}

	skip := buildOne(t, "filter_content", map[string]any{"skip_all": true})
	if outcome, _ := skip.Process(context.Background(), &feed.Entry{}); outcome != Halt {
		t.Fatal("skip_all should halt everything")
	}

	media := buildOne(t, "filter_content", map[string]any{"min_media": 1})
	if outcome, _ := media.Process(context.Background(), &feed.Entry{}); outcome != Halt {
		t.Fatal("entry without media should halt under min_media=1")
	}
}

func TestAppendText(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "append_text", map[string]any{
		"prefix": "HEAD",
		"suffix": "#tag",
	})
	e := &feed.Entry{Content: "body"}
	if _, err := p.Process(context.Background(), e); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.Content != "HEAD\nbody\n#tag" {
		t.Fatalf("Content = %q", e.Content)
	}

	// Existing newlines suppress the separator.
	e = &feed.Entry{Content: "body\n"}
	_, _ = p.Process(context.Background(), e)
	if e.Content != "HEAD\nbody\n#tag" {
		t.Fatalf("Content = %q", e.Content)
	}
}

func TestSanitizeProcessor(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "sanitize_html", nil)
	e := &feed.Entry{
		Title:   "a & b",
		Content: `<p>Hello <script>evil()</script><b>world</b></p>`,
		Link:    "https://example.com/post",
	}
	if _, err := p.Process(context.Background(), e); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.Content != "Hello <b>world</b>" {
		t.Fatalf("Content = %q", e.Content)
	}
	if e.Title != "a &amp; b" {
		t.Fatalf("Title = %q", e.Title)
	}
}

func TestRenderTemplateDefault(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "render_template", nil)
	e := &feed.Entry{
		Title:   "Hello",
		Content: "body text",
		Link:    "https://example.com/1",
	}
	if outcome, err := p.Process(context.Background(), e); outcome != Continue || err != nil {
		t.Fatalf("Process: %v %v", outcome, err)
	}
	want := "<b>Hello</b>\n\nbody text\n\nhttps://example.com/1"
	if e.Rendered != want {
		t.Fatalf("Rendered = %q", e.Rendered)
	}
}

func TestRenderTemplateBlockquoteAndTruncate(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "render_template", map[string]any{
		"blockquote":           true,
		"blockquote_threshold": 750,
	})
	e := &feed.Entry{
		Title:   "Long",
		Content: strings.Repeat("x", 6000),
		Link:    "https://example.com/long",
	}
	if outcome, err := p.Process(context.Background(), e); outcome != Continue || err != nil {
		t.Fatalf("Process: %v %v", outcome, err)
	}
	if !strings.Contains(e.Rendered, "<blockquote expandable>") {
		t.Fatal("long body should be wrapped in a blockquote")
	}
	if got := markup.Length(e.Rendered); got > markup.MaxMessageLength {
		t.Fatalf("rendered length %d exceeds message limit", got)
	}
	if !strings.Contains(e.Rendered, markup.TruncationMarker) {
		t.Fatal("over-budget body should carry the truncation marker")
	}
}

func TestRenderTemplateCaptionLimit(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "render_template", nil)
	e := &feed.Entry{
		Title:   "Pic",
		Content: strings.Repeat("y", 3000),
		Link:    "https://example.com/p",
		Media:   []feed.Media{{Kind: feed.MediaImage, URL: "https://example.com/a.jpg"}},
	}
	if outcome, err := p.Process(context.Background(), e); outcome != Continue || err != nil {
		t.Fatalf("Process: %v %v", outcome, err)
	}
	if got := markup.Length(e.Rendered); got > markup.MaxCaptionLength {
		t.Fatalf("caption length %d exceeds caption limit", got)
	}
}

func TestRenderTemplateTitleFallback(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "render_template", map[string]any{"title_fallback": true})
	e := &feed.Entry{
		Title:   "Short title",
		Content: strings.Repeat("z", 9000),
		Link:    "https://example.com/t",
	}
	if outcome, err := p.Process(context.Background(), e); outcome != Continue || err != nil {
		t.Fatalf("Process: %v %v", outcome, err)
	}
	if e.Rendered != "<b>Short title</b>\nhttps://example.com/t" {
		t.Fatalf("Rendered = %q", e.Rendered)
	}
}

func TestRenderTemplateOverflow(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "render_template", nil)
	e := &feed.Entry{
		Title:   strings.Repeat("T", 5000),
		Content: strings.Repeat("z", 9000),
		Link:    "https://example.com/o",
	}
	outcome, err := p.Process(context.Background(), e)
	if outcome != Halt || !errors.Is(err, markup.ErrOverflow) {
		t.Fatalf("expected formatting overflow, got %v %v", outcome, err)
	}
	if e.Rendered != "" {
		t.Fatal("overflowing entry must not carry rendered text")
	}
}

func TestRenderTemplateUnknownVariable(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "render_template", map[string]any{"template": "{{.nope}}"})
	_, err := p.Process(context.Background(), &feed.Entry{Title: "t"})
	if err == nil {
		t.Fatal("unknown template variable must be the entry's error")
	}
}

func TestRenderTemplateCustomVariables(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "render_template", map[string]any{
		"template":  "{{.channel}}: {{.title}}",
		"variables": map[string]string{"channel": "TechWire"},
	})
	e := &feed.Entry{Title: "headline"}
	if _, err := p.Process(context.Background(), e); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if e.Rendered != "TechWire: headline" {
		t.Fatalf("Rendered = %q", e.Rendered)
	}
}

func TestExtractMediaFromBody(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "extract_media", nil)
	e := &feed.Entry{
		Link: "https://example.com/post",
		Content: `<p><img src="/big.jpg" srcset="/small.jpg 320w, /large.jpg 1280w">` +
			`<img src="/smiley.gif" width="16" height="16">` +
			`<video src="/clip.mp4"></video></p>`,
		Enclosures: []string{"https://example.com/pod.mp3"},
	}
	if _, err := p.Process(context.Background(), e); err != nil {
		t.Fatalf("Process: %v", err)
	}

	urls := make([]string, 0, len(e.Media))
	for _, m := range e.Media {
		urls = append(urls, m.URL)
	}
	want := []string{
		"https://example.com/pod.mp3",
		"https://example.com/large.jpg",
		"https://example.com/clip.mp4",
	}
	if len(urls) != len(want) {
		t.Fatalf("media = %v, want %v", urls, want)
	}
	for i := range want {
		if urls[i] != want[i] {
			t.Fatalf("media[%d] = %q, want %q", i, urls[i], want[i])
		}
	}
	if e.Media[0].Kind != feed.MediaAudio ||
		e.Media[1].Kind != feed.MediaImage || e.Media[2].Kind != feed.MediaVideo {
		t.Fatalf("media kinds wrong: %+v", e.Media)
	}
}

func TestExtractMediaEnclosureKinds(t *testing.T) {
	t.Parallel()
	p := buildOne(t, "extract_media", nil)
	e := &feed.Entry{
		Enclosures: []string{
			"https://example.com/clip.MP4?token=abc",
			"https://example.com/episode.ogg",
			"https://example.com/cover.png",
			"https://example.com/mystery",
		},
	}
	if _, err := p.Process(context.Background(), e); err != nil {
		t.Fatalf("Process: %v", err)
	}
	want := []feed.MediaKind{feed.MediaVideo, feed.MediaAudio, feed.MediaImage, feed.MediaImage}
	if len(e.Media) != len(want) {
		t.Fatalf("got %d media, want %d", len(e.Media), len(want))
	}
	for i, k := range want {
		if e.Media[i].Kind != k {
			t.Fatalf("media[%d] kind = %s, want %s", i, e.Media[i].Kind, k)
		}
	}
}

func TestBuildRejectsUnknownName(t *testing.T) {
	t.Parallel()
	_, err := Build([]config.ResolvedProcessor{{Name: "nope"}}, logx.Nop())
	if err == nil {
		t.Fatal("expected error for unknown processor name")
	}
}
