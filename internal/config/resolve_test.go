package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func testSchemas() Schemas {
	return Schemas{
		"sanitize_html": {},
		"render_template": {
			"template":   {Kind: KindString, Default: ""},
			"blockquote": {Kind: KindBool, Default: false},
		},
		"filter_content": {
			"patterns":   {Kind: KindStringList, Default: []string(nil)},
			"match_mode": {Kind: KindString, Default: "any"},
			"skip_all":   {Kind: KindBool, Default: false},
		},
		"append_text": {
			"prefix": {Kind: KindString, Default: ""},
			"suffix": {Kind: KindString, Default: ""},
		},
		"extract_media": {
			"timeout": {Kind: KindDuration, Default: 30 * time.Second},
			"max_size": {Kind: KindInt, Default: 0},
		},
	}
}

func boolPtr(v bool) *bool { return &v }

func resolveOne(t *testing.T, doc *Document) Spec {
	t.Helper()
	specs, err := NewResolver(testSchemas()).Resolve(doc)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(specs) != 1 {
		t.Fatalf("got %d specs, want 1", len(specs))
	}
	return specs[0]
}

func TestResolveLayerPrecedence(t *testing.T) {
	t.Parallel()
	doc := &Document{
		Global: Layer{Interval: "10m", Preview: boolPtr(false)},
		Groups: []Group{{
			Name:  "news",
			Chat:  "@newschat",
			Layer: Layer{Interval: "5m"},
			Sources: []Source{{
				ID:    "src",
				URL:   "https://example.com/feed",
				Layer: Layer{Interval: "2m", Preview: boolPtr(true)},
			}},
		}},
	}

	spec := resolveOne(t, doc)
	if spec.IntervalSpec != "2m" {
		t.Fatalf("IntervalSpec = %q, want source layer to win", spec.IntervalSpec)
	}
	if spec.Schedule.Fixed() != 2*time.Minute {
		t.Fatalf("Fixed = %v", spec.Schedule.Fixed())
	}
	if !spec.Preview {
		t.Fatal("source preview=true should override global false")
	}
	if spec.Chat != "@newschat" {
		t.Fatalf("Chat = %q", spec.Chat)
	}
}

func TestResolveProcessingTakenWholesale(t *testing.T) {
	t.Parallel()
	doc := &Document{
		Global: Layer{Processing: []ProcessorSpec{
			{Name: "filter_content", Options: map[string]any{"patterns": []any{"Ad"}}},
			{Name: "append_text", Options: map[string]any{"suffix": "global-tail", "prefix": "global-head"}},
		}},
		Groups: []Group{{
			Name: "g",
			Chat: "@c",
			Sources: []Source{{
				ID:  "src",
				URL: "https://example.com/feed",
				Layer: Layer{Processing: []ProcessorSpec{
					{Name: "append_text", Options: map[string]any{"prefix": "src-head"}},
				}},
			}},
		}},
	}

	spec := resolveOne(t, doc)
	if len(spec.Processing) != 1 || spec.Processing[0].Name != "append_text" {
		t.Fatalf("processing list not taken wholesale from source layer: %+v", spec.Processing)
	}
	p := spec.Processing[0]
	// Same-name options inherit from outer layers; the chosen layer wins.
	if got := p.String("suffix"); got != "global-tail" {
		t.Fatalf("suffix = %q, want inherited global option", got)
	}
	if got := p.String("prefix"); got != "src-head" {
		t.Fatalf("prefix = %q, want source option to win", got)
	}
}

func TestResolveDefaults(t *testing.T) {
	t.Parallel()
	doc := &Document{
		Groups: []Group{{
			Name:    "g",
			Chat:    "@c",
			Sources: []Source{{ID: "src", URL: "https://example.com/feed"}},
		}},
	}

	spec := resolveOne(t, doc)
	if spec.Schedule.Fixed() != DefaultInterval {
		t.Fatalf("Fixed = %v, want DefaultInterval", spec.Schedule.Fixed())
	}
	if len(spec.Processing) != len(DefaultProcessing) {
		t.Fatalf("processing = %+v, want defaults", spec.Processing)
	}
	if !spec.Preview {
		t.Fatal("preview should default to enabled")
	}
	// Schema defaults filled in even when options are omitted.
	if got := spec.Processing[1].String("template"); got != "" {
		t.Fatalf("template default = %q", got)
	}
}

func TestResolveOverrides(t *testing.T) {
	t.Parallel()
	doc := &Document{
		Global: Layer{Processing: []ProcessorSpec{
			{Name: "append_text", Options: map[string]any{"suffix": "layer"}},
		}},
		Groups: []Group{{
			Name: "g",
			Chat: "@c",
			Sources: []Source{{
				ID:  "src",
				URL: "https://example.com/feed",
				Overrides: &Overrides{
					Skip: true,
					Processors: map[string]map[string]any{
						"append_text": {"suffix": "forced"},
					},
				},
			}},
		}},
	}

	spec := resolveOne(t, doc)
	if !spec.Skip {
		t.Fatal("override skip not applied")
	}
	if got := spec.Processing[0].String("suffix"); got != "forced" {
		t.Fatalf("suffix = %q, want override to apply last", got)
	}
}

func TestResolveOverrideUnknownProcessor(t *testing.T) {
	t.Parallel()
	doc := &Document{
		Groups: []Group{{
			Name: "g",
			Chat: "@c",
			Sources: []Source{{
				ID:  "src",
				URL: "https://example.com/feed",
				Overrides: &Overrides{
					Processors: map[string]map[string]any{"extract_media": {"max_size": 1}},
				},
			}},
		}},
	}
	_, err := NewResolver(testSchemas()).Resolve(doc)
	if err == nil || !strings.Contains(err.Error(), "not in the processing list") {
		t.Fatalf("err = %v", err)
	}
}

func TestResolveFlattenedEquivalence(t *testing.T) {
	t.Parallel()
	layered := &Document{
		Global: Layer{Interval: "10m", Processing: []ProcessorSpec{
			{Name: "filter_content", Options: map[string]any{"match_mode": "all"}},
		}},
		Groups: []Group{{
			Name:  "g",
			Chat:  "@c",
			Layer: Layer{Preview: boolPtr(false)},
			Sources: []Source{{
				ID:    "src",
				URL:   "https://example.com/feed",
				Layer: Layer{Interval: "3m"},
				Overrides: &Overrides{Processors: map[string]map[string]any{
					"filter_content": {"patterns": []any{"Sponsored"}},
				}},
			}},
		}},
	}
	flattened := &Document{
		Groups: []Group{{
			Name: "g",
			Chat: "@c",
			Sources: []Source{{
				ID:  "src",
				URL: "https://example.com/feed",
				Layer: Layer{
					Interval: "3m",
					Preview:  boolPtr(false),
					Processing: []ProcessorSpec{
						{Name: "filter_content", Options: map[string]any{
							"match_mode": "all",
							"patterns":   []any{"Sponsored"},
						}},
					},
				},
			}},
		}},
	}

	a := resolveOne(t, layered)
	b := resolveOne(t, flattened)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("layered and flattened documents resolved differently:\n%+v\n%+v", a, b)
	}
}

func TestResolveCollectsAllErrors(t *testing.T) {
	t.Parallel()
	doc := &Document{
		Groups: []Group{{
			Name: "g",
			Sources: []Source{
				{
					ID:  "one",
					URL: "https://example.com/feed",
					Layer: Layer{Processing: []ProcessorSpec{
						{Name: "no_such_processor"},
						{Name: "filter_content", Options: map[string]any{"skip_all": "yes"}},
					}},
				},
				{ID: "one", URL: ""}, // duplicate id, missing url, missing chat
			},
		}},
	}

	_, err := NewResolver(testSchemas()).Resolve(doc)
	if err == nil {
		t.Fatal("expected errors")
	}
	msg := err.Error()
	for _, want := range []string{
		"unknown processor",
		"option skip_all",
		"already used",
		"url is required",
		"no destination chat",
	} {
		if !strings.Contains(msg, want) {
			t.Fatalf("error report missing %q:\n%s", want, msg)
		}
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()
	if s, err := ParseSchedule("90s"); err != nil || s.Fixed() != 90*time.Second {
		t.Fatalf("duration: %v %v", s.Fixed(), err)
	}
	if s, err := ParseSchedule(""); err != nil || s.Fixed() != DefaultInterval {
		t.Fatalf("empty: %v %v", s.Fixed(), err)
	}
	s, err := ParseSchedule("*/15 * * * *")
	if err != nil {
		t.Fatalf("cron: %v", err)
	}
	base := time.Date(2025, 6, 1, 10, 7, 0, 0, time.UTC)
	if next := s.Next(base); next.Minute() != 15 {
		t.Fatalf("cron Next = %v", next)
	}
	if _, err := ParseSchedule("whenever"); err == nil {
		t.Fatal("expected error for junk schedule")
	}
	if _, err := ParseSchedule("10ms"); err == nil {
		t.Fatal("expected error for sub-second interval")
	}
}
