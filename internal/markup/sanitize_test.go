package markup

import (
	"strings"
	"testing"
)

func TestSanitizeAllowedSubset(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "bold", in: "<strong>hi</strong>", want: "<b>hi</b>"},
		{name: "italic alias", in: "<em>x</em>", want: "<i>x</i>"},
		{name: "strike alias", in: "<del>x</del>", want: "<s>x</s>"},
		{name: "plain text escaped", in: "a < b & c", want: "a &lt; b &amp; c"},
		{name: "disallowed tag keeps text", in: "<span>keep</span>", want: "keep"},
		{name: "script dropped with content", in: "before<script>alert(1)</script>after", want: "beforeafter"},
		{name: "style dropped with content", in: "<style>.x{}</style>text", want: "text"},
		{name: "nested bold flattens", in: "<b>one <b>two</b></b>", want: "<b>one two</b>"},
		{name: "paragraph breaks", in: "<p>one</p><p>two</p>", want: "one\ntwo"},
		{name: "line break", in: "a<br>b", want: "a\nb"},
		{name: "horizontal rule", in: "a<hr>b", want: "a\n———\nb"},
		{name: "inline quote", in: "<q>said</q>", want: `"said"`},
		{name: "empty bold vanishes", in: "<b>   </b>x", want: "x"},
		{name: "img contributes nothing", in: `x<img src="http://e/p.png">y`, want: "xy"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Sanitize(tt.in, "")
			if got != tt.want {
				t.Fatalf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestSanitizeLinks(t *testing.T) {
	t.Parallel()
	got := Sanitize(`<a href="https://example.com/a?x=1&y=2">text</a>`, "")
	want := `<a href="https://example.com/a?x=1&amp;y=2">text</a>`
	if got != want {
		t.Fatalf("absolute link = %q, want %q", got, want)
	}

	got = Sanitize(`<a href="/post/1">rel</a>`, "https://example.com/feed")
	want = `<a href="https://example.com/post/1">rel</a>`
	if got != want {
		t.Fatalf("relative link = %q, want %q", got, want)
	}

	// No usable base: link text survives, markup does not.
	got = Sanitize(`<a href="/post/1">rel</a>`, "")
	if got != "rel" {
		t.Fatalf("unresolvable link = %q, want %q", got, "rel")
	}

	got = Sanitize(`<a href="javascript:alert(1)">x</a>`, "")
	if strings.Contains(got, "<a") {
		t.Fatalf("javascript link was emitted: %q", got)
	}
}

func TestSanitizeHeadingsAndLists(t *testing.T) {
	t.Parallel()
	got := Sanitize("<h1>Top</h1>par", "")
	if !strings.Contains(got, "<b><u>Top</u></b>") {
		t.Fatalf("h1 rendering = %q", got)
	}

	got = Sanitize("<ul><li>one</li><li>two</li></ul>", "")
	if !strings.Contains(got, "<b>• </b>one") || !strings.Contains(got, "<b>• </b>two") {
		t.Fatalf("ul rendering = %q", got)
	}

	got = Sanitize("<ol><li>first</li><li>second</li></ol>", "")
	if !strings.Contains(got, "<b>1. </b>first") || !strings.Contains(got, "<b>2. </b>second") {
		t.Fatalf("ol rendering = %q", got)
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	t.Parallel()
	inputs := []string{
		"<p>Hello <b>world</b> &amp; friends</p>",
		`<div><h2>News</h2><ul><li>a</li><li>b &lt; c</li></ul></div>`,
		`<blockquote>quote <i>inner</i></blockquote>`,
		`<a href="https://e.com/?a=1&b=2">link</a> tail`,
		"plain text with <unknown>stuff</unknown>",
	}
	for _, in := range inputs {
		once := Sanitize(in, "https://e.com/")
		twice := Sanitize(once, "https://e.com/")
		if once != twice {
			t.Fatalf("not idempotent:\n in: %q\n 1x: %q\n 2x: %q", in, once, twice)
		}
	}
}

func TestSanitizeCollapsesNewlines(t *testing.T) {
	t.Parallel()
	got := Sanitize("<p>a</p><p></p><p></p><p>b</p>", "")
	if strings.Contains(got, "\n\n\n") {
		t.Fatalf("more than one blank line survived: %q", got)
	}
}

func TestResolveLink(t *testing.T) {
	t.Parallel()
	tests := []struct {
		base, ref, want string
	}{
		{"https://e.com/feed", "/x", "https://e.com/x"},
		{"https://e.com/feed/", "x", "https://e.com/feed/x"},
		{"", "https://other.com/x", "https://other.com/x"},
		{"", "/x", ""},
		{"https://e.com", "javascript:void(0)", ""},
	}
	for _, tt := range tests {
		if got := ResolveLink(tt.base, tt.ref); got != tt.want {
			t.Fatalf("ResolveLink(%q, %q) = %q, want %q", tt.base, tt.ref, got, tt.want)
		}
	}
}
