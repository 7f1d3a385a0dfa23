package markup

import (
	"strings"
	"testing"
)

func TestTruncateWithinBudget(t *testing.T) {
	t.Parallel()
	long := Sanitize("<b>"+strings.Repeat("word ", 1000)+"</b>", "")
	for _, max := range []int{10, 50, 100, 1024, 4096} {
		got := Truncate(long, max)
		if n := Length(got); n > max {
			t.Fatalf("Truncate(max=%d) produced %d runes", max, n)
		}
		truncated := Length(long) > max
		if truncated && !strings.Contains(got, TruncationMarker) {
			t.Fatalf("Truncate(max=%d) missing marker: %q", max, got)
		}
		if !truncated && got != long {
			t.Fatalf("Truncate(max=%d) rewrote text that already fits", max)
		}
	}
}

func TestTruncateKeepsTagsBalanced(t *testing.T) {
	t.Parallel()
	in := "<b>bold " + strings.Repeat("x", 100) + "</b><i>italic</i>"
	got := Truncate(in, 30)
	if strings.Count(got, "<b>") != strings.Count(got, "</b>") {
		t.Fatalf("unbalanced <b> in %q", got)
	}
	if strings.Count(got, "<i>") != strings.Count(got, "</i>") {
		t.Fatalf("unbalanced <i> in %q", got)
	}
}

func TestTruncateNoopWhenFits(t *testing.T) {
	t.Parallel()
	in := "<b>short</b>"
	if got := Truncate(in, 100); got != in {
		t.Fatalf("Truncate changed fitting input: %q", got)
	}
}

func TestTruncateDeepNesting(t *testing.T) {
	t.Parallel()
	// Malformed/deep nesting goes through Sanitize first, then must respect
	// the budget for any max.
	raw := strings.Repeat("<b><i>", 50) + "deep text here" + strings.Repeat("</i></b>", 50)
	sanitized := Sanitize(raw, "")
	for _, max := range []int{5, 12, 40} {
		got := Truncate(sanitized, max)
		if n := Length(got); n > max {
			t.Fatalf("max=%d: got %d runes: %q", max, n, got)
		}
	}
}

func TestTruncateEscapedEntities(t *testing.T) {
	t.Parallel()
	// The cut must never split an escape sequence.
	in := EscapeText(strings.Repeat("a&b", 50))
	got := Truncate(in, 20)
	if n := Length(got); n > 20 {
		t.Fatalf("got %d runes", n)
	}
	if strings.Contains(got, "&am…") || strings.HasSuffix(got, "&") {
		t.Fatalf("escape sequence split: %q", got)
	}
}

func TestQuoteExpandable(t *testing.T) {
	t.Parallel()
	got := QuoteExpandable("  body  ")
	want := "<blockquote expandable>body</blockquote>"
	if got != want {
		t.Fatalf("QuoteExpandable = %q, want %q", got, want)
	}
	if QuoteExpandable("   ") != "" {
		t.Fatal("expected empty result for blank body")
	}
	if !HasBlockquote(got) {
		t.Fatal("HasBlockquote should detect the wrapper")
	}
}

func TestTruncateQuotedRegion(t *testing.T) {
	t.Parallel()
	body := QuoteExpandable(strings.Repeat("content ", 100))
	got := Truncate(body, 80)
	if n := Length(got); n > 80 {
		t.Fatalf("got %d runes", n)
	}
	if strings.Count(got, "<blockquote") != strings.Count(got, "</blockquote>") {
		t.Fatalf("unbalanced blockquote: %q", got)
	}
}
