package markup

import (
	"errors"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
)

// TruncationMarker is appended when content had to be cut to fit the budget.
const TruncationMarker = "…"

// Destination hard limits, measured in runes of the expanded form.
const (
	MaxMessageLength = 4096
	MaxCaptionLength = 1024
)

// ErrOverflow reports a message that cannot be brought under the maximum
// length by any configured fallback. Callers must drop the message rather
// than emit it over the limit.
var ErrOverflow = errors.New("markup: message exceeds maximum length")

// Length measures markup text the way the budget is enforced: runes of the
// expanded form, tags included.
func Length(s string) int { return utf8.RuneCountInString(s) }

// QuoteExpandable wraps body in a collapsible quote region. The destination
// still counts the expanded form against the message limit.
func QuoteExpandable(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	return "<blockquote expandable>" + body + "</blockquote>"
}

// HasBlockquote reports whether s already contains a quote region.
func HasBlockquote(s string) bool {
	return strings.Contains(s, "<blockquote")
}

// Truncate cuts sanitized markup to at most max runes. Every tag that was
// opened before the cut is closed after it, so the result is always balanced;
// the truncation marker is appended when anything was removed.
//
// The input must be output of Sanitize (or otherwise restricted to the
// allowed subset); arbitrary HTML should be sanitized first.
func Truncate(s string, max int) string {
	if Length(s) <= max {
		return s
	}
	if max <= 0 {
		return ""
	}

	type openTag struct {
		name     string
		closeLen int
	}

	z := html.NewTokenizer(strings.NewReader(s))
	var (
		out     strings.Builder
		stack   []openTag
		emitted int
	)
	markerLen := Length(TruncationMarker)

	reserve := func() int {
		n := markerLen
		for _, t := range stack {
			n += t.closeLen
		}
		return n
	}
	closeAll := func() {
		for i := len(stack) - 1; i >= 0; i-- {
			out.WriteString("</" + stack[i].name + ">")
		}
		stack = nil
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			closeAll()
			return strings.TrimSpace(out.String())

		case html.TextToken:
			text := string(z.Text())
			allowance := max - emitted - reserve()
			esc := EscapeText(text)
			if n := Length(esc); n <= allowance {
				out.WriteString(esc)
				emitted += n
				continue
			}
			// Cut rune by rune on the unescaped text so an escape sequence
			// is never split.
			acc := 0
			for _, r := range text {
				er := EscapeText(string(r))
				n := Length(er)
				if acc+n > allowance {
					break
				}
				out.WriteString(er)
				acc += n
			}
			out.WriteString(TruncationMarker)
			closeAll()
			return strings.TrimSpace(out.String())

		case html.StartTagToken:
			open, name := renderStartTag(z)
			closing := "</" + name + ">"
			if emitted+Length(open)+Length(closing)+reserve() > max {
				// Not even an empty pair fits; stop here.
				out.WriteString(TruncationMarker)
				closeAll()
				return strings.TrimSpace(out.String())
			}
			out.WriteString(open)
			emitted += Length(open)
			stack = append(stack, openTag{name: name, closeLen: Length(closing)})

		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			if len(stack) > 0 && stack[len(stack)-1].name == tag {
				stack = stack[:len(stack)-1]
				closing := "</" + tag + ">"
				out.WriteString(closing)
				emitted += Length(closing)
			}
		}
	}
}

func renderStartTag(z *html.Tokenizer) (rendered, name string) {
	tagName, hasAttr := z.TagName()
	var b strings.Builder
	b.WriteString("<")
	b.Write(tagName)
	for hasAttr {
		var key, val []byte
		key, val, hasAttr = z.TagAttr()
		switch string(key) {
		case "href", "class":
			b.WriteString(` ` + string(key) + `="` + escapeAttr(string(val)) + `"`)
		case "expandable":
			b.WriteString(" expandable")
		}
	}
	b.WriteString(">")
	return b.String(), string(tagName)
}
