// Package markup converts arbitrary rich-text HTML into the small tag subset
// Telegram accepts, and enforces a hard length budget on the result.
//
// Allowed output tags: b, i, u, s, a (href), code, pre, blockquote. All
// structural markup (paragraphs, headings, lists, rules) is translated into
// plain-text layout. Sanitizing already-sanitized output is a no-op.
package markup

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

var (
	reTrailingWS  = regexp.MustCompile(`[ \t]+\n`)
	reManyNewline = regexp.MustCompile(`\n{3,}`)
	reAbsoluteURL = regexp.MustCompile(`^https?://`)
)

var (
	policyOnce sync.Once
	policy     *bluemonday.Policy
)

// cleanPolicy permits the tags the tree walk understands and drops dangerous
// containers together with their content.
func cleanPolicy() *bluemonday.Policy {
	policyOnce.Do(func() {
		p := bluemonday.NewPolicy()
		p.AllowElements(
			"b", "strong", "i", "em", "u", "ins", "s", "strike", "del",
			"code", "pre", "blockquote", "q",
			"p", "div", "section", "span", "br", "hr",
			"ul", "ol", "li", "menu", "dir",
			"h1", "h2", "h3", "h4", "h5", "h6",
		)
		p.AllowAttrs("href").OnElements("a")
		p.AllowAttrs("class").OnElements("code")
		p.AllowStandardURLs()
		p.SkipElementsContent("script", "style", "noscript", "iframe", "svg", "object", "embed", "head", "title", "form", "figure")
		policy = p
	})
	return policy
}

// Sanitize converts an HTML fragment into the constrained markup subset.
// Relative links are resolved against baseLink when it is absolute.
func Sanitize(raw, baseLink string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	cleaned := cleanPolicy().Sanitize(raw)
	root, err := html.Parse(strings.NewReader(cleaned))
	if err != nil {
		// Parse failure on pre-cleaned input is unexpected; degrade to
		// escaped plain text rather than emitting unvetted markup.
		return tidy(EscapeText(stripTags(raw)))
	}

	r := &renderer{base: baseLink, open: map[string]bool{}}
	var b strings.Builder
	r.children(&b, root)
	return tidy(b.String())
}

// EscapeText escapes the destination's reserved markup characters and
// replaces characters Telegram rejects outright.
func EscapeText(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n' || r == '\t':
			return r
		case r < 0x20 || r == 0x2028 || r == 0x2029:
			return ' '
		case r == ' ' || (r >= ' ' && r <= '​') || r == ' ' || r == ' ' || r == '　':
			return ' '
		}
		return r
	}, s)
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	return s
}

func tidy(s string) string {
	s = reTrailingWS.ReplaceAllString(s, "\n")
	s = reManyNewline.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

type renderer struct {
	base string

	// open tracks semantic tags currently open so disallowed nesting
	// (b inside b, a inside a) flattens to one pair.
	open map[string]bool
}

func (r *renderer) children(b *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		r.node(b, c)
	}
}

func (r *renderer) node(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(EscapeText(n.Data))
	case html.ElementNode:
		r.element(b, n)
	case html.DocumentNode:
		r.children(b, n)
	}
	// Comments and doctypes are dropped.
}

func (r *renderer) element(b *strings.Builder, n *html.Node) {
	switch n.Data {
	case "b", "strong":
		r.wrap(b, n, "b", "")
	case "i", "em":
		r.wrap(b, n, "i", "")
	case "u", "ins":
		r.wrap(b, n, "u", "")
	case "s", "strike", "del":
		r.wrap(b, n, "s", "")
	case "code":
		r.wrap(b, n, "code", codeClassAttr(n))
	case "pre":
		r.wrap(b, n, "pre", "")
	case "blockquote":
		r.wrap(b, n, "blockquote", "")
	case "q":
		b.WriteString(`"`)
		r.children(b, n)
		b.WriteString(`"`)
	case "a":
		r.anchor(b, n)
	case "br":
		b.WriteString("\n")
	case "hr":
		b.WriteString("\n———\n")
	case "p", "div", "section":
		ensureNewline(b)
		r.children(b, n)
		ensureNewline(b)
	case "h1":
		ensureBlankLine(b)
		r.wrapNested(b, n, "b", "u")
		b.WriteString("\n")
	case "h2":
		ensureBlankLine(b)
		r.wrap(b, n, "b", "")
		b.WriteString("\n")
	case "h3", "h4", "h5", "h6":
		ensureBlankLine(b)
		r.wrap(b, n, "u", "")
		b.WriteString("\n")
	case "ul", "menu", "dir":
		r.list(b, n, false)
	case "ol":
		r.list(b, n, true)
	case "li":
		// A stray li outside a list renders as a single bullet.
		r.listItem(b, n, "• ")
	case "img", "video", "audio", "source", "picture":
		// Media is the extraction stage's job; tags carry no text.
	default:
		r.children(b, n)
	}
}

// wrap emits <tag>children</tag>, flattening nesting the destination
// disallows and skipping tags whose content is empty.
func (r *renderer) wrap(b *strings.Builder, n *html.Node, tag, attr string) {
	if r.open[tag] {
		r.children(b, n)
		return
	}
	var inner strings.Builder
	r.open[tag] = true
	r.children(&inner, n)
	r.open[tag] = false

	s := inner.String()
	if strings.TrimSpace(stripTags(s)) == "" {
		b.WriteString(s)
		return
	}
	b.WriteString("<" + tag + attr + ">")
	b.WriteString(s)
	b.WriteString("</" + tag + ">")
}

func (r *renderer) wrapNested(b *strings.Builder, n *html.Node, outer, innerTag string) {
	if r.open[outer] {
		r.wrap(b, n, innerTag, "")
		return
	}
	var inner strings.Builder
	r.open[outer] = true
	r.wrap(&inner, n, innerTag, "")
	r.open[outer] = false

	s := inner.String()
	if strings.TrimSpace(stripTags(s)) == "" {
		b.WriteString(s)
		return
	}
	b.WriteString("<" + outer + ">" + s + "</" + outer + ">")
}

func (r *renderer) anchor(b *strings.Builder, n *html.Node) {
	href := attrVal(n, "href")
	resolved := ResolveLink(r.base, href)
	if resolved == "" || r.open["a"] {
		r.children(b, n)
		return
	}
	var inner strings.Builder
	r.open["a"] = true
	r.children(&inner, n)
	r.open["a"] = false

	s := inner.String()
	if strings.TrimSpace(stripTags(s)) == "" {
		return
	}
	b.WriteString(`<a href="` + escapeAttr(resolved) + `">`)
	b.WriteString(s)
	b.WriteString("</a>")
}

func (r *renderer) list(b *strings.Builder, n *html.Node, ordered bool) {
	items := directListItems(n)
	if len(items) == 0 {
		return
	}
	ensureNewline(b)
	for i, li := range items {
		marker := "• "
		if ordered {
			marker = strconv.Itoa(i+1) + ". "
		}
		r.listItem(b, li, marker)
	}
	ensureNewline(b)
}

func (r *renderer) listItem(b *strings.Builder, li *html.Node, marker string) {
	var inner strings.Builder
	r.children(&inner, li)
	text := strings.TrimSpace(inner.String())
	if text == "" {
		return
	}
	if r.open["b"] {
		b.WriteString(marker)
	} else {
		b.WriteString("<b>" + marker + "</b>")
	}
	b.WriteString(text)
	b.WriteString("\n")
}

// ResolveLink resolves url against base. javascript: links and links that
// cannot be made absolute resolve to "".
func ResolveLink(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" || strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return ""
	}
	if reAbsoluteURL.MatchString(ref) {
		return ref
	}
	if !reAbsoluteURL.MatchString(base) {
		return ""
	}
	bu, err := url.Parse(base)
	if err != nil {
		return ""
	}
	ru, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return bu.ResolveReference(ru).String()
}

func directListItems(n *html.Node) []*html.Node {
	var items []*html.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == "li" {
			items = append(items, c)
		}
	}
	return items
}

func codeClassAttr(n *html.Node) string {
	class := attrVal(n, "class")
	for _, cls := range strings.Fields(class) {
		if strings.HasPrefix(cls, "language-") {
			return ` class="` + escapeAttr(cls) + `"`
		}
	}
	return ""
}

func attrVal(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func escapeAttr(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, `"`, "&quot;")
	return s
}

func ensureNewline(b *strings.Builder) {
	if s := b.String(); s != "" && !strings.HasSuffix(s, "\n") {
		b.WriteString("\n")
	}
}

func ensureBlankLine(b *strings.Builder) {
	s := b.String()
	if s == "" {
		return
	}
	switch {
	case strings.HasSuffix(s, "\n\n"):
	case strings.HasSuffix(s, "\n"):
		b.WriteString("\n")
	default:
		b.WriteString("\n\n")
	}
}

// stripTags removes our own well-formed tags. It is only used on renderer
// output, never on untrusted input.
func stripTags(s string) string {
	if !strings.ContainsRune(s, '<') {
		return s
	}
	var b strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case inTag:
			if r == '>' {
				inTag = false
			}
		case r == '<':
			inTag = true
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
