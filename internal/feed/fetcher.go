package feed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"feedgram/pkg/logx"
)

const (
	defaultUserAgent    = "feedgram/1.0 (+https://github.com/feedgram/feedgram)"
	defaultFetchTimeout = 60 * time.Second

	// maxFeedBody caps how much of a feed document we are willing to read.
	maxFeedBody = 10 << 20
)

// FetchError wraps a transport or parse failure for one poll. The scheduler
// treats it as per-source: the source backs off, others are unaffected.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string { return fmt.Sprintf("fetch %s: %v", e.URL, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// Conditional carries the validators from the previous successful fetch.
type Conditional struct {
	ETag         string
	LastModified string
}

// Result is one successful fetch. Entries are ordered oldest to newest.
// NotModified is set on a 304 response; Entries is empty in that case.
type Result struct {
	Entries     []*Entry
	Conditional Conditional
	FeedTitle   string
	FeedLink    string
	NotModified bool
}

// Fetcher obtains raw entries for a source. Implementations must be
// idempotent and side-effect-free from the caller's perspective.
type Fetcher interface {
	Fetch(ctx context.Context, sourceID, url string, cond Conditional) (*Result, error)
}

// HTTPFetcher fetches and parses RSS/Atom/JSON feeds over HTTP.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
	log       logx.Logger
}

func NewHTTPFetcher(log logx.Logger) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: defaultFetchTimeout},
		userAgent: defaultUserAgent,
		log:       log,
	}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, sourceID, url string, cond Conditional) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	if cond.ETag != "" {
		req.Header.Set("If-None-Match", cond.ETag)
	}
	if cond.LastModified != "" {
		req.Header.Set("If-Modified-Since", cond.LastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		f.log.Debug("feed not modified", logx.String("source", sourceID))
		return &Result{Conditional: cond, NotModified: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{URL: url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	body := io.LimitReader(resp.Body, maxFeedBody)
	parsed, err := gofeed.NewParser().Parse(body)
	if err != nil {
		return nil, &FetchError{URL: url, Err: err}
	}

	res := &Result{
		Conditional: Conditional{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		},
		FeedTitle: parsed.Title,
		FeedLink:  parsed.Link,
	}
	res.Entries = entriesFromFeed(parsed, sourceID)
	f.log.Debug("feed fetched",
		logx.String("source", sourceID),
		logx.Int("entries", len(res.Entries)),
		logx.String("feed_title", parsed.Title),
	)
	return res, nil
}

func entriesFromFeed(parsed *gofeed.Feed, sourceID string) []*Entry {
	entries := make([]*Entry, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		if item == nil {
			continue
		}
		e := &Entry{
			ID:          entryID(item),
			SourceID:    sourceID,
			Title:       strings.TrimSpace(item.Title),
			Content:     itemContent(item),
			Link:        item.Link,
			Published:   itemPublished(item),
			SourceTitle: parsed.Title,
		}
		if e.Title == "" {
			e.Title = "Untitled"
		}
		if len(item.Authors) > 0 && item.Authors[0] != nil {
			e.Author = item.Authors[0].Name
		}
		for _, enc := range item.Enclosures {
			if enc != nil && enc.URL != "" {
				e.Enclosures = append(e.Enclosures, enc.URL)
			}
		}
		entries = append(entries, e)
	}

	// Feeds list newest first; the scheduler wants publish order (oldest to
	// newest) so multi-entry polls deliver chronologically.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries
}

func entryID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	return item.Link
}

func itemContent(item *gofeed.Item) string {
	if item.Content != "" {
		return item.Content
	}
	return item.Description
}

func itemPublished(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	return time.Time{}
}
