package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/internal/markup"
	"feedgram/pkg/logx"
)

// Images narrower than this are emoticons and tracking pixels, not content.
const minImageDimension = 64

// extractMedia discovers media in the entry body and enclosures and
// optionally downloads it inline. Download failures degrade to link-only
// media; the entry is still emitted.
type extractMedia struct {
	log      logx.Logger
	download bool
	maxSize  int64
	maxCount int
	client   *http.Client
}

func newExtractMedia(p config.ResolvedProcessor, log logx.Logger) (Processor, error) {
	timeout := p.Duration("timeout")
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &extractMedia{
		log:      log,
		download: p.Bool("download"),
		maxSize:  int64(p.Int("max_size")),
		maxCount: p.Int("max_count"),
		client:   &http.Client{Timeout: timeout},
	}, nil
}

func (x *extractMedia) Name() string { return "extract_media" }

func (x *extractMedia) Process(ctx context.Context, e *feed.Entry) (Outcome, error) {
	found := make([]feed.Media, 0, len(e.Enclosures))
	seen := map[string]bool{}
	add := func(m feed.Media) {
		if m.URL == "" || seen[m.URL] {
			return
		}
		if x.maxCount > 0 && len(found) >= x.maxCount {
			return
		}
		seen[m.URL] = true
		found = append(found, m)
	}

	for _, enc := range e.Enclosures {
		add(feed.Media{Kind: enclosureKind(enc), URL: enc})
	}
	if strings.Contains(e.Content, "<") {
		x.scanBody(e, add)
	}

	if x.download {
		for i := range found {
			if err := x.fetch(ctx, &found[i]); err != nil {
				// Keep the URL; the message links instead of embedding.
				x.log.Debug("media download failed",
					logx.String("source", e.SourceID),
					logx.String("url", found[i].URL),
					logx.Err(err))
				found[i].Data = nil
			}
		}
	}

	e.Media = found
	return Continue, nil
}

// enclosureKind classifies an enclosure by its URL extension. Feed
// documents carry a MIME type, but by pipeline time only the URL survives;
// unknown extensions default to image, the most common enclosure payload.
func enclosureKind(url string) feed.MediaKind {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	switch strings.ToLower(strings.TrimPrefix(path.Ext(url), ".")) {
	case "mp4", "m4v", "mov", "webm", "mkv", "avi":
		return feed.MediaVideo
	case "mp3", "m4a", "aac", "ogg", "oga", "opus", "wav", "flac":
		return feed.MediaAudio
	default:
		return feed.MediaImage
	}
}

func (x *extractMedia) scanBody(e *feed.Entry, add func(feed.Media)) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(e.Content))
	if err != nil {
		return
	}

	doc.Find("img").Each(func(_ int, sel *goquery.Selection) {
		if emoticonSized(sel) {
			return
		}
		src := largestImageURL(sel)
		if src == "" {
			return
		}
		add(feed.Media{Kind: feed.MediaImage, URL: markup.ResolveLink(e.Link, src)})
	})

	doc.Find("video, audio").Each(func(_ int, sel *goquery.Selection) {
		kind := feed.MediaVideo
		if goquery.NodeName(sel) == "audio" {
			kind = feed.MediaAudio
		}
		src, _ := sel.Attr("src")
		if src == "" {
			src, _ = sel.Find("source").First().Attr("src")
		}
		if src == "" {
			return
		}
		m := feed.Media{Kind: kind, URL: markup.ResolveLink(e.Link, src)}
		if dur, ok := sel.Attr("duration"); ok {
			if secs, err := strconv.ParseFloat(dur, 64); err == nil {
				m.Duration = time.Duration(secs * float64(time.Second))
			}
		}
		add(m)
	})
}

// largestImageURL prefers the widest srcset candidate over the plain src.
func largestImageURL(sel *goquery.Selection) string {
	src, _ := sel.Attr("src")
	srcset, ok := sel.Attr("srcset")
	if !ok {
		return src
	}

	best, bestWidth := src, 0
	for _, candidate := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(candidate))
		if len(fields) == 0 {
			continue
		}
		width := 0
		if len(fields) > 1 && strings.HasSuffix(fields[1], "w") {
			width, _ = strconv.Atoi(strings.TrimSuffix(fields[1], "w"))
		}
		if width >= bestWidth {
			best, bestWidth = fields[0], width
		}
	}
	return best
}

func emoticonSized(sel *goquery.Selection) bool {
	for _, attr := range []string{"width", "height"} {
		if v, ok := sel.Attr(attr); ok {
			if n, err := strconv.Atoi(strings.TrimSuffix(v, "px")); err == nil && n < minImageDimension {
				return true
			}
		}
	}
	return false
}

func (x *extractMedia) fetch(ctx context.Context, m *feed.Media) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.URL, nil)
	if err != nil {
		return err
	}
	resp, err := x.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if x.maxSize > 0 && resp.ContentLength > x.maxSize {
		return fmt.Errorf("media size %d exceeds cap %d", resp.ContentLength, x.maxSize)
	}

	limit := x.maxSize
	if limit <= 0 {
		limit = 50 << 20
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return err
	}
	if int64(len(data)) > limit {
		return fmt.Errorf("media body exceeds cap %d", limit)
	}
	m.Data = data
	m.Size = int64(len(data))
	return nil
}
