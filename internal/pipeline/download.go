package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"time"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/pkg/logx"
)

// errLimitExceeded is the distinct exceeded signal: the video exists but
// breaks the size or duration constraint, so the message links to it
// instead of embedding.
var errLimitExceeded = errors.New("size or duration limit exceeded")

// downloadVideo shells out to an external downloader (yt-dlp by default)
// for URLs matching the configured patterns. Failures never drop the entry;
// the URL stays on the media reference and the message degrades to a link.
type downloadVideo struct {
	log         logx.Logger
	patterns    []*regexp.Regexp
	tool        string
	quality     string
	maxSize     int64
	maxDuration time.Duration
	timeout     time.Duration
}

func newDownloadVideo(p config.ResolvedProcessor, log logx.Logger) (Processor, error) {
	d := &downloadVideo{
		log:         log,
		tool:        p.String("tool"),
		quality:     p.String("quality"),
		maxSize:     int64(p.Int("max_size")),
		maxDuration: p.Duration("max_duration"),
		timeout:     p.Duration("timeout"),
	}
	for _, pat := range p.StringList("patterns") {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pat, err)
		}
		d.patterns = append(d.patterns, re)
	}
	return d, nil
}

func (d *downloadVideo) Name() string { return "download_video" }

func (d *downloadVideo) Process(ctx context.Context, e *feed.Entry) (Outcome, error) {
	if len(d.patterns) == 0 {
		return Continue, nil
	}

	matchedMedia := false
	for i := range e.Media {
		m := &e.Media[i]
		if m.Kind != feed.MediaVideo || m.Inline() || !d.matches(m.URL) {
			continue
		}
		matchedMedia = true
		d.grab(ctx, e, m)
	}

	// A matching entry link without video media is itself the video page.
	if !matchedMedia && d.matches(e.Link) {
		m := feed.Media{Kind: feed.MediaVideo, URL: e.Link}
		d.grab(ctx, e, &m)
		if m.Inline() {
			e.Media = append(e.Media, m)
		}
	}
	return Continue, nil
}

func (d *downloadVideo) matches(url string) bool {
	if url == "" {
		return false
	}
	for _, re := range d.patterns {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

func (d *downloadVideo) grab(ctx context.Context, e *feed.Entry, m *feed.Media) {
	data, filename, err := d.run(ctx, m.URL)
	switch {
	case errors.Is(err, errLimitExceeded):
		d.log.Debug("video over limits, linking instead",
			logx.String("source", e.SourceID), logx.String("url", m.URL))
	case err != nil:
		d.log.Warn("video download failed",
			logx.String("source", e.SourceID), logx.String("url", m.URL), logx.Err(err))
	default:
		m.Data = data
		m.Size = int64(len(data))
		m.Filename = filename
	}
}

// run invokes the downloader into a scratch directory and returns the
// produced file. The tool skipping the file (filesize/duration filters)
// surfaces as errLimitExceeded.
func (d *downloadVideo) run(ctx context.Context, url string) ([]byte, string, error) {
	dir, err := os.MkdirTemp("", "feedgram-video-")
	if err != nil {
		return nil, "", err
	}
	defer os.RemoveAll(dir)

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	args := []string{
		"--no-playlist",
		"--no-progress",
		"-f", d.quality,
		"-o", filepath.Join(dir, "%(id)s.%(ext)s"),
	}
	if d.maxSize > 0 {
		args = append(args, "--max-filesize", fmt.Sprintf("%d", d.maxSize))
	}
	if d.maxDuration > 0 {
		args = append(args, "--match-filter", fmt.Sprintf("duration <= %d", int(d.maxDuration.Seconds())))
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, d.tool, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, "", fmt.Errorf("%s: %w: %s", d.tool, err, truncateOutput(out))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, "", err
	}
	if len(entries) == 0 {
		// The tool ran clean but filtered the download.
		return nil, "", errLimitExceeded
	}

	name := entries[0].Name()
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, "", err
	}
	if d.maxSize > 0 && int64(len(data)) > d.maxSize {
		return nil, "", errLimitExceeded
	}
	return data, name, nil
}

func truncateOutput(out []byte) string {
	const max = 400
	if len(out) > max {
		out = out[:max]
	}
	return string(out)
}
