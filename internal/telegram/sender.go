// Package telegram delivers rendered entries through the Bot API. The
// sender maps transport errors into the delivery taxonomy the scheduler
// acts on: rate limits carry a retry-after hint, over-length messages are
// flagged as sanitizer defects, permanent rejections stop retries.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"feedgram/internal/feed"
	"feedgram/pkg/logx"
)

// Status classifies one delivery attempt.
type Status int

const (
	OK Status = iota
	// TooLong must never happen when the markup budget was enforced; it is
	// logged as a sanitizer defect and the entry is dropped.
	TooLong
	// RateLimited deliveries are retried after the hinted delay.
	RateLimited
	// Fatal rejections (bad chat, forbidden, malformed markup) drop the
	// entry without retry.
	Fatal
	// Transient failures (network, 5xx) leave the entry unmarked so the
	// next poll retries it.
	Transient
)

func (s Status) String() string {
	switch s {
	case OK:
		return "ok"
	case TooLong:
		return "too_long"
	case RateLimited:
		return "rate_limited"
	case Fatal:
		return "fatal"
	default:
		return "transient"
	}
}

// Result is the outcome of one Send.
type Result struct {
	Status     Status
	RetryAfter time.Duration
	Err        error
}

// Sender is the delivery collaborator consumed by the scheduler.
type Sender interface {
	Send(ctx context.Context, chat string, e *feed.Entry, preview bool) Result
}

type Config struct {
	Token  string
	APIURL string
}

// Bot sends through telebot. It never polls for updates; this process only
// pushes messages.
type Bot struct {
	bot *tele.Bot
	log logx.Logger
}

func New(cfg Config, log logx.Logger) (*Bot, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	b, err := tele.NewBot(tele.Settings{
		Token: cfg.Token,
		URL:   cfg.APIURL,
	})
	if err != nil {
		return nil, err
	}
	return &Bot{bot: b, log: log}, nil
}

// chatRef addresses a chat by numeric ID or @username.
type chatRef string

func (r chatRef) Recipient() string { return string(r) }

func (b *Bot) Send(ctx context.Context, chat string, e *feed.Entry, preview bool) Result {
	if err := ctx.Err(); err != nil {
		return Result{Status: Transient, Err: err}
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: !preview,
	}
	to := chatRef(chat)

	var err error
	switch media := sendable(e.Media); {
	case len(media) == 0:
		_, err = b.bot.Send(to, e.Rendered, opts)
	case len(media) == 1:
		_, err = b.bot.Send(to, inputMedia(media[0], e.Rendered), opts)
	default:
		album := make(tele.Album, 0, len(media))
		for i, m := range media {
			caption := ""
			if i == 0 {
				caption = e.Rendered
			}
			album = append(album, inputMedia(m, caption))
		}
		_, err = b.bot.SendAlbum(to, album, opts)
	}

	res := classify(err)
	if res.Status == TooLong {
		// The budget should have made this impossible.
		b.log.Error("delivery rejected as too long despite markup budget",
			logx.String("source", e.SourceID),
			logx.String("entry", e.ID),
			logx.Int("rendered_len", len(e.Rendered)))
	}
	return res
}

// sendable drops media that cannot go out: no bytes and no URL.
func sendable(media []feed.Media) []feed.Media {
	out := media[:0:0]
	for _, m := range media {
		if m.URL != "" || m.Inline() {
			out = append(out, m)
		}
	}
	return out
}

func inputMedia(m feed.Media, caption string) tele.Inputtable {
	file := tele.FromURL(m.URL)
	if m.Inline() {
		file = tele.FromReader(bytes.NewReader(m.Data))
	}
	switch m.Kind {
	case feed.MediaVideo:
		return &tele.Video{File: file, Caption: caption, FileName: m.Filename}
	case feed.MediaAudio:
		return &tele.Audio{File: file, Caption: caption, FileName: m.Filename}
	default:
		// Photos carry no filename on the wire.
		return &tele.Photo{File: file, Caption: caption}
	}
}

func classify(err error) Result {
	if err == nil {
		return Result{Status: OK}
	}

	var flood tele.FloodError
	if errors.As(err, &flood) {
		return Result{
			Status:     RateLimited,
			RetryAfter: time.Duration(flood.RetryAfter) * time.Second,
			Err:        err,
		}
	}
	if errors.Is(err, tele.ErrTooLongMessage) || strings.Contains(err.Error(), "too long") {
		return Result{Status: TooLong, Err: err}
	}

	var apiErr *tele.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 400 || apiErr.Code == 403:
			return Result{Status: Fatal, Err: err}
		case apiErr.Code == 429:
			after := retryAfterFromDescription(apiErr.Description)
			return Result{Status: RateLimited, RetryAfter: after, Err: err}
		}
	}
	return Result{Status: Transient, Err: err}
}

// retryAfterFromDescription parses "Too Many Requests: retry after N".
func retryAfterFromDescription(desc string) time.Duration {
	const marker = "retry after "
	i := strings.LastIndex(strings.ToLower(desc), marker)
	if i < 0 {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(desc[i+len(marker):]))
	if err != nil {
		return 0
	}
	return time.Duration(n) * time.Second
}
