// Package app assembles the daemon: configuration, logging, state store,
// fetcher, delivery and the scheduler, plus the hot-reload loop that feeds
// resolved specs back into the scheduler.
package app

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"feedgram/internal/config"
	"feedgram/internal/feed"
	"feedgram/internal/monitor"
	"feedgram/internal/pipeline"
	"feedgram/internal/state"
	"feedgram/internal/telegram"
	"feedgram/pkg/logx"
)

// TokenEnv overrides telegram.token from the environment so the secret can
// stay out of the config file.
const TokenEnv = "FEEDGRAM_TOKEN"

type App struct {
	cfgPath string

	cfgm     *config.Manager
	resolver *config.Resolver

	log   logx.Logger
	store *state.Store
	bot   *telegram.Bot
	sched *monitor.Scheduler

	subs   chan *config.Document
	cancel context.CancelFunc
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	doc, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, err := logx.New(logx.Config{
		Level:   doc.Logging.Level,
		Console: doc.Logging.Console,
		File: logx.FileConfig{
			Enabled: doc.Logging.File.Enabled,
			Path:    doc.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}
	log = log.With(logx.String("comp", "app"))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	resolver := config.NewResolver(pipeline.Schemas())
	specs, err := resolver.Resolve(doc)
	if err != nil {
		return nil, err
	}

	stateCfg, err := mapStateConfig(doc)
	if err != nil {
		return nil, err
	}
	store, err := state.Open(stateCfg, log.With(logx.String("comp", "state")))
	if err != nil {
		return nil, err
	}

	token := strings.TrimSpace(os.Getenv(TokenEnv))
	if token == "" {
		token = doc.Telegram.Token
	}
	bot, err := telegram.New(telegram.Config{
		Token:  token,
		APIURL: doc.Telegram.APIURL,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	fetcher := feed.NewHTTPFetcher(log.With(logx.String("comp", "fetcher")))
	sched := monitor.New(log.With(logx.String("comp", "scheduler")),
		fetcher, bot, store, monitor.NewLimiter(doc.Delivery))
	if err := sched.Apply(specs); err != nil {
		_ = store.Close()
		return nil, err
	}

	log.Info("configuration loaded",
		logx.String("path", cfgPath), logx.Int("sources", len(specs)))

	return &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		resolver: resolver,
		log:      log,
		store:    store,
		bot:      bot,
		sched:    sched,
	}, nil
}

// Start spins up the scheduler, the config watcher and the reload loop.
// It returns once everything is running; cancel ctx to begin shutdown.
func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	// Reloads are validated end to end before they are committed, so a
	// broken edit keeps the previous generation running. Building the
	// pipelines here catches what the schemas cannot: regexes and
	// templates only compile inside their processors.
	a.cfgm.SetValidator(func(ctx context.Context, doc *config.Document) error {
		if _, err := mapStateConfig(doc); err != nil {
			return err
		}
		specs, err := a.resolver.Resolve(doc)
		if err != nil {
			return err
		}
		return buildAll(specs)
	})

	a.sched.Start(runCtx)

	a.subs = a.cfgm.Subscribe(1)
	go a.reloadLoop(runCtx)

	go func() {
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Error("config watcher stopped", logx.Err(err))
		}
	}()

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("notified systemd ready")
	}
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case doc, ok := <-a.subs:
			if !ok {
				return
			}
			specs, err := a.resolver.Resolve(doc)
			if err != nil {
				// The validator already passed this document; a failure
				// here means the schema set changed underneath us.
				a.log.Error("reload resolve failed", logx.Err(err))
				continue
			}
			if err := a.sched.Apply(specs); err != nil {
				a.log.Error("reload apply failed", logx.Err(err))
				continue
			}
			a.log.Info("configuration reloaded", logx.Int("sources", len(specs)))
		}
	}
}

// Stop drains workers, flushes dedup state and closes the store.
func (a *App) Stop(ctx context.Context) error {
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	if a.cancel != nil {
		a.cancel()
	}
	if a.subs != nil {
		a.cfgm.Unsubscribe(a.subs)
	}
	if err := a.sched.Stop(); err != nil {
		a.log.Error("scheduler stop", logx.Err(err))
	}
	return a.store.Close()
}

// Status reports per-source scheduler state for operational inspection.
func (a *App) Status() []monitor.SourceStatus { return a.sched.Snapshot() }

func mapStateConfig(doc *config.Document) (state.Config, error) {
	busy, err := config.ParseDurationOrDefault("state.busy_timeout",
		doc.State.BusyTimeout, 5*time.Second)
	if err != nil {
		return state.Config{}, err
	}
	path := strings.TrimSpace(doc.State.Path)
	if path == "" {
		switch doc.State.Driver {
		case "sqlite", "sqlite3":
			path = "feedgram.db"
		default:
			path = "feedgram.state.json"
		}
	}
	return state.Config{
		Driver:      doc.State.Driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

// Validate parses and resolves the config at path without touching the
// network or the state file. It returns every problem found.
func Validate(cfgPath string) error {
	doc, err := config.LoadDocument(cfgPath)
	if err != nil {
		return err
	}
	if _, err := mapStateConfig(doc); err != nil {
		return err
	}
	resolver := config.NewResolver(pipeline.Schemas())
	specs, err := resolver.Resolve(doc)
	if err != nil {
		return err
	}
	if err := buildAll(specs); err != nil {
		return err
	}
	if len(specs) == 0 {
		return fmt.Errorf("config: no sources defined")
	}
	return nil
}

// buildAll compiles every source's pipeline and discards the result; it
// exists so validation rejects what option schemas alone cannot (regexes
// and templates only compile inside their processors).
func buildAll(specs []config.Spec) error {
	for _, spec := range specs {
		if _, err := pipeline.Build(spec.Processing, logx.Nop()); err != nil {
			return fmt.Errorf("config: %s: %w", spec.SourceID, err)
		}
	}
	return nil
}
