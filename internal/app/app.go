// Package app builds the runtime object graph from a Config.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	gcal "google.golang.org/api/calendar/v3"
	gm "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"caltasks/internal/calendar"
	"caltasks/internal/calendar/google"
	"caltasks/internal/calendar/ics"
	"caltasks/internal/config"
	"caltasks/internal/dedup"
	"caltasks/internal/googleauth"
	"caltasks/internal/kvstore"
	appLog "caltasks/internal/log"
	"caltasks/internal/mail/gmail"
	"caltasks/internal/mark"
	"caltasks/internal/notion"
	"caltasks/internal/orchestrator"
	"caltasks/internal/pipeline"
	"caltasks/internal/semantic"
	"caltasks/internal/taskrepo"
	"caltasks/internal/tracker"
)

// redisNamespace prefixes every key written to a shared redis.
const redisNamespace = "caltasks:"

// App holds every long-lived component. Close releases the state store.
type App struct {
	Config       *config.Config
	Location     *time.Location
	KV           kvstore.Store
	Calendar     calendar.Store
	Repo         *taskrepo.Adapter
	Marker       *mark.Controller
	Tracker      *tracker.Tracker
	Pipeline     *pipeline.Pipeline
	Mail         *pipeline.MailPipeline
	Orchestrator *orchestrator.Orchestrator
}

// New validates cfg and connects every configured backend.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Location: cfg.Location()}

	kv, err := openState(ctx, cfg.State)
	if err != nil {
		return nil, err
	}
	a.KV = kv

	// Calendar and Gmail share one Google credential; the token must carry
	// the scopes of both.
	var googleOpt option.ClientOption
	if cfg.Calendar.Provider == "google" || cfg.Mail.Enabled {
		scopes := []string{gcal.CalendarReadonlyScope, gcal.CalendarEventsScope}
		if cfg.Mail.Enabled {
			scopes = append(scopes, gm.GmailModifyScope)
		}
		googleOpt, err = googleauth.ClientOption(ctx, cfg.Calendar.Google.CredentialsFile, cfg.Calendar.Google.TokenFile, scopes...)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("google credentials: %w", err)
		}
	}

	a.Calendar, err = openCalendar(ctx, cfg, a.Location, googleOpt)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Repo = taskrepo.NewAdapter(notion.New(notion.Options{
		Token:      cfg.Notion.Token,
		DatabaseID: cfg.Notion.DatabaseID,
		BaseURL:    cfg.Notion.BaseURL,
		Version:    cfg.Notion.Version,
		Properties: cfg.Notion.Properties,
		Labels:     cfg.Notion.Labels,
		Location:   a.Location,
	}))

	var llm *semantic.LLM
	if cfg.Semantic.Enabled {
		llm, err = semantic.NewOpenAI(semantic.OpenAIOptions{
			APIKey:   cfg.Semantic.APIKey,
			BaseURL:  cfg.Semantic.BaseURL,
			Model:    cfg.Semantic.Model,
			Language: cfg.Semantic.Language,
			Location: a.Location,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	dedupOpts := dedup.Options{
		Strictness: dedup.ParseStrictness(cfg.Pipeline.Strictness),
		Threshold:  cfg.Pipeline.SimilarityThreshold,
	}
	if llm != nil && dedupOpts.Strictness == dedup.StrictnessSemantic {
		dedupOpts.Judge = llm
	}
	engine := dedup.New(dedupOpts)

	a.Tracker = tracker.New(kv, a.Location)
	a.Marker = mark.NewController(a.Calendar, mark.Options{
		Attempts:    cfg.Marking.Attempts,
		SettleDelay: cfg.Marking.SettleDelay,
		Backoff:     cfg.Marking.Backoff,
	})

	deps := pipeline.Deps{
		Calendar: a.Calendar,
		Repo:     a.Repo,
		Marker:   a.Marker,
		Dedup:    engine,
		Tracker:  a.Tracker,
	}
	if llm != nil {
		deps.Extractor = llm
	}
	a.Pipeline = pipeline.New(deps, pipeline.Options{
		Location:          a.Location,
		RateLimitDelay:    cfg.Pipeline.RateLimitDelay,
		DryRun:            cfg.Pipeline.DryRun,
		UrgentKeywords:    cfg.Pipeline.UrgentKeywords,
		ImportantKeywords: cfg.Pipeline.ImportantKeywords,
	})

	if cfg.Mail.Enabled {
		box, err := gmail.New(ctx, googleOpt)
		if err != nil {
			a.Close()
			return nil, err
		}
		var extractor semantic.Extractor = semantic.NewRules(a.Location)
		if llm != nil {
			extractor = llm
		}
		a.Mail = pipeline.NewMail(pipeline.MailDeps{
			Mail:      box,
			Repo:      a.Repo,
			Dedup:     engine,
			Tracker:   a.Tracker,
			Extractor: extractor,
		}, pipeline.MailOptions{
			Query:          cfg.Mail.Query,
			MaxResults:     cfg.Mail.MaxResults,
			MarkRead:       cfg.Mail.MarkRead,
			DryRun:         cfg.Pipeline.DryRun,
			RateLimitDelay: cfg.Pipeline.RateLimitDelay,
		})
	}

	r := cfg.Reliability
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		KV:       kv,
		Calendar: a.Calendar,
		Repo:     a.Repo,
		Marker:   a.Marker,
		Tracker:  a.Tracker,
		Pipeline: a.Pipeline,
		Mail:     a.Mail,
	}, orchestrator.Options{
		Location:           a.Location,
		BackDays:           cfg.Window.BackDays,
		AheadDays:          cfg.Window.AheadDays,
		SegmentDays:        r.SegmentDays,
		TimeBudget:         r.TimeBudget,
		SegmentPause:       r.SegmentPause,
		PrimaryLockTimeout: r.PrimaryLockTimeout,
		BackupLockTimeout:  r.BackupLockTimeout,
		StaleAfter:         r.StaleAfter,
		BackupDays:         r.BackupDays,
		BackupThreshold:    r.BackupThreshold,
		NoisePatterns:      r.NoisePatterns,
		MinTitleLength:     r.MinTitleLength,
		HistorySize:        r.HistorySize,
		TrackerRetention:   r.TrackerRetention,
		WriteSummary:       cfg.Notion.WriteSummary,
		DryRun:             cfg.Pipeline.DryRun,
	})

	appLog.Info("app ready",
		"calendar", cfg.Calendar.Provider,
		"state", cfg.State.Backend,
		"strictness", cfg.Pipeline.Strictness,
		"semantic", cfg.Semantic.Enabled,
		"mail", cfg.Mail.Enabled,
		"dry_run", cfg.Pipeline.DryRun,
	)
	return a, nil
}

// Close releases the state store.
func (a *App) Close() error {
	if a.KV == nil {
		return nil
	}
	return a.KV.Close()
}

func openState(ctx context.Context, sc config.StateConfig) (kvstore.Store, error) {
	switch sc.Backend {
	case "memory":
		appLog.Warn("state backend is memory; locks and run records do not survive the process")
		return kvstore.NewMemory(), nil
	case "file":
		return kvstore.NewFile(sc.Path)
	case "sqlite":
		path := sc.Path
		if filepath.Ext(path) == ".json" {
			path = path[:len(path)-len(".json")] + ".db"
		}
		return kvstore.NewSQLite(path)
	case "redis":
		return kvstore.NewRedis(ctx, kvstore.RedisOptions{
			Addr:      sc.Redis.Addr,
			Password:  sc.Redis.Password,
			DB:        sc.Redis.DB,
			Namespace: redisNamespace,
		})
	case "datastore":
		return kvstore.NewDatastore(ctx, sc.Datastore.ProjectID, sc.Datastore.Namespace)
	default:
		return nil, fmt.Errorf("state backend %q is not supported", sc.Backend)
	}
}

// openCalendar builds the event store. ICS feeds are always added next to
// the Google calendars as read-only calendars.
func openCalendar(ctx context.Context, cfg *config.Config, loc *time.Location, googleOpt option.ClientOption) (calendar.Store, error) {
	feeds := make([]ics.Feed, 0, len(cfg.Calendar.ICS))
	for _, src := range cfg.Calendar.ICS {
		feeds = append(feeds, ics.Feed{ID: src.ID, Name: src.Name, URL: src.URL})
	}
	icsStore := func() calendar.Store {
		return ics.NewStore(feeds, ics.Options{CacheDir: cfg.Calendar.CacheDir, Location: loc})
	}

	switch cfg.Calendar.Provider {
	case "memory":
		appLog.Warn("calendar provider is memory; no events will be found")
		return calendar.NewMemory(), nil
	case "ics":
		return icsStore(), nil
	case "google":
		if googleOpt == nil {
			return nil, errors.New("google calendar needs credentials")
		}
		g, err := google.New(ctx, loc, cfg.Calendar.Google.CalendarIDs, googleOpt)
		if err != nil {
			return nil, err
		}
		if len(feeds) == 0 {
			return g, nil
		}
		return calendar.NewMulti(g, icsStore()), nil
	default:
		return nil, fmt.Errorf("calendar provider %q is not supported", cfg.Calendar.Provider)
	}
}
