package cmd

import (
	"fmt"

	"github.com/kiracore/devpulse/internal/ai"
	"github.com/kiracore/devpulse/internal/cache"
	"github.com/kiracore/devpulse/internal/config"
	"github.com/kiracore/devpulse/internal/db"
	"github.com/kiracore/devpulse/internal/github"
	"github.com/kiracore/devpulse/internal/lock"
	"github.com/kiracore/devpulse/internal/pipeline"
	"github.com/kiracore/devpulse/internal/privacy"
	"github.com/kiracore/devpulse/internal/ratelimit"
	"github.com/kiracore/devpulse/internal/skills"
	"github.com/kiracore/devpulse/internal/summary"
	"github.com/kiracore/devpulse/internal/workflow"
	"github.com/sirupsen/logrus"
)

// app holds everything a sync run needs.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	db     *db.DB
	cache  *cache.SQLite
	engine *workflow.Engine
}

// openDB opens and migrates the configured database.
func openDB(cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.Init(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return database, nil
}

// newApp validates cfg and wires the workflow.
func newApp(cfg *config.Config, logger *logrus.Logger) (*app, error) {
	result := cfg.Validate()
	for _, w := range result.Warnings {
		logger.WithField("field", w.Field).Warn(w.Message)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	database, err := openDB(cfg)
	if err != nil {
		return nil, err
	}

	gh, err := github.NewClient(github.Options{
		Token:    cfg.GitHub.Token,
		APIURL:   cfg.GitHub.APIURL,
		RESTURL:  cfg.GitHub.RESTURL,
		PageSize: cfg.Sync.PageSize,
	}, logger.WithField("component", "github"))
	if err != nil {
		database.Close()
		return nil, err
	}

	gen := ai.NewClient(ai.Options{
		Endpoint: cfg.AI.Endpoint,
		Model:    cfg.AI.Model,
		APIKey:   cfg.AI.APIKey,
		Timeout:  cfg.AI.Timeout,
	}, logger.WithField("component", "ai"))

	store := cache.NewSQLite(database)
	wf := pipeline.New(pipeline.Deps{
		Store:      database,
		Cache:      store,
		GitHub:     gh,
		Tracker:    ratelimit.NewTracker(store, cfg.Sync.DefaultCostPerRepo, logger.WithField("component", "ratelimit")),
		Classifier: privacy.NewClassifier(cfg.GitHub.Login, cfg.Privacy.MemberOrgs),
		Summary:    summary.NewBuilder(database, logger.WithField("component", "summary")),
		Skills:     skills.NewStage(gen, cfg.AI.MaxSkills, logger.WithField("component", "skills")),
		Config:     cfg,
		Logger:     logger,
	})
	engine := workflow.NewEngine(database, wf.Run, cfg.Sync.StaleAfter, logger.WithField("component", "workflow"))
	wf.Locker = lock.NewManager(store, engine, cfg.Sync.LockTTL, logger.WithField("component", "lock"))

	return &app{
		cfg:    cfg,
		logger: logger,
		db:     database,
		cache:  store,
		engine: engine,
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}
