package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiracore/devpulse/internal/api"
	"github.com/kiracore/devpulse/internal/db"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// wakeSlack delays a durable wakeup so the instance is due when triggered.
const wakeSlack = time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the status API",
	Long: `Trigger a sync at startup, every sync.interval, and whenever a sleeping
instance is due. Serves the published artifacts over HTTP at server.addr.

Endpoints:
  GET  /healthz
  GET  /api/v1/state
  GET  /api/v1/skills
  GET  /api/v1/profile
  POST /api/v1/trigger`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
}

// scheduler runs triggers one at a time. Requests from the ticker, durable
// wakeups and the API all funnel into one goroutine.
type scheduler struct {
	app      *app
	logger   logrus.FieldLogger
	requests chan struct{}
}

func newScheduler(a *app) *scheduler {
	return &scheduler{
		app:      a,
		logger:   a.logger.WithField("component", "scheduler"),
		requests: make(chan struct{}, 1),
	}
}

// request queues a trigger. It returns false when one is already queued.
func (s *scheduler) request() bool {
	select {
	case s.requests <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *scheduler) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.app.cfg.Sync.Interval)
	defer ticker.Stop()

	s.request()
	for {
		wake, stopWake := s.nextWake(ctx)
		select {
		case <-ctx.Done():
			stopWake()
			return nil
		case <-ticker.C:
			s.logger.Debug("Interval elapsed")
		case <-s.requests:
			s.logger.Debug("Trigger requested")
		case <-wake:
			s.logger.Debug("Sleeping instance due")
		}
		stopWake()
		s.trigger(ctx)
	}
}

// nextWake returns a channel that fires when the earliest sleeping instance
// is due, or a nil channel when none is sleeping.
func (s *scheduler) nextWake(ctx context.Context) (<-chan time.Time, func()) {
	at, err := s.app.db.NextWake(ctx)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) && ctx.Err() == nil {
			s.logger.WithError(err).Warn("Failed to look up sleeping instances")
		}
		return nil, func() {}
	}
	timer := time.NewTimer(time.Until(*at) + wakeSlack)
	return timer.C, func() { timer.Stop() }
}

func (s *scheduler) trigger(ctx context.Context) {
	out, err := s.app.engine.Trigger(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Trigger failed")
		return
	}
	fields := logrus.Fields{
		"instance": out.InstanceID,
		"status":   out.Status,
		"resumed":  out.Resumed,
	}
	if out.WakeAt != nil {
		fields["wake_at"] = out.WakeAt.Format(time.RFC3339)
	}
	s.logger.WithFields(fields).Info("Trigger finished")

	s.maintain(context.WithoutCancel(ctx))
}

// maintain drops expired cache entries and old finished instances.
func (s *scheduler) maintain(ctx context.Context) {
	purged, err := s.app.cache.Purge(ctx)
	if err != nil {
		s.logger.WithError(err).Warn("Failed to purge expired cache entries")
	}
	pruned, err := s.app.db.PruneInstances(ctx, time.Now().Add(-s.app.cfg.Sync.Retention))
	if err != nil {
		s.logger.WithError(err).Warn("Failed to prune workflow instances")
	}
	if purged > 0 || pruned > 0 {
		s.logger.WithFields(logrus.Fields{
			"cache_entries": purged,
			"instances":     pruned,
		}).Debug("Maintenance done")
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sched := newScheduler(a)
	server := &http.Server{
		Addr:         addr,
		Handler:      api.NewRouter(a.db, a.cache, sched.request, logger.WithField("component", "api")),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithField("addr", addr).Info("Status API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return sched.loop(gctx)
	})

	err = g.Wait()
	logger.Info("Shut down")
	return err
}
