// Package sweep retries transcript retrieval for sessions that were linked
// to a provider conversation but never received a transcript.
package sweep

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/abhisek/rehearse/internal/metrics"
	"github.com/abhisek/rehearse/internal/store"
	"github.com/abhisek/rehearse/internal/training"
)

// Config controls the sweep schedule.
type Config struct {
	Enabled bool `env:"ENABLED" envDefault:"true"`
	// Schedule is a cron spec; descriptors such as "@every 5m" work.
	Schedule string `env:"SCHEDULE" envDefault:"@every 5m"`
	// StaleAfter is how long a linked session may sit without a
	// transcript before the sweep retries it.
	StaleAfter time.Duration `env:"STALE_AFTER" envDefault:"10m"`
	BatchSize  int           `env:"BATCH_SIZE" envDefault:"20"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		Enabled:    true,
		Schedule:   "@every 5m",
		StaleAfter: 10 * time.Minute,
		BatchSize:  20,
	}
}

// Fetcher re-fetches one session's transcript.
type Fetcher interface {
	FetchTranscript(ctx context.Context, id string) (*training.Session, error)
}

// Result counts one pass.
type Result struct {
	Scanned int
	Fetched int
	Failed  int
}

// Sweeper runs passes on a cron schedule.
type Sweeper struct {
	sessions store.SessionRepo
	fetcher  Fetcher
	cfg      Config
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *slog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

func WithLogger(l *slog.Logger) Option { return func(s *Sweeper) { s.logger = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

func WithNow(fn func() time.Time) Option { return func(s *Sweeper) { s.now = fn } }

// New creates a Sweeper and registers its job. It does not start the
// schedule.
func New(sessions store.SessionRepo, fetcher Fetcher, cfg Config, opts ...Option) (*Sweeper, error) {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Sweeper{
		sessions: sessions,
		fetcher:  fetcher,
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}

	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	if _, err := s.cron.AddFunc(cfg.Schedule, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Schedule, err)
	}
	return s, nil
}

// Start begins the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
	s.logger.Info("transcript sweep started", "schedule", s.cfg.Schedule, "stale_after", s.cfg.StaleAfter)
}

// Stop halts the schedule, cancels a running pass and waits for it.
func (s *Sweeper) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("transcript sweep stopped")
}

func (s *Sweeper) run() {
	res, err := s.RunOnce(s.ctx)
	if err != nil {
		s.logger.Error("transcript sweep failed", "error", err)
		return
	}
	if res.Scanned > 0 {
		s.logger.Info("transcript sweep pass", "scanned", res.Scanned, "fetched", res.Fetched, "failed", res.Failed)
	}
}

// RunOnce retries every stale linked session once. Individual fetch
// failures are counted, not returned; the session stays linked for the
// next pass.
func (s *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var res Result
	cutoff := s.now().Add(-s.cfg.StaleAfter)
	stale, err := s.sessions.ListStaleLinked(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("list stale sessions: %w", err)
	}
	res.Scanned = len(stale)

	for _, sess := range stale {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		if _, err := s.fetcher.FetchTranscript(ctx, sess.ID); err != nil {
			res.Failed++
			s.metrics.SweepResult("failed")
			s.logger.Warn("sweep fetch failed", "session_id", sess.ID, "error", err)
			continue
		}
		res.Fetched++
		s.metrics.SweepResult("fetched")
	}
	return res, nil
}
