package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/abhisek/rehearse/internal/assessment"
	"github.com/abhisek/rehearse/internal/config"
	"github.com/abhisek/rehearse/internal/convai"
	"github.com/abhisek/rehearse/internal/fetch"
	"github.com/abhisek/rehearse/internal/lifecycle"
	"github.com/abhisek/rehearse/internal/llm"
	"github.com/abhisek/rehearse/internal/mastery"
	"github.com/abhisek/rehearse/internal/metrics"
	"github.com/abhisek/rehearse/internal/selection"
	"github.com/abhisek/rehearse/internal/store"
)

// app is the dependency graph shared by serve and the session commands.
type app struct {
	cfg      *config.Config
	store    *store.Store
	ctrl     *lifecycle.Controller
	selector *selection.Selector
	tracker  *mastery.Tracker
	logger   *slog.Logger
}

// buildApp wires every component on top of an open store. m may be nil.
// Without a usable grading provider the app still starts; theory
// assessments then end as failed with the provider error as the reason.
func buildApp(ctx context.Context, cfg *config.Config, st *store.Store, m *metrics.Metrics, logger *slog.Logger) *app {
	provider, err := llm.NewProvider(ctx, cfg.LLM, st.EventRepo(), logger)
	if err != nil {
		logger.Warn("LLM provider not configured, grading will be unavailable", "error", err)
		provider = llm.NewMockProvider()
	}

	engine := assessment.New(
		assessment.NewLLMGrader(provider, assessment.DefaultGraderConfig()),
		st.Attempts(),
		cfg.Assessment,
		assessment.WithLogger(logger),
		assessment.WithMetrics(m),
	)

	var convs lifecycle.Conversations
	if cfg.ConvAI.APIKey != "" {
		fetcher := fetch.New(http.DefaultClient,
			fetch.WithLogger(logger),
			fetch.WithObserver(func(_ int, class fetch.Class) { m.FetchAttempt(class.String()) }),
		)
		convs = convai.New(fetcher, cfg.ConvAI)
	} else {
		logger.Warn("REHEARSE_CONVAI_API_KEY not set, transcripts can only be submitted directly")
	}

	ctrl := lifecycle.New(st.Sessions(), st.Catalog(), convs, engine, cfg.Lifecycle,
		lifecycle.WithLogger(logger),
		lifecycle.WithMetrics(m),
	)
	tracker := mastery.NewTracker(st.Attempts(), st.Catalog())

	return &app{
		cfg:      cfg,
		store:    st,
		ctrl:     ctrl,
		selector: selection.New(st.Catalog(), tracker),
		tracker:  tracker,
		logger:   logger,
	}
}
