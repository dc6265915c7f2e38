package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/abhisek/rehearse/internal/metrics"
	"github.com/abhisek/rehearse/internal/server"
	"github.com/abhisek/rehearse/internal/sweep"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the transcript sweep",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.HTTP.Addr = addr
		}
		logger := cfg.NewLogger(os.Stdout)
		gin.SetMode(gin.ReleaseMode)

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m := metrics.New(reg)

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a := buildApp(ctx, cfg, st, m, logger)

		if cfg.Sweep.Enabled {
			sw, err := sweep.New(st.Sessions(), a.ctrl, cfg.Sweep, sweep.WithLogger(logger), sweep.WithMetrics(m))
			if err != nil {
				return err
			}
			sw.Start()
			defer sw.Stop()
		}

		h := server.NewHandlers(a.ctrl, a.selector, a.tracker, version, logger)
		srv := server.New(cfg.HTTP, server.NewRouter(h, reg, logger), logger)
		if err := srv.Run(ctx); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (overrides REHEARSE_HTTP_ADDR)")
}
