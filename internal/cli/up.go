package cli

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/borud/tunneler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Open every tunnel and keep them open until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		s, logger, err := loadSettings(cmd)
		if err != nil {
			return err
		}

		path, err := s.ResolveTunnelsFile(tunnelsFile)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		opts := s.Options(logger)
		if s.MetricsAddr != "" {
			metrics, shutdown, err := serveMetrics(s.MetricsAddr, logger)
			if err != nil {
				return err
			}
			defer shutdown()
			opts = append(opts, tunneler.WithMetrics(metrics))
		}

		t, err := tunneler.NewFromFile(path, opts...)
		if err != nil {
			return err
		}

		if err := t.Open(ctx); err != nil {
			// partially open tunnels are worse than none
			t.Close()
			return err
		}

		logger.Info("tunnels open, interrupt to close", "file", path)
		<-ctx.Done()

		logger.Info("closing tunnels")
		if err := t.Close(); err != nil {
			logger.Warn("some tunnels did not close cleanly", "err", err)
		}
		return nil
	},
}

// serveMetrics exposes tunnel metrics on addr under /metrics.
func serveMetrics(addr string, logger *slog.Logger) (*tunneler.Metrics, func(), error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := tunneler.NewMetrics(reg)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("metrics server starting", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "err", err)
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
	return metrics, shutdown, nil
}
