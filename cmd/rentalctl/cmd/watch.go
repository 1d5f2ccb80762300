package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/gpu-rental/rentalctl/internal/cache"
	"github.com/gpu-rental/rentalctl/internal/i18n"
	"github.com/gpu-rental/rentalctl/internal/service/lifecycle"
	"github.com/gpu-rental/rentalctl/internal/service/rental"
	"github.com/gpu-rental/rentalctl/pkg/models"
)

var watchMetricsAddr string

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch pending and running sessions until interrupted",
	Long: `Poll sessions and GPU listings in the background and print countdown
changes for pending confirmation windows and running session expiry.

Pending sessions that reach the end of their confirmation window are
cancelled when pending.auto_cancel is set. Prometheus metrics are served on
--metrics-addr when it is not empty.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve /metrics on this address (default: metrics.addr)")
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	addr := watchMetricsAddr
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr != "" {
		srv := serveMetrics(addr, a.logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	pollers := []*cache.Poller{
		cache.NewPoller(a.store, cache.KeySessions, cfg.Cache.SessionsPoll),
		cache.NewPoller(a.store, cache.KeyGPUs, cfg.Cache.GPUsPoll),
	}
	for _, p := range pollers {
		p.Start(ctx)
		defer p.Stop()
	}

	watcher := lifecycle.NewWatcher(rental.NewCachedQueries(a.store), a.hub,
		lifecycle.WithLogger(a.logger),
		lifecycle.WithInterval(cfg.Cache.WatcherInterval),
		lifecycle.WithPendingWindow(cfg.Pending.TTL, cfg.Pending.AutoCancel),
		lifecycle.WithThresholds(lifecycle.ExpiryThresholds{
			SafeAbove:     cfg.Expiry.SafeAbove,
			CriticalBelow: cfg.Expiry.CriticalBelow,
		}),
		lifecycle.WithEventHandler(newCountdownPrinter(cmd.OutOrStdout(), a.tr)),
		lifecycle.WithInvalidator(a.store),
	)
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	fmt.Fprintln(cmd.ErrOrStderr(), "Watching sessions. Press Ctrl+C to stop.")
	<-ctx.Done()

	m := watcher.GetMetrics()
	a.logger.Info("watch stopped",
		slog.Int64("ticks", m.Ticks),
		slog.Int64("pending_expired", m.PendingExpired),
		slog.Int64("critical_alerts", m.CriticalAlerts))
	return nil
}

func serveMetrics(addr string, logger *slog.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", addr))
	return srv
}

// countdownPrinter prints a line whenever a session's urgency changes
type countdownPrinter struct {
	out io.Writer
	tr  *i18n.Translator

	mu   sync.Mutex
	last map[string]lifecycle.Urgency
}

func newCountdownPrinter(out io.Writer, tr *i18n.Translator) *countdownPrinter {
	return &countdownPrinter{out: out, tr: tr, last: make(map[string]lifecycle.Urgency)}
}

func (p *countdownPrinter) OnCountdown(c lifecycle.Countdown) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.last[c.SessionID] == c.Urgency {
		return
	}
	p.last[c.SessionID] = c.Urgency

	line := fmt.Sprintf("%s %s %s", c.SessionID, c.State, formatRemaining(c.Remaining))
	if msg := p.message(c); msg != "" {
		line += "  " + msg
	}
	fmt.Fprintln(p.out, line)
}

func (p *countdownPrinter) message(c lifecycle.Countdown) string {
	left := formatRemaining(c.Remaining)
	switch {
	case c.State == models.StatePending:
		return p.tr.T(i18n.MsgPendingCountdown, left)
	case c.Urgency == lifecycle.UrgencyCritical:
		return p.tr.T(i18n.MsgExpiryCritical, left)
	case c.Urgency == lifecycle.UrgencyWarning:
		return p.tr.T(i18n.MsgExpiryWarning, left)
	default:
		return ""
	}
}

func (p *countdownPrinter) OnPendingExpired(session models.RentalSession) {
	fmt.Fprintf(p.out, "%s %s\n", session.ID, p.tr.T(i18n.MsgPendingExpired))
}

func (p *countdownPrinter) OnExpiryCritical(session models.RentalSession, remaining time.Duration) {
	fmt.Fprintf(p.out, "%s %s\n", session.ID, p.tr.T(i18n.MsgExpiryCritical, formatRemaining(remaining)))
}
