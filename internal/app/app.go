// Package app wires configuration, storage, the monitoring facade and the
// HTTP server into one runnable unit.
package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"renderwatch/internal/alerting"
	"renderwatch/internal/config"
	"renderwatch/internal/diagnostics"
	"renderwatch/internal/metrics"
	"renderwatch/internal/models"
	"renderwatch/internal/monitor"
	"renderwatch/internal/perfmon"
	"renderwatch/internal/retention"
	"renderwatch/internal/store"
	"renderwatch/internal/web"
)

type App struct {
	cfg config.Config
	log *slog.Logger

	store     *store.Store
	monitor   *monitor.Monitor
	retention *retention.Service
	web       *web.Server

	httpSrv *http.Server
}

func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(); err != nil {
		_ = st.Close()
		return nil, err
	}

	rules, err := st.ListRules(context.Background())
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	perf := perfmon.New(cfg.AssumedConversionConcurrency, logger.With("module", "perfmon"))
	capture := diagnostics.New(diagnostics.Config{
		MaxLogEntries:      cfg.DiagMaxLogEntries,
		MaxScreenshotBytes: cfg.DiagMaxScreenshotKB * 1024,
		PerfEntryLimit:     cfg.DiagPerfEntryLimit,
		Performance:        perf,
		Forwarder:          diagnostics.NewForwarder(cfg.MonitoringEndpoint, cfg.MonitoringAPIKey),
	}, logger.With("module", "diagnostics"))

	// Downstream modules log through the capture tee, so their warnings and
	// errors show up in diagnostic reports as console entries.
	teed := slog.New(capture.Handler(logger.Handler()))

	alerts := alerting.New(rules, defaultChannels(cfg), st, teed.With("module", "alerting"))
	collector := metrics.NewCollector(teed.With("module", "metrics"))

	mon := monitor.New(monitor.Config{
		MemorySampleInterval: cfg.MemorySampleInterval,
		AlertInterval:        cfg.AlertInterval,
	}, collector, capture, perf, alerts, st, teed.With("module", "monitor"))

	app := &App{
		cfg:       cfg,
		log:       logger,
		store:     st,
		monitor:   mon,
		retention: retention.NewService(st, []retention.Sweeper{collector, perf}, cfg.RetentionDays, logger.With("module", "retention")),
		web:       web.NewServer(mon, cfg.RateLimitRPS, cfg.RateLimitBurst, teed.With("module", "web")),
	}
	app.httpSrv = &http.Server{Addr: cfg.Addr, Handler: app.web.Routes()}
	return app, nil
}

func (a *App) Run(ctx context.Context) error {
	go func() {
		a.log.Info("http server listening", "addr", a.cfg.Addr)
		if err := a.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.log.Error("http server failed", "err", err)
		}
	}()

	a.monitor.Start(ctx)

	retentionTicker := time.NewTicker(6 * time.Hour)
	defer retentionTicker.Stop()

	// Immediate first sweep so a restart after downtime catches up.
	a.retention.Run(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = a.httpSrv.Shutdown(context.Background())
			a.monitor.Shutdown()
			return a.store.Close()
		case <-retentionTicker.C:
			a.retention.Run(ctx)
		}
	}
}

// defaultChannels builds the notification fan-out from the environment. The
// console channel is always present; the rest appear only when configured.
func defaultChannels(cfg config.Config) []models.ChannelConfig {
	channels := []models.ChannelConfig{
		{Name: "console", Type: "console", Enabled: true},
	}
	if cfg.EmailAPIURL != "" {
		channels = append(channels, models.ChannelConfig{
			Name: "email", Type: "email", Enabled: true,
			SeverityFilter: []models.Severity{models.SeverityHigh, models.SeverityCritical},
			Config: map[string]string{
				"api_url": cfg.EmailAPIURL,
				"api_key": cfg.EmailAPIKey,
				"from":    cfg.EmailFrom,
				"to":      cfg.EmailTo,
			},
		})
	}
	if cfg.SlackWebhookURL != "" {
		channels = append(channels, models.ChannelConfig{
			Name: "slack", Type: "slack", Enabled: true,
			Config: map[string]string{"webhook_url": cfg.SlackWebhookURL},
		})
	}
	if cfg.AlertWebhookURL != "" {
		channels = append(channels, models.ChannelConfig{
			Name: "webhook", Type: "webhook", Enabled: true,
			Config: map[string]string{"url": cfg.AlertWebhookURL},
		})
	}
	return channels
}
