// Command gateway runs the aquagate edge service: it polls Modbus device
// families on a fixed cadence, publishes telemetry to MQTT, appends local
// NDJSON logs, evaluates alarms, and serves the read/control HTTP API.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/mokuloa/aquagate/internal/alarm"
	"github.com/mokuloa/aquagate/internal/api"
	"github.com/mokuloa/aquagate/internal/config"
	"github.com/mokuloa/aquagate/internal/family"
	"github.com/mokuloa/aquagate/internal/livecache"
	"github.com/mokuloa/aquagate/internal/metrics"
	"github.com/mokuloa/aquagate/internal/modbus"
	"github.com/mokuloa/aquagate/internal/notify"
	"github.com/mokuloa/aquagate/internal/poller"
	"github.com/mokuloa/aquagate/internal/publish"
	"github.com/mokuloa/aquagate/internal/tlog"
)

func main() {
	// .env is optional; real deployments set AQG_* in the unit file.
	_ = godotenv.Load()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("AQG_CONFIG_FILE"))
	if err != nil {
		logger.Error("[Main] invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Info("[Main] starting aquagate", "site", cfg.SiteID, "config_dir", cfg.ConfigDir)

	m := metrics.New()

	loader := family.NewLoader(cfg.ConfigDir, cfg.EnableFilterFamilies, logger)
	if err := loader.Reload(); err != nil {
		logger.Error("[Main] initial configuration load failed", "error", err)
		os.Exit(1)
	}

	pool := modbus.NewPool(logger)

	cache := livecache.New()

	writer := tlog.NewWriter(cfg.LogDir, cfg.ConfigDir, cfg.SiteID, cfg.LogMinInterval(), logger)

	broker, err := publish.NewMQTTBroker(cfg.Broker, "aquagate-"+cfg.SiteID, logger)
	if err != nil {
		logger.Error("[Main] broker connection failed", "error", err)
		os.Exit(1)
	}
	publisher := publish.NewPublisher(broker, cfg.SiteNamespace, 1, false, logger)

	var notifier alarm.Notifier
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL)
	}
	engine, err := alarm.NewEngine(filepath.Join(cfg.ConfigDir, "alarmSettings.json"), cfg.ConnectivityAlarm(), notifier, logger)
	if err != nil {
		logger.Error("[Main] alarm engine init failed", "error", err)
		os.Exit(1)
	}
	engine.OnEvent = func(kind string) { m.AlarmEvents.WithLabelValues(kind).Inc() }

	hub := api.NewHub(logger)

	p := poller.New(poller.Options{
		SiteID:      cfg.SiteID,
		Interval:    cfg.PollInterval(),
		Concurrency: cfg.PollConcurrency,
		ReloadEvery: cfg.ReloadInterval(),
	}, loader, pool, cache, publisher, writer, engine, m, logger)
	p.OnFrame = hub.BroadcastFrame

	server := api.NewServer(api.Options{
		Host:        cfg.APIHost,
		Port:        cfg.APIPort,
		SiteID:      cfg.SiteID,
		DisableHSTS: cfg.DisableHSTS,
	}, cache, loader, engine, tlog.NewReader(cfg.LogDir), p, broker, hub, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		p.Run(ctx)
	}()

	if err := server.Start(ctx); err != nil {
		logger.Error("[Main] api server failed", "error", err)
		stop()
		wg.Wait()
		os.Exit(1)
	}

	// Shutdown order: the poller finishes its in-flight tick above, then the
	// writer drains its queue and the broker disconnects.
	wg.Wait()
	writer.Close()
	broker.Close()
	pool.Close()
	logger.Info("[Main] shutdown complete")
}
