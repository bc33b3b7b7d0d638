package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"wattboard/internal/alerts"
	"wattboard/internal/config"
	"wattboard/internal/dispatch"
	"wattboard/internal/engine"
	"wattboard/internal/intake"
	"wattboard/internal/logger"
	"wattboard/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	importPath := flag.String("import", "", "bulk-import samples from a CSV file, then exit")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else {
		cfg = config.Default()
	}
	if err != nil {
		logger.Init("info")
		l := logger.WithComponent("main")
		l.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Init("info")
		l := logger.WithComponent("main")
		l.Fatal().Err(err).Msg("invalid config")
	}

	logger.Init(cfg.Logging.Level)
	log := logger.WithComponent("main")
	log.Info().Str("config", *configPath).Bool("demo_mode", cfg.Intake.DemoMode).Msg("wattboard starting")

	store, err := storage.New(cfg.Storage.DBPath, cfg.Storage.MaxLateness)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}
	defer store.Close()

	queue, err := dispatch.New(cfg.Dispatch, func(firingID string, err error) {
		if firingID == "" {
			return
		}
		if serr := store.SetFiringStatus(firingID, "dispatch_failed"); serr != nil {
			log.Error().Err(serr).Str("firing_id", firingID).Msg("failed to mark firing as failed")
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start dispatch queue")
	}

	alertEngine := alerts.New(alerts.Config{MinRefireInterval: cfg.Alerts.MinRefireInterval}, store, queue)
	if err := alertEngine.Load(); err != nil {
		log.Fatal().Err(err).Msg("failed to load alerts")
	}

	eng := engine.New(*cfg, store, alertEngine, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to start engine")
	}

	// Bulk import runs one shot through the live pipeline, then exits:
	// imported rows get the same baseline/detector/alert treatment as
	// streamed ones.
	if *importPath != "" {
		runImport(ctx, log, cfg, eng, queue, *importPath)
		return
	}

	// Same submit path for all sources; stored state never depends on
	// where a sample came from.
	var mqttSource *intake.MQTTSource
	if cfg.Intake.DemoMode {
		for _, d := range intake.DefaultDemoDevices() {
			if err := store.RegisterDevice(d.DeviceID, "demo-site", d.DeviceID, d.Unit); err != nil {
				log.Error().Err(err).Str("device_id", d.DeviceID).Msg("failed to register demo device")
			}
		}
		gen := intake.NewDemoGenerator(intake.DefaultDemoDevices(), cfg.Intake.DemoInterval, 1, eng.Submit)
		go gen.Run(ctx)
	} else {
		mqttSource = intake.NewMQTTSource(cfg.Intake.MQTT, eng.Submit)
		if err := mqttSource.Start(); err != nil {
			log.Fatal().Err(err).Msg("failed to start mqtt intake")
		}
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.Info().Str("signal", s.String()).Msg("shutting down")

	// Stop intake first, then drain the pipeline, then the dispatch
	// queue once nothing can produce new firings.
	cancel()
	if mqttSource != nil {
		mqttSource.Stop()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine shutdown incomplete")
	}
	if err := queue.Close(); err != nil {
		log.Error().Err(err).Msg("dispatch queue close failed")
	}
	log.Info().Msg("wattboard stopped")
}

// runImport replays one CSV file through the engine and drains it. An
// interrupt aborts the import; rows submitted before the abort stay.
func runImport(ctx context.Context, log zerolog.Logger, cfg *config.Config, eng *engine.Engine, queue *dispatch.Queue, path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("failed to open import file")
	}
	defer f.Close()

	importCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	importer := intake.NewImporter(eng.Submit, cfg.Intake.ImportRatePerSec)
	res, err := importer.Import(importCtx, f)
	if err != nil {
		log.Error().Err(err).Int("imported", res.Imported).Int("skipped", res.Skipped).
			Msg("csv import incomplete")
	} else {
		log.Info().Int("imported", res.Imported).Int("skipped", res.Skipped).
			Str("path", path).Msg("csv import complete")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("engine shutdown incomplete")
	}
	if err := queue.Close(); err != nil {
		log.Error().Err(err).Msg("dispatch queue close failed")
	}
}
