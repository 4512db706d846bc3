// main.go - Entry point and dependency injection
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"github.com/sstent/steptrack-go/internal/checkpoint"
	"github.com/sstent/steptrack-go/internal/config"
	"github.com/sstent/steptrack-go/internal/database"
	"github.com/sstent/steptrack-go/internal/device"
	"github.com/sstent/steptrack-go/internal/export"
	"github.com/sstent/steptrack-go/internal/logging"
	"github.com/sstent/steptrack-go/internal/models"
	"github.com/sstent/steptrack-go/internal/pedometer"
	"github.com/sstent/steptrack-go/internal/relay"
	"github.com/sstent/steptrack-go/internal/session"
	"github.com/sstent/steptrack-go/internal/startup"
	"github.com/sstent/steptrack-go/internal/telemetry"
	"github.com/sstent/steptrack-go/internal/tracker"
	"github.com/sstent/steptrack-go/internal/web"
)

type App struct {
	cfg    config.Config
	logger *slog.Logger

	db       *database.Store
	device   *device.Replay
	bridge   *pedometer.Bridge
	machine  *session.Machine
	tracker  *tracker.Orchestrator
	gate     *startup.Gate
	relay    *relay.Relay
	keeper   *checkpoint.Keeper
	cron     *cron.Cron
	server   *http.Server
	shutdown chan os.Signal

	metricsShutdown telemetry.Shutdown
	cancel          context.CancelFunc
	wg              sync.WaitGroup
}

func main() {
	// Load environment variables from .env file
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)
	if envErr != nil {
		logger.Debug("no .env file found, using system environment variables")
	}

	app := &App{
		cfg:      cfg,
		logger:   logger,
		shutdown: make(chan os.Signal, 1),
	}

	if err := app.init(context.Background()); err != nil {
		logger.Error("failed to initialize app", "error", err)
		os.Exit(1)
	}

	app.start()

	// Wait for shutdown signal
	signal.Notify(app.shutdown, os.Interrupt, syscall.SIGTERM)
	<-app.shutdown

	app.stop()
}

func (app *App) init(ctx context.Context) error {
	cfg := app.cfg
	if cfg.ReplayFile == "" {
		return errors.New("STEPTRACK_REPLAY_FILE is required: it is the track the simulated sensors play back")
	}

	var err error
	app.metricsShutdown, err = telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName)
	if err != nil {
		return err
	}
	inst := telemetry.NewInstruments(telemetry.Meter(cfg.ServiceName))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	app.db, err = database.Open(cfg.DBPath, cfg.StoreName)
	if err != nil {
		return err
	}

	devCfg := device.DefaultConfig()
	devCfg.Speed = cfg.ReplaySpeed
	devCfg.StrideMeters = cfg.StrideMeters
	devCfg.CaloriesPerStep = cfg.CaloriesPerStep
	app.device, err = device.Load(cfg.ReplayFile, devCfg, app.logger)
	if err != nil {
		return fmt.Errorf("failed to load replay track: %w", err)
	}

	app.bridge = pedometer.New(app.device, pedometer.Config{
		CaloriesPerStep:  cfg.CaloriesPerStep,
		ThrottleInterval: cfg.StepThrottle,
		CacheSize:        cfg.HistoryCacheSize,
		CacheTTL:         cfg.HistoryCacheTTL,
	}, app.logger, pedometer.WithInstruments(inst))

	machineOpts := []session.Option{
		session.WithCaloriesPerStep(cfg.CaloriesPerStep),
		session.WithInstruments(inst),
	}
	if cfg.ExportDir != "" {
		machineOpts = append(machineOpts, session.WithFinalizeHook(app.exportSession))
	}
	app.machine = session.New(app.db, app.logger, machineOpts...)

	app.tracker = tracker.New(app.machine, app.bridge, app.device, app.device, tracker.Config{
		LocationInterval:  cfg.LocationInterval,
		LocationDistanceM: cfg.LocationDistanceM,
		ForwardThrottle:   cfg.LocationThrottle,
		PollInterval:      cfg.StepPollInterval,
	}, app.logger, tracker.WithInstruments(inst))

	app.gate = startup.New(app.device, app.logger)
	app.relay = relay.New(app.machine, app.logger, inst)
	app.keeper = checkpoint.New(app.db, app.machine, app.tracker, app.logger)

	app.cron = cron.New(cron.WithLogger(logging.CronLogger{Logger: app.logger}), cron.WithChain(
		cron.Recover(logging.CronLogger{Logger: app.logger}),
		cron.SkipIfStillRunning(logging.CronLogger{Logger: app.logger}),
	))
	if _, err := app.cron.AddFunc(cfg.CheckpointSchedule, app.keeper.Run); err != nil {
		return fmt.Errorf("invalid checkpoint schedule %q: %w", cfg.CheckpointSchedule, err)
	}

	handler := web.NewWebHandler(app.db, app.gate, app.tracker, app.machine, app.bridge, app.logger)
	app.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           web.NewRouter(handler),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func (app *App) start() {
	ctx, cancel := context.WithCancel(context.Background())
	app.cancel = cancel

	app.wg.Add(2)
	go func() {
		defer app.wg.Done()
		app.relay.Run(ctx, app.device.Batches())
	}()
	go func() {
		defer app.wg.Done()
		if err := app.device.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			app.logger.Error("replay stopped", "error", err)
		}
	}()

	if err := app.bridge.Initialize(ctx); err != nil {
		app.logger.Error("step counter unavailable", "error", err)
	}
	status := app.gate.Initialize(ctx)
	if status.Error != "" {
		app.logger.Warn("sensors not ready", "error", status.Error)
	}
	app.keeper.Restore(ctx, status)

	app.cron.Start()

	go func() {
		app.logger.Info("server starting", "addr", app.cfg.HTTPAddr)
		if err := app.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			app.logger.Error("server error", "error", err)
		}
	}()
}

func (app *App) exportSession(s models.StepSession) {
	path, err := export.WriteFile(app.cfg.ExportDir, s)
	if err != nil {
		app.logger.Error("FIT export failed", "session", s.ID, "error", err)
		return
	}
	app.logger.Info("session exported", "session", s.ID, "path", path)
}

func (app *App) stop() {
	app.logger.Info("shutting down")

	<-app.cron.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.server.Shutdown(ctx); err != nil {
		app.logger.Error("server shutdown error", "error", err)
	}

	app.cancel()
	app.wg.Wait()
	app.bridge.Cleanup()

	// An active session survives the restart through its checkpoint.
	app.keeper.Run()

	if err := app.metricsShutdown(ctx); err != nil {
		app.logger.Error("metrics shutdown error", "error", err)
	}
	if app.db != nil {
		app.db.Close()
	}

	app.logger.Info("shutdown complete")
}
