package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Hakibbumbus/transitapp/internal/config"
	"github.com/Hakibbumbus/transitapp/internal/history"
	"github.com/Hakibbumbus/transitapp/internal/hub"
	"github.com/Hakibbumbus/transitapp/internal/logging"
	"github.com/Hakibbumbus/transitapp/internal/monitor"
	intOtel "github.com/Hakibbumbus/transitapp/internal/otel"
	"github.com/Hakibbumbus/transitapp/internal/persist"
	"github.com/Hakibbumbus/transitapp/internal/routing"
	"github.com/Hakibbumbus/transitapp/internal/server"
	"github.com/Hakibbumbus/transitapp/internal/sim"
	"github.com/Hakibbumbus/transitapp/internal/store"
	"github.com/Hakibbumbus/transitapp/internal/telemetry"
	"github.com/Hakibbumbus/transitapp/pkg/core"
)

func run() error {
	if err := config.Load(viper.GetString("configDir")); err != nil {
		return err
	}

	sessionStart := time.Now()

	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("creating logs dir: %w", err)
	}

	logFile, err := os.Create(logging.LogFilePath(logsDir, "transitd", sessionStart))
	if err != nil {
		return fmt.Errorf("creating log file: %w", err)
	}
	defer logFile.Close()

	// OTel log pipeline, feeding the otelslog handler below.
	var otelProvider *intOtel.Provider
	{
		cfg := intOtel.Config{
			Enabled:      viper.GetBool("otel.enabled"),
			ServiceName:  viper.GetString("otel.serviceName"),
			BatchTimeout: 10 * time.Second,
			Endpoint:     viper.GetString("otel.endpoint"),
			Insecure:     viper.GetBool("otel.insecure"),
		}
		if cfg.Enabled {
			otelFile, err := os.Create(filepath.Join(logsDir,
				fmt.Sprintf("transitd.%s.otel.jsonl", sessionStart.Format("20060102_150405"))))
			if err != nil {
				return fmt.Errorf("creating otel log file: %w", err)
			}
			defer otelFile.Close()
			cfg.LogWriter = otelFile
		}
		otelProvider, err = intOtel.New(cfg)
		if err != nil {
			return fmt.Errorf("initializing otel: %w", err)
		}
	}

	logOpts := logging.Options{
		Level:    viper.GetString("logLevel"),
		File:     logFile,
		Provider: otelProvider.LoggerProvider(),
	}
	if viper.GetBool("graylog.enabled") {
		gelfWriter, err := logging.NewGraylogWriter(viper.GetString("graylog.address"), "transitd")
		if err != nil {
			return fmt.Errorf("connecting graylog: %w", err)
		}
		logOpts.Graylog = gelfWriter
	}

	logManager := logging.NewManager()
	logManager.Setup(logOpts)
	logger := logManager.Logger()
	logger.Info("transitd starting", "version", BuildVersion)

	// Fleet state: load the file once, then memory is authoritative.
	fleet := store.New()
	dataFile := viper.GetString("data.file")
	vehicles, err := persist.Load(dataFile)
	if err != nil {
		return fmt.Errorf("loading state file: %w", err)
	}
	fleet.Replace(vehicles)
	logger.Info("fleet loaded", "vehicles", fleet.Len(), "file", dataFile)

	saver := persist.New(fleet, dataFile, logger)

	observers := hub.New(fleet, logger)

	provider := routing.NewClient(
		viper.GetString("routing.routeUrl"),
		viper.GetString("routing.geocodeUrl"),
		viper.GetDuration("routing.timeout"),
	)

	zlog := zerolog.New(os.Stdout).With().Timestamp().Logger()

	// Optional trip history archive.
	var recorder *history.Recorder
	var historyDB *history.Manager
	if viper.GetBool("history.enabled") {
		historyDB = history.NewManager(zlog)
		if err := historyDB.Connect(); err != nil {
			return fmt.Errorf("connecting history database: %w", err)
		}
		if err := historyDB.Setup(); err != nil {
			return fmt.Errorf("migrating history database: %w", err)
		}
		recorder = history.NewRecorder(historyDB, zlog, viper.GetDuration("history.flushInterval"))
	}

	// Optional Influx position telemetry.
	var influx *telemetry.Manager
	if viper.GetBool("influx.enabled") {
		influx = telemetry.NewManager(zlog, filepath.Join(logsDir, "telemetry_backup.gz"))
		if err := influx.Connect(); err != nil {
			logger.Warn("influx telemetry disabled", "error", err)
			influx = nil
		}
	}

	simulator, err := sim.NewManager(
		fleet,
		provider,
		observers,
		saver,
		tickSink(influx, recorder),
		logger,
		sim.Options{
			TickInterval:    viper.GetDuration("sim.tickInterval"),
			FlushEveryTicks: viper.GetInt("sim.flushEveryTicks"),
		},
	)
	if err != nil {
		return fmt.Errorf("initializing simulator: %w", err)
	}

	svc := server.NewService(server.Dependencies{
		Store:    fleet,
		Sim:      simulator,
		Hub:      observers,
		Saver:    saver,
		Provider: provider,
		History:  historyRecorder(recorder),
		Logger:   logger,
	})
	observers.SetReportHandler(svc.HandleLocationReport)

	router := server.NewRouter(svc, observers.ServeWS)
	httpServer := server.NewServer(viper.GetString("server.listen"), router, logger)

	statusMonitor := monitor.NewService(monitor.Dependencies{
		Logger:  logger,
		Fleet:   fleet.Len,
		Tasks:   simulator.ActiveTasks,
		Clients: observers.ClientCount,
		Pending: pendingFunc(recorder),
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		observers.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return httpServer.Start(ctx)
	})
	if recorder != nil {
		g.Go(func() error {
			recorder.Run()
			return nil
		})
	}

	statusMonitor.Start()

	// Resume trips that were in flight when the process last stopped.
	resumed := 0
	for _, v := range fleet.List() {
		if !v.CanSimulate() {
			continue
		}
		if err := simulator.Start(ctx, v.ID); err != nil {
			logger.Warn("trip not resumed", "id", v.ID, "error", err)
			continue
		}
		resumed++
	}
	if resumed > 0 {
		logger.Info("trips resumed", "count", resumed)
	}

	err = g.Wait()

	logger.Info("shutting down")
	statusMonitor.Stop()
	simulator.StopAll()
	if recorder != nil {
		recorder.Stop()
	}

	// Final save so the state file reflects the last ticks.
	saver.RequestSave()
	saver.Wait()

	if influx != nil {
		influx.Close()
	}
	if historyDB != nil {
		if cerr := historyDB.Close(); cerr != nil {
			logger.Warn("closing history database", "error", cerr)
		}
	}

	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ferr := logManager.Flush(flushCtx); ferr != nil {
		logger.Warn("flushing logs", "error", ferr)
	}
	if serr := otelProvider.Shutdown(flushCtx); serr != nil {
		logger.Warn("shutting down otel", "error", serr)
	}

	logger.Info("transitd stopped")
	return err
}

// tickSink fans per-tick samples out to Influx and the history archive.
// Returns nil when neither is configured so the simulator skips the hook
// entirely.
func tickSink(influx *telemetry.Manager, recorder *history.Recorder) sim.Telemetry {
	switch {
	case influx != nil && recorder != nil:
		return tickFanout{influx, recorder}
	case influx != nil:
		return influx
	case recorder != nil:
		return tickRecorder{recorder}
	default:
		return nil
	}
}

type tickFanout struct {
	influx   *telemetry.Manager
	recorder *history.Recorder
}

func (t tickFanout) WritePosition(v core.Vehicle) {
	t.influx.WritePosition(v)
	t.recorder.Record(v, "tick")
}

type tickRecorder struct {
	recorder *history.Recorder
}

func (t tickRecorder) WritePosition(v core.Vehicle) {
	t.recorder.Record(v, "tick")
}

// historyRecorder avoids handing the service a typed nil interface.
func historyRecorder(r *history.Recorder) server.Recorder {
	if r == nil {
		return nil
	}
	return r
}

func pendingFunc(r *history.Recorder) func() int {
	if r == nil {
		return nil
	}
	return r.Pending
}
