package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/remgo/remgo/internal/bus"
	"github.com/remgo/remgo/internal/catalog"
	"github.com/remgo/remgo/internal/config"
	"github.com/remgo/remgo/internal/coordinator"
	"github.com/remgo/remgo/internal/history"
	"github.com/remgo/remgo/internal/metrics"
	"github.com/remgo/remgo/internal/scheduler"
	"github.com/remgo/remgo/internal/server"
	"github.com/remgo/remgo/internal/supervisor"
)

func main() {
	var (
		listen    string
		gpuConfig string
		dataDir   string
		outputs   string
		workerCmd string
		logFile   string
		debug     bool
	)

	flag.StringVar(&listen, "listen", ":8888", "HTTP listen address")
	flag.StringVar(&gpuConfig, "gpu-config", "gpu_config.json", "Path to the GPU configuration file")
	flag.StringVar(&dataDir, "data-dir", ".", "Root directory holding models, styles and presets")
	flag.StringVar(&outputs, "outputs", "outputs", "Directory generated images are written to")
	flag.StringVar(&workerCmd, "worker-cmd", "python python_worker.py", "Worker process command line")
	flag.StringVar(&logFile, "log-file", "", "Optional log file with rotation; stdout is always written")
	flag.BoolVar(&debug, "debug", false, "Enable debug logging")
	flag.Parse()

	log := buildLogger(logFile, debug)
	defer func() { _ = log.Sync() }()

	log.Infow("starting remgo server", "listen", listen, "gpu_config", gpuConfig)

	gpus := config.LoadGPUConfig(gpuConfig, log)
	slots := lo.Map(gpus.GPUs, func(g config.GPU, _ int) scheduler.SlotSpec {
		return scheduler.SlotSpec{Device: g.Device, Name: g.Name, Weight: g.Weight, Port: g.Port}
	})
	if len(slots) == 0 {
		// A disabled or empty config still serves one worker on device 0.
		log.Warn("no gpu slots configured, falling back to a single device 0 slot")
		slots = []scheduler.SlotSpec{{Device: 0, Name: "GPU 0", Weight: 1, Port: 9000}}
	}

	sched := scheduler.New(slots, gpus.Enabled && len(slots) > 1, gpus.Distribute, log)
	b := bus.New(log)
	rec := metrics.NewRecorder(log)

	sup := supervisor.New(supervisor.Config{
		Command: strings.Fields(workerCmd),
	}, func(device int) { sched.MarkUnusable(device) }, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sup.Start(ctx, slots)

	coord := coordinator.New(coordinator.Config{}, sched, sup, b, rec, log)

	srv := server.New(server.Deps{
		Coordinator: coord,
		Scheduler:   sched,
		Bus:         b,
		Catalog: catalog.New(catalog.Paths{
			Checkpoints: []string{filepath.Join(dataDir, "models", "checkpoints")},
			Loras:       []string{filepath.Join(dataDir, "models", "loras")},
			Vaes:        []string{filepath.Join(dataDir, "models", "vae")},
			Styles:      filepath.Join(dataDir, "sdxl_styles"),
			Presets:     filepath.Join(dataDir, "presets"),
		}, log),
		History: history.NewReader(outputs, log),
		Editor: config.NewEditor(
			filepath.Join(dataDir, "user_config.json"),
			filepath.Join(dataDir, "user_config.tutorial.json"),
			log,
		),
		OutputsDir: outputs,
		Log:        log,
	})

	httpServer := &http.Server{
		Addr:              listen,
		Handler:           srv.Engine(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		log.Info("received shutdown signal")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Errorw("http shutdown failed", "err", err)
		}

		coord.Close()
		sup.Shutdown()
		cancel()
	}()

	log.Infow("remgo server ready", "addr", listen, "gpus", len(slots), "multi_gpu", sched.MultiEnabled())
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorw("server stopped with error", "err", err)
		os.Exit(1)
	}
	log.Info("remgo server stopped")
}

// buildLogger writes JSON logs to stdout, and additionally to a rotated
// file when one is configured.
func buildLogger(logFile string, debug bool) *zap.SugaredLogger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	sink := zapcore.AddSync(os.Stdout)
	if logFile != "" {
		rotated := zapcore.AddSync(&lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     28,
		})
		sink = zapcore.NewMultiWriteSyncer(sink, rotated)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return zap.New(core).Sugar()
}
