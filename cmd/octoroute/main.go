package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/user/octoroute/internal/api"
	"github.com/user/octoroute/internal/config"
	"github.com/user/octoroute/internal/metrics"
	"github.com/user/octoroute/internal/models"
	"github.com/user/octoroute/internal/service"
	"github.com/user/octoroute/internal/storage"
	"github.com/user/octoroute/internal/version"
)

func main() {
	configPath := flag.String("config", "octoroute.toml", "path to the TOML configuration file")
	initConfig := flag.Bool("init", false, "write a starter configuration file and exit")
	showVersion := flag.Bool("version", false, "print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.Info())
		os.Exit(0)
	}
	if *initConfig {
		if err := config.WriteTemplate(*configPath); err != nil {
			log.Fatalf("init: %v", err)
		}
		fmt.Printf("wrote %s\n", *configPath)
		os.Exit(0)
	}

	if err := run(*configPath); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg.Observability.LogLevel, getLogDir(), cfg.Observability.LogRotation)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	logger.Info("starting octoroute",
		zap.String("version", version.Short()),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("strategy", cfg.Routing.Strategy),
	)

	var m *metrics.Metrics
	if cfg.Observability.MetricsEnabled {
		m = metrics.New()
	}

	// Optional request audit log.
	var logRepo *storage.RequestLogRepository
	if cfg.Storage.RequestLogPath != "" {
		db, err := storage.Open(cfg.Storage.RequestLogPath)
		if err != nil {
			return fmt.Errorf("init storage: %w", err)
		}
		defer db.Close()
		logRepo = storage.NewRequestLogRepository(db, logger)
		logger.Info("request audit log enabled", zap.String("path", cfg.Storage.RequestLogPath))
	}

	// Health tracking over every configured endpoint, with the background
	// prober.
	all := make([]models.ModelEndpoint, 0, len(cfg.Models.Fast)+len(cfg.Models.Balanced)+len(cfg.Models.Deep))
	all = append(all, cfg.Models.Fast...)
	all = append(all, cfg.Models.Balanced...)
	all = append(all, cfg.Models.Deep...)
	tracker := service.NewHealthTracker(all, logger, m)
	proberCtx, proberCancel := context.WithCancel(context.Background())
	defer proberCancel()
	tracker.Start(proberCtx)
	defer tracker.Stop()

	selector := service.NewModelSelector(cfg, tracker, logger)
	upstream := service.NewUpstreamClient(logger)

	engine, err := service.NewRoutingEngine(cfg, selector, upstream, m, logger)
	if err != nil {
		return fmt.Errorf("init routing: %w", err)
	}
	dispatcher := service.NewDispatcher(cfg, selector, upstream, m, logger)

	server := api.NewServer(api.ServerDeps{
		Config:     cfg,
		Engine:     engine,
		Dispatcher: dispatcher,
		Health:     tracker,
		Metrics:    m,
		LogRepo:    logRepo,
		Logger:     logger,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // streaming responses need a long write timeout
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()
	logger.Info("server started", zap.String("addr", addr))

	// Metrics on its own listener so scrapes never contend with the proxy.
	var metricsServer *http.Server
	if cfg.Observability.MetricsEnabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Observability.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", m.Handler())
		metricsServer = &http.Server{Addr: metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		logger.Info("metrics server started", zap.String("addr", metricsAddr))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}

func newLogger(level string, logDir string, rotation config.LogRotationConfig) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug", "DEBUG":
		zapLevel = zap.DebugLevel
	case "warn", "WARN":
		zapLevel = zap.WarnLevel
	case "error", "ERROR":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("create log dir %s: %w", logDir, err)
	}

	lj := &lumberjack.Logger{
		Filename:   filepath.Join(logDir, "octoroute.log"),
		MaxSize:    rotation.MaxSizeMB,
		MaxBackups: rotation.MaxBackups,
		MaxAge:     rotation.MaxAgeDays,
		Compress:   rotation.Compress,
	}

	// File core: JSON encoder for structured log parsing
	fileEncoderCfg := zap.NewProductionEncoderConfig()
	fileEncoderCfg.TimeKey = "ts"
	fileEncoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	fileCore := zapcore.NewCore(
		zapcore.NewJSONEncoder(fileEncoderCfg),
		zapcore.AddSync(lj),
		zapLevel,
	)

	// Console core: human-readable output to stdout/stderr
	consoleEncoderCfg := zap.NewDevelopmentEncoderConfig()
	consoleEncoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	consoleEncoderCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	consoleEncoder := zapcore.NewConsoleEncoder(consoleEncoderCfg)

	// stdout for DEBUG/INFO, stderr for WARN/ERROR+
	stdoutCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stdout),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l < zapcore.WarnLevel
		}),
	)
	stderrCore := zapcore.NewCore(
		consoleEncoder,
		zapcore.Lock(os.Stderr),
		zap.LevelEnablerFunc(func(l zapcore.Level) bool {
			return l >= zapLevel && l >= zapcore.WarnLevel
		}),
	)

	core := zapcore.NewTee(fileCore, stdoutCore, stderrCore)

	return zap.New(core,
		zap.AddCaller(),
		zap.AddStacktrace(zap.ErrorLevel),
	), nil
}

func getLogDir() string {
	if dir := os.Getenv("OCTOROUTE_LOGS_DIR"); dir != "" {
		return dir
	}
	return "logs"
}
