// Package app wires the engine's components together for the CLI and any
// embedding process.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lcrawford/membank/internal/config"
	"github.com/lcrawford/membank/internal/lifecycle"
	"github.com/lcrawford/membank/internal/lock"
	"github.com/lcrawford/membank/internal/logging"
	"github.com/lcrawford/membank/internal/memory"
	"github.com/lcrawford/membank/internal/notify"
	"github.com/lcrawford/membank/internal/quota"
	"github.com/lcrawford/membank/internal/resolve"
	"github.com/lcrawford/membank/internal/storage"
)

// App holds the assembled components. Everything reads configuration once at
// startup; scope (org, project) can still be overridden per command.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *storage.DB

	Records  *memory.Service
	Locks    *lock.Manager
	Quota    *quota.Tracker
	Runner   *lifecycle.Runner
	Resolver *resolve.Resolver

	Ctx    context.Context
	Cancel context.CancelFunc
}

// NewApp loads configuration, opens the store, and wires every component.
func NewApp() (*App, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = filepath.Join(cfg.DataDir, "logs", fmt.Sprintf("membank-%s.log", time.Now().Format("2006-01-02")))
	} else if !filepath.IsAbs(logFile) {
		logFile = filepath.Join(cfg.DataDir, logFile)
	}
	if err := os.MkdirAll(filepath.Dir(logFile), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, logFile)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		logger.Error("Failed to open database", zap.Error(err))
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	records := memory.NewService(db, logger)

	tracker, err := quota.NewTracker(db, quota.StaticPlans{
		Soft: cfg.SoftLimitPerProject,
		Hard: cfg.HardLimitOrg,
	}, logger)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	records.SetCreateGate(tracker)
	records.SetNotifier(notify.NewLogNotifier(logger))
	records.SetDedupChecker(notify.NopDedup{})

	locks := lock.NewManager(db, logger)

	ctx, cancel := context.WithCancel(context.Background())

	return &App{
		Config:   cfg,
		Logger:   logger,
		DB:       db,
		Records:  records,
		Locks:    locks,
		Quota:    tracker,
		Runner:   lifecycle.NewRunner(records, locks, logger),
		Resolver: resolve.NewResolver(records, logger),
		Ctx:      ctx,
		Cancel:   cancel,
	}, nil
}

// Close flushes background work and releases resources.
func (a *App) Close() {
	if a.Cancel != nil {
		a.Cancel()
	}

	if a.Records != nil {
		a.Records.Wait()
	}
	if a.Quota != nil {
		a.Quota.Close()
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error("Failed to close database connection", zap.Error(err))
		}
	}
	if a.Logger != nil {
		if err := a.Logger.Sync(); err != nil {
			if !strings.Contains(err.Error(), "sync /dev/stderr: invalid argument") &&
				!strings.Contains(err.Error(), "sync /dev/stderr: inappropriate ioctl for device") {
				fmt.Fprintf(os.Stderr, "Error syncing logger: %v\n", err)
			}
		}
	}
}

// ContextWithLogger returns a context carrying the application's logger.
func (a *App) ContextWithLogger(ctx context.Context) context.Context {
	return logging.ContextWithLogger(ctx, a.Logger)
}

// LoggerFromContext retrieves the logger from the context, falling back to
// the application logger.
func (a *App) LoggerFromContext(ctx context.Context) *zap.Logger {
	if logger, ok := logging.LoggerFromContext(ctx); ok {
		return logger
	}
	return a.Logger
}
