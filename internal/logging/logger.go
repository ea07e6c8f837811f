// Package logging provides config-driven categorized logging for conclave.
// Every category is a named child of one zap base logger; disabled categories
// resolve to a no-op logger so call sites never need to check.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot     Category = "boot"     // Boot/initialization
	CategoryAPI      Category = "api"      // Outbound backend HTTP calls
	CategoryProvider Category = "provider" // Provider invocation and scheduling
	CategoryPipeline Category = "pipeline" // Run and stage lifecycle
	CategoryCoalesce Category = "coalesce" // Leader election, negative cache
	CategoryStream   Category = "stream"   // Event topics and subscribers
	CategoryStore    Category = "store"    // Run persistence
	CategoryServer   Category = "server"   // HTTP/WebSocket transport
	CategoryConfig   Category = "config"   // Config load and hot reload
	CategoryUsage    Category = "usage"    // Token accounting
)

// AllCategories lists every known category in a stable order.
var AllCategories = []Category{
	CategoryBoot, CategoryAPI, CategoryProvider, CategoryPipeline, CategoryCoalesce,
	CategoryStream, CategoryStore, CategoryServer, CategoryConfig, CategoryUsage,
}

// Config mirrors config.LoggingConfig to avoid an import cycle.
type Config struct {
	Level      string          // debug, info, warn, error
	Format     string          // json, console
	File       string          // optional output path, stderr when empty
	Categories map[string]bool // per-category toggles, missing = enabled
}

// Logger is a category logger with printf-style helpers.
type Logger struct {
	category Category
	base     *zap.Logger
	sugar    *zap.SugaredLogger
}

var (
	mu         sync.RWMutex
	root       = zap.NewNop()
	level      = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	categories map[string]bool
	loggers    = make(map[Category]*Logger)
)

// Initialize builds the base logger from cfg. Safe to call again on reload.
func Initialize(cfg Config) error {
	var zcfg zap.Config
	if strings.EqualFold(cfg.Format, "console") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}

	lvl, err := parseLevel(cfg.Level)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	zcfg.Level = level

	if cfg.File != "" {
		zcfg.OutputPaths = []string{cfg.File}
		zcfg.ErrorOutputPaths = []string{cfg.File}
	}

	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	SetBase(logger)
	setCategories(cfg.Categories)

	Get(CategoryBoot).Debug("logging initialized level=%s format=%s", lvl, zcfg.Encoding)
	return nil
}

// SetBase swaps the base logger. Tests use it to attach an observer core.
func SetBase(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	root = l
	loggers = make(map[Category]*Logger)
	mu.Unlock()
}

// SetLevel adjusts the level of the base logger built by Initialize.
func SetLevel(s string) error {
	lvl, err := parseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}

func setCategories(c map[string]bool) {
	mu.Lock()
	categories = c
	loggers = make(map[Category]*Logger)
	mu.Unlock()
}

func parseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
	}
}

// IsCategoryEnabled returns whether a specific category is enabled.
func IsCategoryEnabled(category Category) bool {
	mu.RLock()
	defer mu.RUnlock()
	return categoryEnabled(category)
}

func categoryEnabled(category Category) bool {
	if categories == nil {
		return true
	}
	enabled, ok := categories[string(category)]
	if !ok {
		return true
	}
	return enabled
}

// Get returns (or creates) the logger for a category.
func Get(category Category) *Logger {
	mu.RLock()
	if l, ok := loggers[category]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}

	base := zap.NewNop()
	if categoryEnabled(category) {
		base = root.Named(string(category))
	}
	l := &Logger{category: category, base: base, sugar: base.Sugar()}
	loggers[category] = l
	return l
}

// Zap exposes the structured logger for call sites that attach fields.
func (l *Logger) Zap() *zap.Logger {
	return l.base
}

// With returns a child logger carrying the given fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	base := l.base.With(fields...)
	return &Logger{category: l.category, base: base, sugar: base.Sugar()}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Sync flushes the base logger. Errors from syncing stderr are ignored.
func Sync() {
	mu.RLock()
	l := root
	mu.RUnlock()
	if err := l.Sync(); err != nil && !isStdSyncErr(err) {
		fmt.Fprintf(os.Stderr, "[logging] sync failed: %v\n", err)
	}
}

func isStdSyncErr(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "/dev/stderr") || strings.Contains(msg, "/dev/stdout") ||
		strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// API logs to the api category
func API(format string, args ...interface{}) {
	Get(CategoryAPI).Info(format, args...)
}

// APIDebug logs debug to the api category
func APIDebug(format string, args ...interface{}) {
	Get(CategoryAPI).Debug(format, args...)
}

// Provider logs to the provider category
func Provider(format string, args ...interface{}) {
	Get(CategoryProvider).Info(format, args...)
}

// ProviderDebug logs debug to the provider category
func ProviderDebug(format string, args ...interface{}) {
	Get(CategoryProvider).Debug(format, args...)
}

// Pipeline logs to the pipeline category
func Pipeline(format string, args ...interface{}) {
	Get(CategoryPipeline).Info(format, args...)
}

// PipelineDebug logs debug to the pipeline category
func PipelineDebug(format string, args ...interface{}) {
	Get(CategoryPipeline).Debug(format, args...)
}

// CoalesceDebug logs debug to the coalesce category
func CoalesceDebug(format string, args ...interface{}) {
	Get(CategoryCoalesce).Debug(format, args...)
}

// StreamDebug logs debug to the stream category
func StreamDebug(format string, args ...interface{}) {
	Get(CategoryStream).Debug(format, args...)
}

// Store logs to the store category
func Store(format string, args ...interface{}) {
	Get(CategoryStore).Info(format, args...)
}

// StoreDebug logs debug to the store category
func StoreDebug(format string, args ...interface{}) {
	Get(CategoryStore).Debug(format, args...)
}

// Usage logs to the usage category
func Usage(format string, args ...interface{}) {
	Get(CategoryUsage).Info(format, args...)
}

// Server logs to the server category
func Server(format string, args ...interface{}) {
	Get(CategoryServer).Info(format, args...)
}

// ServerDebug logs debug to the server category
func ServerDebug(format string, args ...interface{}) {
	Get(CategoryServer).Debug(format, args...)
}
