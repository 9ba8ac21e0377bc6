package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Logger is a duck-typed interface satisfied by *slog.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

var (
	moduleLoggers   = make(map[string]*slog.Logger)
	moduleLevelVars = make(map[string]*slog.LevelVar)
	globalConfig    Config
	globalLevelVar  = &slog.LevelVar{}
	isInitialized   bool
	sink            io.Writer = os.Stderr
	sinkFile        *os.File
	mutex           sync.RWMutex
)

// Config represents logging configuration.
type Config struct {
	Level   string            `toml:"level"`
	Format  string            `toml:"format"`
	File    string            `toml:"file"`
	Journal bool              `toml:"journal"`
	Modules map[string]string `toml:"modules"`
}

// Initialize sets up the logging system. Calling it again swaps the sink
// and levels of every logger already handed out.
func Initialize(config Config) error {
	mutex.Lock()
	defer mutex.Unlock()

	w, f, err := openSink(config.File)
	if err != nil {
		return err
	}
	if sinkFile != nil && sinkFile != f {
		_ = sinkFile.Close()
	}
	sink, sinkFile = w, f

	globalConfig = config
	isInitialized = true

	globalLevel := levelOrDefault(config.Level, slog.LevelInfo)
	globalLevelVar.Set(globalLevel)

	// Loggers handed out before Initialize still point at the old sink.
	for module, levelVar := range moduleLevelVars {
		levelVar.Set(moduleLevel(module, globalLevel))
		moduleLoggers[module] = slog.New(createHandler(config, levelVar)).With("module", module)
	}

	slog.SetDefault(slog.New(createHandler(config, globalLevelVar)))
	return nil
}

// SetLevel changes the level of one module at runtime. An empty module
// changes the global level and every module without its own override.
func SetLevel(module, level string) error {
	parsed := parseLevel(level)
	if parsed == nil {
		return fmt.Errorf("unknown log level %q", level)
	}

	mutex.Lock()
	defer mutex.Unlock()

	if module == "" {
		globalConfig.Level = level
		globalLevelVar.Set(*parsed)
		for name, levelVar := range moduleLevelVars {
			if _, ok := globalConfig.Modules[name]; !ok {
				levelVar.Set(*parsed)
			}
		}
		return nil
	}

	if globalConfig.Modules == nil {
		globalConfig.Modules = make(map[string]string)
	}
	globalConfig.Modules[module] = level
	if levelVar, ok := moduleLevelVars[module]; ok {
		levelVar.Set(*parsed)
	}
	return nil
}

// Close releases the log file, if any, and falls back to stderr.
func Close() error {
	mutex.Lock()
	defer mutex.Unlock()
	if sinkFile == nil {
		return nil
	}
	err := sinkFile.Close()
	sink, sinkFile = os.Stderr, nil
	return err
}

// GetLogger returns a logger for the specified module, creating it if needed.
func GetLogger(module string) *slog.Logger {
	mutex.RLock()
	if logger, exists := moduleLoggers[module]; exists {
		mutex.RUnlock()
		return logger
	}
	mutex.RUnlock()

	mutex.Lock()
	defer mutex.Unlock()

	if logger, exists := moduleLoggers[module]; exists {
		return logger
	}

	levelVar := &slog.LevelVar{}
	if isInitialized {
		levelVar.Set(moduleLevel(module, levelOrDefault(globalConfig.Level, slog.LevelInfo)))
	} else {
		levelVar.Set(slog.LevelInfo)
	}

	cfg := globalConfig
	if !isInitialized {
		cfg = Config{Format: "text"}
	}
	logger := slog.New(createHandler(cfg, levelVar)).With("module", module)
	moduleLoggers[module] = logger
	moduleLevelVars[module] = levelVar
	return logger
}

func openSink(path string) (io.Writer, *os.File, error) {
	if path == "" {
		return os.Stderr, nil, nil
	}
	if sinkFile != nil && sinkFile.Name() == path {
		return sinkFile, sinkFile, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return f, f, nil
}

// createHandler builds the handler chain for the current sink. Level can be
// a *slog.LevelVar so changes apply to loggers already handed out.
func createHandler(config Config, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}

	var sinkHandler slog.Handler
	if config.Format == "json" {
		sinkHandler = slog.NewJSONHandler(sink, opts)
	} else {
		sinkHandler = slog.NewTextHandler(sink, opts)
	}

	if !config.Journal || !IsJournalAvailable() {
		return sinkHandler
	}
	return NewMultiHandler(sinkHandler, NewJournalHandler(level))
}

func moduleLevel(module string, fallback slog.Level) slog.Level {
	if levelStr, exists := globalConfig.Modules[module]; exists {
		if parsed := parseLevel(levelStr); parsed != nil {
			return *parsed
		}
	}
	return fallback
}

func levelOrDefault(level string, fallback slog.Level) slog.Level {
	if parsed := parseLevel(level); parsed != nil {
		return *parsed
	}
	return fallback
}

// parseLevel converts string level to slog.Level.
func parseLevel(level string) *slog.Level {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "info":
		l = slog.LevelInfo
	case "warn", "warning":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		return nil
	}
	return &l
}
