// Package logging provides category-based debug logging for pulsus
// subsystems. Each category writes to its own date-prefixed file under
// <log_root>/debug/, and every call is a no-op unless debug logging is
// enabled, so hot paths pay one atomic read when the operator has not asked
// for diagnostics. This channel is for humans debugging the router; the
// machine-readable trail lives in internal/audit.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category names one subsystem log stream.
type Category string

const (
	CategoryBoot      Category = "boot"
	CategoryRouter    Category = "router"
	CategoryRegistry  Category = "registry"
	CategoryIntent    Category = "intent"
	CategoryScorer    Category = "scorer"
	CategorySelector  Category = "selector"
	CategoryComposer  Category = "composer"
	CategoryGenerator Category = "generator"
	CategoryValidate  Category = "validate"
	CategorySandbox   Category = "sandbox"
	CategoryAudit     Category = "audit"
	CategoryStore     Category = "store"
	CategoryLLM       Category = "llm"
	CategoryConfig    Category = "config"
)

// Level gates which messages reach the files.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Settings configures the package. The CLI fills it from the loaded
// configuration; tests call Configure directly.
type Settings struct {
	Debug      bool
	Level      Level
	JSONFormat bool
	// Categories restricts logging to the named categories when non-empty.
	Categories []string
}

var (
	settingsMu sync.RWMutex
	settings   Settings

	logRoot string

	loggersMu sync.RWMutex
	loggers   = make(map[Category]*Logger)
)

// Logger wraps a stdlib logger bound to one category file. A Logger with a
// nil inner logger is a no-op; Get returns one whenever the category is
// disabled or the file cannot be opened.
type Logger struct {
	category Category
	file     *os.File
	logger   *log.Logger
}

// Initialize sets the directory debug logs are written under. Call once at
// startup before any Get.
func Initialize(root string) error {
	dir := filepath.Join(root, "debug")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create debug log dir: %w", err)
	}
	loggersMu.Lock()
	logRoot = dir
	loggersMu.Unlock()
	return nil
}

// Configure replaces the active settings.
func Configure(s Settings) {
	settingsMu.Lock()
	settings = s
	settingsMu.Unlock()
}

// Enabled reports whether debug logging is on at all.
func Enabled() bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings.Debug
}

func categoryEnabled(c Category) bool {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	if !settings.Debug {
		return false
	}
	if len(settings.Categories) == 0 {
		return true
	}
	for _, name := range settings.Categories {
		if name == string(c) {
			return true
		}
	}
	return false
}

func currentLevel() Level {
	settingsMu.RLock()
	defer settingsMu.RUnlock()
	return settings.Level
}

// Get returns the logger for a category, creating its file on first use.
// Disabled categories get a shared no-op logger.
func Get(category Category) *Logger {
	if !categoryEnabled(category) {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	l, ok := loggers[category]
	root := logRoot
	loggersMu.RUnlock()
	if ok {
		return l
	}

	loggersMu.Lock()
	defer loggersMu.Unlock()
	if l, ok := loggers[category]; ok {
		return l
	}
	if root == "" {
		root = logRoot
	}
	if root == "" {
		return &Logger{category: category}
	}

	name := fmt.Sprintf("%s_%s.log", time.Now().UTC().Format("2006-01-02"), category)
	file, err := os.OpenFile(filepath.Join(root, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return &Logger{category: category}
	}
	l = &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l
	return l
}

// StructuredLogEntry is the JSON line shape when JSONFormat is on.
type StructuredLogEntry struct {
	Timestamp int64          `json:"ts"`
	Category  string         `json:"category"`
	Level     string         `json:"level"`
	Message   string         `json:"msg"`
	Fields    map[string]any `json:"fields,omitempty"`
}

func (l *Logger) emit(level string, msg string) {
	settingsMu.RLock()
	jsonFormat := settings.JSONFormat
	settingsMu.RUnlock()
	if !jsonFormat {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg)
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...any) {
	if l.logger == nil || currentLevel() > LevelDebug {
		return
	}
	l.emit("DEBUG", fmt.Sprintf(format, args...))
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	if l.logger == nil || currentLevel() > LevelInfo {
		return
	}
	l.emit("INFO", fmt.Sprintf(format, args...))
}

// Warn logs a warning.
func (l *Logger) Warn(format string, args ...any) {
	if l.logger == nil || currentLevel() > LevelWarn {
		return
	}
	l.emit("WARN", fmt.Sprintf(format, args...))
}

// Error logs an error. Errors ignore the level gate.
func (l *Logger) Error(format string, args ...any) {
	if l.logger == nil {
		return
	}
	l.emit("ERROR", fmt.Sprintf(format, args...))
}

// Fields logs a message with structured fields attached.
func (l *Logger) Fields(level string, msg string, fields map[string]any) {
	if l.logger == nil {
		return
	}
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
		Fields:    fields,
	}
	if data, err := json.Marshal(entry); err == nil {
		l.logger.Printf("%s", data)
		return
	}
	l.logger.Printf("[%s] %s | fields=%v", level, msg, fields)
}

// CloseAll closes every open category file. Call at shutdown.
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// Boot logs to the boot category.
func Boot(format string, args ...any) {
	Get(CategoryBoot).Info(format, args...)
}

// Router logs to the router category.
func Router(format string, args ...any) {
	Get(CategoryRouter).Info(format, args...)
}

// RouterDebug logs debug detail to the router category.
func RouterDebug(format string, args ...any) {
	Get(CategoryRouter).Debug(format, args...)
}
