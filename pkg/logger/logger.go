package logger

import (
	"log"
	"strings"
	"sync/atomic"
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var minLevel atomic.Int32

// Initialize logging flags and the minimum level (called once from main).
// Unknown levels fall back to debug.
func Init(level string) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	SetLevel(ParseLevel(level))
}

func ParseLevel(level string) Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelDebug
	}
}

func SetLevel(level Level) {
	minLevel.Store(int32(level))
}

func Enabled(level Level) bool {
	return int32(level) >= minLevel.Load()
}

func Infof(format string, v ...any) {
	if Enabled(LevelInfo) {
		log.Printf("[INFO] "+format, v...)
	}
}

func Warnf(format string, v ...any) {
	if Enabled(LevelWarn) {
		log.Printf("[WARN] "+format, v...)
	}
}

func Errorf(format string, v ...any) {
	if Enabled(LevelError) {
		log.Printf("[ERROR] "+format, v...)
	}
}

func Debugf(format string, v ...any) {
	if Enabled(LevelDebug) {
		log.Printf("[DEBUG] "+format, v...)
	}
}

func Fatalf(format string, v ...any) {
	log.Fatalf("[FATAL] "+format, v...)
}
