package main

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ANSI color codes, one per level
const (
	colorReset   = "\033[0m"
	colorDebug   = "\033[36m" // cyan
	colorInfo    = "\033[32m" // green
	colorWarning = "\033[33m" // yellow
	colorError   = "\033[31m" // red
)

// Environment variables recognized by the logger
const (
	// LOG_DETAIL=true adds the caller's file, function and line to each entry
	LogDetailEnvVar = "LOG_DETAIL"
	// LOG_COLOR=false disables colored level tags
	LogColorEnvVar = "LOG_COLOR"
	// LOG_DIR overrides where the dated log files go
	LogDirEnvVar = "LOG_DIR"

	DefaultLogDir = "logs"
)

var (
	detailedLoggingEnabled bool
	coloredLoggingEnabled  bool
	logFile                *os.File
	logger                 *log.Logger
)

// InitLogger opens the dated log file and wires a writer that duplicates
// every entry to stdout and to the file. Failing to open the file is not
// fatal; logging then goes to stdout only.
func InitLogger() {
	detailedLoggingEnabled = strings.ToLower(os.Getenv(LogDetailEnvVar)) == "true"
	coloredLoggingEnabled = os.Getenv(LogColorEnvVar) != "false"

	logDir := os.Getenv(LogDirEnvVar)
	if logDir == "" {
		logDir = DefaultLogDir
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		log.Printf("Failed to create log directory: %v", err)
	}

	logFilePath := filepath.Join(logDir,
		fmt.Sprintf("fleet-login-%s.log", time.Now().Format("2006-01-02")))

	var err error
	logFile, err = os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		log.Printf("Failed to open log file: %v", err)
	} else {
		multiWriter := io.MultiWriter(os.Stdout, logFile)
		logger = log.New(multiWriter, "", log.LstdFlags)
		log.SetOutput(multiWriter)
		log.SetFlags(log.LstdFlags)
	}

	LogInfo("Logging initialized. Logs will be saved to: %s", logFilePath)
	if detailedLoggingEnabled {
		LogInfo("Detailed logging enabled - entries will carry caller information")
	}
}

// CloseLogger closes the log file
func CloseLogger() {
	if logFile != nil {
		logFile.Close()
	}
}

func LogDebug(format string, args ...interface{}) {
	logWithLevel("DEBUG", colorDebug, format, args...)
}

func LogInfo(format string, args ...interface{}) {
	logWithLevel("INFO", colorInfo, format, args...)
}

func LogWarning(format string, args ...interface{}) {
	logWithLevel("WARNING", colorWarning, format, args...)
}

func LogError(format string, args ...interface{}) {
	logWithLevel("ERROR", colorError, format, args...)
}

// callerSuffix resolves the file, function and line of the logging call
// site, skipping the logger's own frames
func callerSuffix() string {
	pc, file, line, ok := runtime.Caller(3)
	if !ok {
		return "unknown:0"
	}
	funcName := runtime.FuncForPC(pc).Name()
	if lastDot := strings.LastIndex(funcName, "."); lastDot >= 0 {
		funcName = funcName[lastDot+1:]
	}
	return fmt.Sprintf("%s:%s:%d", filepath.Base(file), funcName, line)
}

func logWithLevel(level string, color string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)

	// color would end up as escape garbage in the log file, so the dual
	// writer gets the plain tag and only the stdout fallback is colored
	tag := level
	if coloredLoggingEnabled && logger == nil {
		tag = color + level + colorReset
	}

	if detailedLoggingEnabled {
		message = callerSuffix() + " - " + message
	}

	if logger != nil {
		logger.Printf("[%s] %s", tag, message)
	} else {
		log.Printf("[%s] %s", tag, message)
	}
}
