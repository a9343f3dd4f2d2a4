package cliapp

import (
	"fmt"
	"os"
	"time"
)

// Logger provides structured logging for the fuzzer CLI. Verbose gates
// Info lines; DebugMode additionally gates Debug lines. Warn and Error
// always print.
type Logger struct {
	Verbose   bool
	DebugMode bool
}

func NewLogger(verbose, debug bool) *Logger {
	return &Logger{Verbose: verbose, DebugMode: debug}
}

func (l *Logger) Info(format string, args ...any) {
	if l.Verbose {
		fmt.Printf("[INFO] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Debug(format string, args ...any) {
	if l.DebugMode {
		fmt.Printf("[DEBUG] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
	}
}

func (l *Logger) Warn(format string, args ...any) {
	fmt.Printf("[WARN] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

func (l *Logger) Error(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "[ERROR] %s: %s\n", time.Now().Format("15:04:05"), fmt.Sprintf(format, args...))
}

// ExitWithError prints an error message to stderr and exits with code 1.
func ExitWithError(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// ExitWithCode exits with the given code, optionally printing a message first.
func ExitWithCode(code int, format string, args ...any) {
	if format != "" {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	}
	os.Exit(code)
}
