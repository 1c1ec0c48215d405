// Package errors coordinates fatal startup failures: each reporter logs the
// problem once and queues an exit code, and main decides when to stop. The
// handler writes to stderr directly so it works before and after the
// structured logger is configured.
package errors

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/migadu/crake/logger"
)

// StartupError wraps a failure with the operation that produced it.
type StartupError struct {
	Operation string
	Err       error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("operation '%s' failed: %v", e.Operation, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ErrorHandler collects fatal errors and the exit code they imply. Reporting
// is non-blocking; only the first queued code is kept.
type ErrorHandler struct {
	exitChannel chan int
	logger      *log.Logger
}

func NewErrorHandler() *ErrorHandler {
	return &ErrorHandler{
		exitChannel: make(chan int, 1),
		logger:      log.New(os.Stderr, "[ERROR] ", log.LstdFlags),
	}
}

// FatalError reports an unrecoverable failure of the named operation.
func (eh *ErrorHandler) FatalError(operation string, err error) {
	eh.logger.Printf("FATAL: %v", &StartupError{Operation: operation, Err: err})

	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// ConfigError reports a configuration file that could not be read or parsed.
func (eh *ErrorHandler) ConfigError(configPath string, err error) {
	if os.IsNotExist(err) {
		eh.logger.Printf("ERROR: configuration file '%s' not found: %v", configPath, err)
	} else {
		eh.logger.Printf("ERROR: failed to parse configuration file '%s': %v", configPath, err)
	}

	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// ValidationError reports a configuration value that fails validation.
func (eh *ErrorHandler) ValidationError(field string, err error) {
	eh.logger.Printf("ERROR: invalid configuration - %s: %v", field, err)

	select {
	case eh.exitChannel <- 1:
	default:
	}
}

// WaitForExit blocks until an exit code has been queued and returns it.
func (eh *ErrorHandler) WaitForExit() int {
	return <-eh.exitChannel
}

// Shutdown logs whether the shutdown was signal driven or unexpected.
func (eh *ErrorHandler) Shutdown(ctx context.Context) {
	select {
	case <-ctx.Done():
		logger.Info("graceful shutdown initiated")
	default:
		logger.Warn("unexpected shutdown")
	}
}
