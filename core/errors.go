package core

import (
	"errors"
	"fmt"
	"time"
)

// Common errors used across the package.
var (
	// Lookup errors
	ErrJobRunNotFound          = errors.New("job run not found")
	ErrJobTemplateNotFound     = errors.New("job template not found")
	ErrCommandTemplateNotFound = errors.New("command template not found")
	ErrServerNotFound          = errors.New("server not found")
	ErrScheduleNotFound        = errors.New("schedule not found")
	ErrCredentialNotFound      = errors.New("credential not found")
	ErrChannelNotFound         = errors.New("notification channel not found")
	ErrPolicyNotFound          = errors.New("notification policy not found")

	// Dispatch errors
	ErrServerDisabled = errors.New("server is disabled")
	ErrEmptyCommand   = errors.New("command cannot be empty")
	ErrNoSteps        = errors.New("composite job has no steps")
	ErrRunNotRunning  = errors.New("job run is not in running state")

	// Scheduler errors
	ErrInvalidCron      = errors.New("invalid cron expression")
	ErrSchedulerTimeout = errors.New("scheduler stop timed out")
)

// PreconditionError reports a capability or OS filter miss. Runs failing a
// precondition are never retried.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition: " + e.Reason
}

// TimeoutError reports a wall-clock kill.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout: %s", e.Timeout)
}

// TransportError reports an SSH dial/auth failure, local spawn failure or an
// I/O failure while running a command.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport: " + e.Op
	}
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// NonZeroExitError reports a command that ran to completion with a non-zero
// exit code.
type NonZeroExitError struct {
	ExitCode int
}

func (e *NonZeroExitError) Error() string {
	return fmt.Sprintf("exit: command returned %d", e.ExitCode)
}

// CancelledError reports an externally cancelled run.
type CancelledError struct {
	Reason string
}

func (e *CancelledError) Error() string {
	if e.Reason == "" {
		return "cancelled: run cancelled"
	}
	return "cancelled: " + e.Reason
}

// StoreError reports a read or update failure against the persistent store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ConfigError reports an invalid record observed at dispatch time, such as a
// simple template without a command template or a composite without steps.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "config: " + e.Reason
}

// IsRetryable reports whether a run that failed with err may consume retry
// budget. Precondition misses, cancellations and configuration problems are
// final; transport failures, timeouts, non-zero exits and store hiccups are
// worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		pre    *PreconditionError
		cancel *CancelledError
		conf   *ConfigError
	)
	if errors.As(err, &pre) || errors.As(err, &cancel) || errors.As(err, &conf) {
		return false
	}
	var (
		transport *TransportError
		timeout   *TimeoutError
		exit      *NonZeroExitError
		storeErr  *StoreError
	)
	return errors.As(err, &transport) ||
		errors.As(err, &timeout) ||
		errors.As(err, &exit) ||
		errors.As(err, &storeErr)
}

// StatusForError maps a terminal error to the run status it finalizes as.
func StatusForError(err error) string {
	if err == nil {
		return StatusSuccess
	}
	var timeout *TimeoutError
	if errors.As(err, &timeout) {
		return StatusTimeout
	}
	var cancel *CancelledError
	if errors.As(err, &cancel) {
		return StatusCancelled
	}
	return StatusFailure
}
