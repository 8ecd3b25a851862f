// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package errors defines the typed error taxonomy shared by the manager,
// the workers, and the MES backend client. Business errors are values;
// callers branch on them with errors.Is/errors.As.
package errors

import (
	"fmt"
	"time"
)

// ValidationError represents user input validation failures.
// Use this for invalid batch configuration or malformed command parameters.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "batch", "execution", "driver")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// AlreadyExistsError is returned when creating a resource whose id is taken.
type AlreadyExistsError struct {
	Resource string
	ID       string
}

// Error implements the error interface.
func (e *AlreadyExistsError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Resource, e.ID)
}

// AlreadyRunningError is returned when starting a batch that is running.
type AlreadyRunningError struct {
	BatchID string
}

// Error implements the error interface.
func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("batch %s is already running", e.BatchID)
}

// NotRunningError is returned when a command targets a stopped batch.
type NotRunningError struct {
	BatchID string
}

// Error implements the error interface.
func (e *NotRunningError) Error() string {
	return fmt.Sprintf("batch %s is not running", e.BatchID)
}

// PersistenceError wraps storage failures (sqlite, YAML config file).
type PersistenceError struct {
	// Op describes the failed operation (e.g., "create_execution", "save_config")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence error in %s: %v", e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *PersistenceError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "backend.api_key")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// IPCError represents a failure on the manager/worker socket fabric.
type IPCError struct {
	// Op describes the failed operation (e.g., "register", "send_command")
	Op string

	// BatchID is the worker identity involved, if any
	BatchID string

	// Message is the human-readable error description
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *IPCError) Error() string {
	msg := fmt.Sprintf("ipc %s failed", e.Op)
	if e.BatchID != "" {
		msg = fmt.Sprintf("%s for batch %s", msg, e.BatchID)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *IPCError) Unwrap() error {
	return e.Cause
}

// IPCTimeoutError is returned when a command receives no response in time.
type IPCTimeoutError struct {
	BatchID   string
	RequestID string
	Timeout   time.Duration
}

// Error implements the error interface.
func (e *IPCTimeoutError) Error() string {
	return fmt.Sprintf("ipc command to batch %s timed out after %v (request %s)",
		e.BatchID, e.Timeout, e.RequestID)
}

// BackendError represents a failure reported by the MES backend.
// Retryable errors (5xx, connection refused) flip the station into offline
// mode and are re-queued for the sync engine.
type BackendError struct {
	// StatusCode is the HTTP status code (0 for connection errors)
	StatusCode int

	// Code is the backend-specific error code, if supplied
	Code string

	// Message is the human-readable error message
	Message string

	// Retryable marks errors worth enqueueing for offline sync
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *BackendError) Error() string {
	msg := "backend error"
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}
	if e.Code != "" {
		msg = fmt.Sprintf("%s (%s)", msg, e.Code)
	}
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *BackendError) Unwrap() error {
	return e.Cause
}

// WIPNotFoundError is returned when a WIP lookup misses.
type WIPNotFoundError struct {
	WIPID string
}

// Error implements the error interface.
func (e *WIPNotFoundError) Error() string {
	return fmt.Sprintf("wip item not found: %s", e.WIPID)
}

// PrerequisiteNotMetError is the backend's BR-003 rejection: the prior
// process on the routing must complete before this one may start.
type PrerequisiteNotMetError struct {
	WIPID     string
	ProcessID int
	Message   string
}

// Error implements the error interface.
func (e *PrerequisiteNotMetError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("prerequisite not met for wip %s process %d: %s", e.WIPID, e.ProcessID, e.Message)
	}
	return fmt.Sprintf("prerequisite not met for wip %s process %d", e.WIPID, e.ProcessID)
}

// DuplicatePassError is the backend's BR-004 rejection: a process that
// already passed cannot be passed again.
type DuplicatePassError struct {
	WIPID     string
	ProcessID int
}

// Error implements the error interface.
func (e *DuplicatePassError) Error() string {
	return fmt.Sprintf("process %d already passed for wip %s", e.ProcessID, e.WIPID)
}

// InvalidWIPStatusError is returned when the WIP is in a state that does
// not allow the requested transition.
type InvalidWIPStatusError struct {
	WIPID   string
	Message string
}

// Error implements the error interface.
func (e *InvalidWIPStatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("invalid wip status for %s: %s", e.WIPID, e.Message)
	}
	return fmt.Sprintf("invalid wip status for %s", e.WIPID)
}

// TokenExpiredError is returned when a 401 could not be resolved by a
// token refresh. The operator session must be re-established.
type TokenExpiredError struct {
	Cause error
}

// Error implements the error interface.
func (e *TokenExpiredError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("access token expired and refresh failed: %v", e.Cause)
	}
	return "access token expired and refresh failed"
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TokenExpiredError) Unwrap() error {
	return e.Cause
}

// SequenceLoadError wraps failures loading a sequence package manifest.
type SequenceLoadError struct {
	Package string
	Cause   error
}

// Error implements the error interface.
func (e *SequenceLoadError) Error() string {
	return fmt.Sprintf("failed to load sequence package %s: %v", e.Package, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *SequenceLoadError) Unwrap() error {
	return e.Cause
}

// SequenceAlreadyRunningError is returned when START_SEQUENCE arrives while
// an execution is in flight.
type SequenceAlreadyRunningError struct {
	BatchID     string
	ExecutionID string
}

// Error implements the error interface.
func (e *SequenceAlreadyRunningError) Error() string {
	return fmt.Sprintf("batch %s already has execution %s running", e.BatchID, e.ExecutionID)
}

// DriverNotFoundError is returned from MANUAL_CONTROL when the named
// device has no configured driver.
type DriverNotFoundError struct {
	Device string
}

// Error implements the error interface.
func (e *DriverNotFoundError) Error() string {
	return fmt.Sprintf("driver not found for device: %s", e.Device)
}

// DriverCommandError wraps a failed or unknown driver command.
type DriverCommandError struct {
	Device  string
	Command string
	Cause   error
}

// Error implements the error interface.
func (e *DriverCommandError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("driver command %s on %s failed: %v", e.Command, e.Device, e.Cause)
	}
	return fmt.Sprintf("driver command %s not supported by %s", e.Command, e.Device)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *DriverCommandError) Unwrap() error {
	return e.Cause
}

// WorkerError is a generic worker-side failure carried over the ERROR
// event before cleanup runs.
type WorkerError struct {
	BatchID string
	Code    string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *WorkerError) Error() string {
	return fmt.Sprintf("worker %s error [%s]: %s", e.BatchID, e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *WorkerError) Unwrap() error {
	return e.Cause
}
