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

package errors

import (
	"errors"
	"fmt"
)

// Wrap creates a new error that wraps the given error with additional context.
// If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf creates a new error that wraps the given error with formatted context.
// If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// IsRetryableBackend reports whether err is a backend error worth enqueueing
// for offline sync (5xx or connection failure). Business rejections such as
// PrerequisiteNotMet are never retryable.
func IsRetryableBackend(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Retryable
	}
	return false
}

// IsMESRejection reports whether err is a hard MES business rejection that
// must be surfaced to the command caller and never enqueued.
func IsMESRejection(err error) bool {
	var (
		wipNotFound  *WIPNotFoundError
		prerequisite *PrerequisiteNotMetError
		duplicate    *DuplicatePassError
		invalidWIP   *InvalidWIPStatusError
	)
	return errors.As(err, &wipNotFound) ||
		errors.As(err, &prerequisite) ||
		errors.As(err, &duplicate) ||
		errors.As(err, &invalidWIP)
}

// IsNotFound reports whether err is any not-found variant.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	var wnf *WIPNotFoundError
	return errors.As(err, &nf) || errors.As(err, &wnf)
}

// IsTokenExpired reports whether err is a token expiry that should clear
// the operator session.
func IsTokenExpired(err error) bool {
	var te *TokenExpiredError
	return errors.As(err, &te)
}

// Code returns a stable string code for an error, suitable for IPC error
// events and log records.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case isType[*ValidationError](err):
		return "VALIDATION"
	case isType[*NotFoundError](err):
		return "NOT_FOUND"
	case isType[*AlreadyExistsError](err):
		return "ALREADY_EXISTS"
	case isType[*AlreadyRunningError](err):
		return "ALREADY_RUNNING"
	case isType[*NotRunningError](err):
		return "NOT_RUNNING"
	case isType[*PersistenceError](err):
		return "PERSISTENCE"
	case isType[*ConfigError](err):
		return "CONFIG"
	case isType[*IPCTimeoutError](err):
		return "IPC_TIMEOUT"
	case isType[*IPCError](err):
		return "IPC"
	case isType[*WIPNotFoundError](err):
		return "WIP_NOT_FOUND"
	case isType[*PrerequisiteNotMetError](err):
		return "PREREQUISITE_NOT_MET"
	case isType[*DuplicatePassError](err):
		return "DUPLICATE_PASS"
	case isType[*InvalidWIPStatusError](err):
		return "INVALID_WIP_STATUS"
	case isType[*TokenExpiredError](err):
		return "TOKEN_EXPIRED"
	case isType[*SequenceLoadError](err):
		return "SEQUENCE_LOAD"
	case isType[*SequenceAlreadyRunningError](err):
		return "SEQUENCE_ALREADY_RUNNING"
	case isType[*DriverNotFoundError](err):
		return "DRIVER_NOT_FOUND"
	case isType[*DriverCommandError](err):
		return "DRIVER_COMMAND"
	case isType[*BackendError](err):
		return "BACKEND"
	case isType[*WorkerError](err):
		return "WORKER"
	default:
		return "INTERNAL"
	}
}

// isType reports whether err's tree contains an error of type T.
func isType[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
