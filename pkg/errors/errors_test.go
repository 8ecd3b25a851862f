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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCode(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{nil, ""},
		{&ValidationError{Field: "id"}, "VALIDATION"},
		{&NotFoundError{Resource: "batch", ID: "b1"}, "NOT_FOUND"},
		{&AlreadyRunningError{BatchID: "b1"}, "ALREADY_RUNNING"},
		{&NotRunningError{BatchID: "b1"}, "NOT_RUNNING"},
		{&IPCTimeoutError{BatchID: "b1", Timeout: time.Second}, "IPC_TIMEOUT"},
		{&PrerequisiteNotMetError{WIPID: "W1"}, "PREREQUISITE_NOT_MET"},
		{&DuplicatePassError{WIPID: "W1", ProcessID: 3}, "DUPLICATE_PASS"},
		{&SequenceAlreadyRunningError{BatchID: "b1"}, "SEQUENCE_ALREADY_RUNNING"},
		{&DriverNotFoundError{Device: "dmm"}, "DRIVER_NOT_FOUND"},
		{&TokenExpiredError{}, "TOKEN_EXPIRED"},
		{&BackendError{StatusCode: 500}, "BACKEND"},
		{fmt.Errorf("plain"), "INTERNAL"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.code, Code(tc.err))
	}

	// Wrapped errors keep their code.
	wrapped := Wrap(&NotFoundError{Resource: "batch", ID: "b1"}, "loading batch")
	assert.Equal(t, "NOT_FOUND", Code(wrapped))
}

func TestRetryableBackend(t *testing.T) {
	assert.True(t, IsRetryableBackend(&BackendError{StatusCode: 503, Retryable: true}))
	assert.True(t, IsRetryableBackend(&BackendError{Code: "connection", Retryable: true}))
	assert.False(t, IsRetryableBackend(&BackendError{StatusCode: 400}))
	assert.False(t, IsRetryableBackend(&PrerequisiteNotMetError{WIPID: "W1"}))
	assert.False(t, IsRetryableBackend(nil))
}

func TestMESRejection(t *testing.T) {
	assert.True(t, IsMESRejection(&PrerequisiteNotMetError{WIPID: "W1"}))
	assert.True(t, IsMESRejection(&DuplicatePassError{WIPID: "W1"}))
	assert.True(t, IsMESRejection(&InvalidWIPStatusError{WIPID: "W1"}))
	assert.True(t, IsMESRejection(&WIPNotFoundError{WIPID: "W1"}))
	assert.False(t, IsMESRejection(&BackendError{StatusCode: 500, Retryable: true}))
}

func TestNotFoundVariants(t *testing.T) {
	assert.True(t, IsNotFound(&NotFoundError{Resource: "batch", ID: "b1"}))
	assert.True(t, IsNotFound(&WIPNotFoundError{WIPID: "W1"}))
	assert.False(t, IsNotFound(&ValidationError{Field: "id"}))
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))

	err := Wrapf(&ValidationError{Field: "slot"}, "batch %s", "b1")
	assert.Contains(t, err.Error(), "batch b1")
	assert.Equal(t, "VALIDATION", Code(err))
}
