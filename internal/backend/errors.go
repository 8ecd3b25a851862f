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

package backend

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

// apiError is the backend's JSON error envelope. Older endpoints use
// "detail", newer ones "message"; error_code carries the business rule.
type apiError struct {
	ErrorCode string `json:"error_code"`
	Detail    string `json:"detail"`
	Message   string `json:"message"`
}

func (e *apiError) text() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Detail
}

// decodeError maps an error response to a typed error.
//
// 404 on a WIP path is WIPNotFound. A 4xx with a known error_code becomes
// the matching business rejection. 5xx and 408/429 become retryable
// BackendErrors; other 4xx are non-retryable.
func decodeError(resp *http.Response, path string) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	var payload apiError
	json.Unmarshal(body, &payload)

	wipID := wipIDFromPath(path)
	switch payload.ErrorCode {
	case "PREREQUISITE_NOT_MET":
		return &stationerrors.PrerequisiteNotMetError{WIPID: wipID, Message: payload.text()}
	case "DUPLICATE_PASS":
		return &stationerrors.DuplicatePassError{WIPID: wipID}
	case "INVALID_WIP_STATUS":
		return &stationerrors.InvalidWIPStatusError{WIPID: wipID, Message: payload.text()}
	}

	if resp.StatusCode == http.StatusNotFound && strings.Contains(path, "/wip-items/") {
		return &stationerrors.WIPNotFoundError{WIPID: wipID}
	}

	message := payload.text()
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return &stationerrors.BackendError{
		StatusCode: resp.StatusCode,
		Code:       payload.ErrorCode,
		Message:    message,
		Retryable:  retryableStatus(resp.StatusCode),
	}
}

func retryableStatus(status int) bool {
	return status >= http.StatusInternalServerError ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests
}

// wipIDFromPath pulls the id segment out of /api/v1/wip-items/{id}/....
func wipIDFromPath(path string) string {
	parts := strings.Split(path, "/")
	for i, part := range parts {
		if part == "wip-items" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
