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
	"context"
	"net/http"
	"net/url"
	"strconv"
)

// WIPItem is a work-in-process item as returned by the scan endpoint. The
// backend identifies WIPs by a human-readable string and a numeric
// internal id; process transitions use the numeric id.
type WIPItem struct {
	ID       int    `json:"id"`
	WIPID    string `json:"wip_id"`
	Status   string `json:"status"`
	Model    string `json:"model,omitempty"`
	HeaderID int    `json:"header_id,omitempty"`
}

// LookupWIP resolves a WIP string id to the full item via the scan
// endpoint.
func (c *Client) LookupWIP(ctx context.Context, wipID string) (*WIPItem, error) {
	var item WIPItem
	path := "/api/v1/wip-items/" + url.PathEscape(wipID) + "/scan"
	if err := c.do(ctx, authJWT, http.MethodPost, path, nil, &item); err != nil {
		return nil, err
	}
	return &item, nil
}

// StartProcessRequest is the 착공 payload.
type StartProcessRequest struct {
	ProcessID   int    `json:"process_id"`
	OperatorID  int    `json:"operator_id"`
	EquipmentID string `json:"equipment_id,omitempty"`
	HeaderID    int    `json:"header_id,omitempty"`
	SlotID      int    `json:"slot_id,omitempty"`
}

// StartProcess records process start (착공) for a WIP item. Business
// rejections (PrerequisiteNotMet, DuplicatePass, InvalidWIPStatus) are
// hard errors; callers must not enqueue them for retry.
func (c *Client) StartProcess(ctx context.Context, wipIntID int, req StartProcessRequest) error {
	path := intPath("/api/v1/wip-items/%d/start-process", wipIntID)
	return c.do(ctx, authJWT, http.MethodPost, path, req, nil)
}

// CompleteProcessRequest is the 완공 payload.
type CompleteProcessRequest struct {
	Result       string         `json:"result"`
	Measurements map[string]any `json:"measurements,omitempty"`
	Defects      []string       `json:"defects,omitempty"`
}

// WIPProcessResult is the backend's view of the WIP after completion.
type WIPProcessResult struct {
	Status     string `json:"status"`
	CanConvert bool   `json:"can_convert"`
}

// CompleteProcess records process completion (완공). process_id and
// operator_id ride in the query string, result and measurements in the
// body.
func (c *Client) CompleteProcess(ctx context.Context, wipIntID, processID, operatorID int, req CompleteProcessRequest) (*WIPProcessResult, error) {
	params := url.Values{}
	params.Set("process_id", strconv.Itoa(processID))
	params.Set("operator_id", strconv.Itoa(operatorID))
	path := queryPath(intPath("/api/v1/wip-items/%d/complete-process", wipIntID), params)

	var result WIPProcessResult
	if err := c.do(ctx, authJWT, http.MethodPost, path, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// ConvertToSerial converts a completed WIP item to a serialized unit.
func (c *Client) ConvertToSerial(ctx context.Context, wipIntID int) error {
	path := intPath("/api/v1/wip-items/%d/convert-to-serial", wipIntID)
	return c.do(ctx, authJWT, http.MethodPost, path, nil, nil)
}
