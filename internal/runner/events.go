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

// Package runner spawns a sequence package as a child process and parses
// its JSON-Lines event stream from stdout. The child's pipes are
// blocking, so two dedicated reader goroutines feed parsed events to the
// caller's callbacks.
package runner

// Child event types on the stdout JSON-Lines stream.
const (
	EventStepStart        = "step_start"
	EventStepComplete     = "step_complete"
	EventMeasurement      = "measurement"
	EventLog              = "log"
	EventError            = "error"
	EventStatus           = "status"
	EventInputRequest     = "input_request"
	EventSequenceComplete = "sequence_complete"
)

// Event is one decoded line from the child's stdout. Fields are a union
// over all event types; Type selects which are meaningful.
type Event struct {
	Type string `json:"type"`

	// step_start / step_complete
	Step       string         `json:"step,omitempty"`
	Index      int            `json:"index,omitempty"`
	Total      int            `json:"total,omitempty"`
	Status     string         `json:"status,omitempty"`
	Pass       *bool          `json:"pass,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Defects    []string       `json:"defects,omitempty"`

	// measurement
	Name  string `json:"name,omitempty"`
	Value any    `json:"value,omitempty"`
	Unit  string `json:"unit,omitempty"`

	// log
	Level   string `json:"level,omitempty"`
	Message string `json:"message,omitempty"`

	// status
	State    string  `json:"state,omitempty"`
	Progress float64 `json:"progress,omitempty"`

	// input_request
	ID        string  `json:"id,omitempty"`
	Prompt    string  `json:"prompt,omitempty"`
	InputType string  `json:"input_type,omitempty"`
	Options   []any   `json:"options,omitempty"`
	Default   any     `json:"default,omitempty"`
	Timeout   float64 `json:"timeout,omitempty"`

	// sequence_complete
	OverallPass  bool           `json:"overall_pass,omitempty"`
	Error        string         `json:"error,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
	Measurements map[string]any `json:"measurements,omitempty"`
}

// Callbacks receives typed child events. Unset callbacks drop their
// events. Callbacks run on the stdout reader goroutine and must not
// block.
type Callbacks struct {
	OnStepStart        func(Event)
	OnStepComplete     func(Event)
	OnMeasurement      func(Event)
	OnLog              func(Event)
	OnError            func(Event)
	OnStatus           func(Event)
	OnInputRequest     func(Event)
	OnSequenceComplete func(Event)
}

func (c *Callbacks) dispatch(e Event) bool {
	var fn func(Event)
	switch e.Type {
	case EventStepStart:
		fn = c.OnStepStart
	case EventStepComplete:
		fn = c.OnStepComplete
	case EventMeasurement:
		fn = c.OnMeasurement
	case EventLog:
		fn = c.OnLog
	case EventError:
		fn = c.OnError
	case EventStatus:
		fn = c.OnStatus
	case EventInputRequest:
		fn = c.OnInputRequest
	case EventSequenceComplete:
		fn = c.OnSequenceComplete
	default:
		return false
	}
	if fn != nil {
		fn(e)
	}
	return true
}
