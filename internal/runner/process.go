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

package runner

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	stationerrors "github.com/mfgkit/stationd/pkg/errors"
)

const (
	// stopGraceTimeout is how long a stop command may take before SIGTERM.
	stopGraceTimeout = 5 * time.Second
	// termTimeout is how long SIGTERM may take before SIGKILL.
	termTimeout = 3 * time.Second

	// maxLineSize bounds one stdout/stderr line (large measurement payloads).
	maxLineSize = 1 << 20
)

// Options configures a sequence child process.
type Options struct {
	// Package is the sequence package name under SequencesDir.
	Package string
	// SequencesDir is the sequences root; the child's working directory is
	// its parent so the package tree is importable.
	SequencesDir string
	// Config is serialized to JSON and passed via --config.
	Config map[string]any
	// Interpreter overrides the python binary (default "python").
	Interpreter string
	Callbacks   Callbacks
	Logger      *slog.Logger
}

// Process is one running sequence child. Not restartable; create a new
// Process per execution.
type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	logger *slog.Logger

	callbacks Callbacks

	stdinMu  sync.Mutex
	readers  sync.WaitGroup
	terminal atomic.Bool

	exited  chan struct{}
	exitErr error
}

// Start spawns the child process and begins reading its pipes.
func Start(opts Options) (*Process, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interpreter := opts.Interpreter
	if interpreter == "" {
		interpreter = "python"
	}

	configJSON, err := json.Marshal(opts.Config)
	if err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: opts.Package, Cause: err}
	}

	module := fmt.Sprintf("%s.%s.main", filepath.Base(opts.SequencesDir), opts.Package)
	cmd := exec.Command(interpreter, "-m", module, "--start", "--config", string(configJSON))
	cmd.Dir = filepath.Dir(opts.SequencesDir)
	cmd.Env = append(cmd.Environ(),
		"PYTHONUNBUFFERED=1",
		"PYTHONIOENCODING=utf-8",
	)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: opts.Package, Cause: err}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: opts.Package, Cause: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: opts.Package, Cause: err}
	}

	if err := cmd.Start(); err != nil {
		return nil, &stationerrors.SequenceLoadError{Package: opts.Package, Cause: err}
	}

	p := &Process{
		cmd:       cmd,
		stdin:     stdin,
		logger:    logger.With(slog.String("component", "runner"), slog.String("package", opts.Package)),
		callbacks: opts.Callbacks,
		exited:    make(chan struct{}),
	}

	p.readers.Add(2)
	go p.readStdout(stdout)
	go p.readStderr(stderr)
	go p.reap()

	p.logger.Info("sequence process started", slog.Int("pid", cmd.Process.Pid))
	return p, nil
}

// PID returns the child's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// readStdout decodes JSON-Lines events and dispatches callbacks.
// Non-JSON lines are logged at debug and dropped.
func (p *Process) readStdout(r io.Reader) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event Event
		if err := json.Unmarshal(line, &event); err != nil || event.Type == "" {
			p.logger.Debug("non-event output", slog.String("line", string(line)))
			continue
		}

		if event.Type == EventSequenceComplete {
			// First terminal event wins; a duplicate from a misbehaving
			// child is dropped.
			if !p.terminal.CompareAndSwap(false, true) {
				p.logger.Warn("duplicate sequence_complete from child")
				continue
			}
		}
		if !p.callbacks.dispatch(event) {
			p.logger.Debug("unknown event type", slog.String("type", event.Type))
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Warn("stdout reader failed", slog.Any("error", err))
	}
}

// readStderr forwards child diagnostics to the log.
func (p *Process) readStderr(r io.Reader) {
	defer p.readers.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.logger.Warn("[stderr] " + line)
		}
	}
}

// reap joins the readers, waits for the child, and synthesizes a failure
// completion if the child died without a terminal event.
func (p *Process) reap() {
	p.readers.Wait()
	p.exitErr = p.cmd.Wait()

	if code := exitCode(p.exitErr); code != 0 && p.terminal.CompareAndSwap(false, true) {
		p.logger.Error("sequence process died without completing", slog.Int("exit_code", code))
		p.callbacks.dispatch(Event{
			Type:        EventSequenceComplete,
			OverallPass: false,
			Error:       fmt.Sprintf("sequence process exited with code %d", code),
		})
	}
	close(p.exited)
}

// Wait blocks until the child has exited and all output is consumed.
func (p *Process) Wait() error {
	<-p.exited
	return p.exitErr
}

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.exited:
		return false
	default:
		return true
	}
}

// SendInput answers an input_request from the child. The answer line is
// `{"type":"input_response","data":{"id":...,"value":...}}`.
func (p *Process) SendInput(id string, value any) error {
	return p.writeJSON(struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}{
		Type: "input_response",
		Data: map[string]any{"id": id, "value": value},
	})
}

// Stop asks the child to stop, escalating to SIGTERM and then SIGKILL.
func (p *Process) Stop() error {
	if err := p.writeJSON(map[string]any{"type": "command", "action": "stop"}); err == nil {
		select {
		case <-p.exited:
			return p.exitErr
		case <-time.After(stopGraceTimeout):
		}
	}

	p.logger.Warn("sequence process ignored stop command, sending SIGTERM")
	p.cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-p.exited:
		return p.exitErr
	case <-time.After(termTimeout):
	}

	p.logger.Error("sequence process ignored SIGTERM, killing")
	p.cmd.Process.Kill()
	<-p.exited
	return p.exitErr
}

func (p *Process) writeJSON(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	_, err = p.stdin.Write(append(data, '\n'))
	return err
}

// exitCode extracts the child's exit code from cmd.Wait's error.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
