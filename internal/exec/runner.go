// Package exec provides a testable command execution abstraction.
// Inject Runner instead of calling os/exec directly so transports can be
// exercised without spawning real processes.
package exec

import (
	"bufio"
	"context"
	"io"
	osexec "os/exec"
	"strings"
	"sync"
)

// LineFunc receives one trimmed output line as it arrives.
type LineFunc func(line string)

// Runner defines the interface for executing external commands.
type Runner interface {
	// LookPath reports the absolute path of an executable, or an error
	// when it is not installed.
	LookPath(name string) (string, error)

	// Run executes a command in dir and returns combined stdout/stderr.
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, error)

	// Stream executes a command in dir, delivering stdout and stderr
	// line by line while the process runs. It returns the exit code once
	// the process finishes. A spawn failure (for example a missing
	// binary) is returned as an error with exit code -1.
	Stream(ctx context.Context, dir string, onStdout, onStderr LineFunc, name string, args ...string) (int, error)
}

// OSRunner implements Runner using os/exec. Arguments are always passed as
// a literal argv, never through a shell.
type OSRunner struct {
	// Env overrides environment variables (nil = inherit from parent)
	Env []string
}

// NewOSRunner creates a new OS-based command runner.
func NewOSRunner() *OSRunner {
	return &OSRunner{}
}

func (r *OSRunner) LookPath(name string) (string, error) {
	return osexec.LookPath(name)
}

func (r *OSRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if r.Env != nil {
		cmd.Env = r.Env
	}
	return cmd.CombinedOutput()
}

func (r *OSRunner) Stream(ctx context.Context, dir string, onStdout, onStderr LineFunc, name string, args ...string) (int, error) {
	cmd := osexec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if r.Env != nil {
		cmd.Env = r.Env
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, err
	}

	if err := cmd.Start(); err != nil {
		return -1, err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go scanLines(stdout, onStdout, &wg)
	go scanLines(stderr, onStderr, &wg)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*osexec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

func scanLines(r io.Reader, fn LineFunc, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if fn != nil {
			fn(line)
		}
	}
}

// MockRunner implements Runner for testing.
type MockRunner struct {
	// Calls records all command invocations
	Calls []MockCall

	// Responses maps command names to canned responses
	Responses map[string]MockResponse

	// MissingBinaries lists names LookPath should reject
	MissingBinaries []string
}

// MockCall records a single command invocation.
type MockCall struct {
	Name string
	Args []string
	Dir  string
}

// MockResponse defines the response for a mocked command.
type MockResponse struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Err      error

	// StreamStdout and StreamStderr are delivered line by line by Stream.
	StreamStdout []string
	StreamStderr []string
}

// NewMockRunner creates a new mock runner.
func NewMockRunner() *MockRunner {
	return &MockRunner{Responses: make(map[string]MockResponse)}
}

// AddResponse sets the response for a command name.
func (m *MockRunner) AddResponse(name string, resp MockResponse) {
	m.Responses[name] = resp
}

func (m *MockRunner) record(name string, args []string, dir string) {
	m.Calls = append(m.Calls, MockCall{Name: name, Args: args, Dir: dir})
}

func (m *MockRunner) getResponse(name string) MockResponse {
	if resp, ok := m.Responses[name]; ok {
		return resp
	}
	return MockResponse{}
}

// CallsFor returns the recorded calls matching the given command name.
func (m *MockRunner) CallsFor(name string) []MockCall {
	var out []MockCall
	for _, c := range m.Calls {
		if c.Name == name {
			out = append(out, c)
		}
	}
	return out
}

func (m *MockRunner) LookPath(name string) (string, error) {
	for _, missing := range m.MissingBinaries {
		if missing == name {
			return "", &osexec.Error{Name: name, Err: osexec.ErrNotFound}
		}
	}
	return "/usr/bin/" + name, nil
}

func (m *MockRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	m.record(name, args, dir)
	resp := m.getResponse(name)
	out := append(resp.Stdout, resp.Stderr...)
	return out, resp.Err
}

func (m *MockRunner) Stream(ctx context.Context, dir string, onStdout, onStderr LineFunc, name string, args ...string) (int, error) {
	m.record(name, args, dir)
	resp := m.getResponse(name)
	if resp.Err != nil {
		return -1, resp.Err
	}
	for _, line := range resp.StreamStdout {
		if onStdout != nil {
			onStdout(strings.TrimSpace(line))
		}
	}
	for _, line := range resp.StreamStderr {
		if onStderr != nil {
			onStderr(strings.TrimSpace(line))
		}
	}
	return resp.ExitCode, nil
}
