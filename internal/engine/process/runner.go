// Package process runs external tools (isolate, npm) on behalf of the engine.
package process

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/shlex"
)

// Command describes one external process invocation.
type Command struct {
	Args []string
	Dir  string
	Env  []string
}

// Output is what a finished process left behind.
type Output struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
}

// Combined returns stdout followed by stderr.
func (o Output) Combined() string {
	if o.Stderr == "" {
		return o.Stdout
	}
	if o.Stdout == "" {
		return o.Stderr
	}
	return o.Stdout + "\n" + o.Stderr
}

// Runner executes commands. It returns an error only when the process could
// not be started; a non-zero exit status is reported through Output.ExitCode.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Output, error)
}

const defaultMaxOutputBytes = 64 * 1024

// ExecRunner runs commands with os/exec in their own process group.
type ExecRunner struct {
	// WaitDelay bounds how long Run waits for pipes after the group is killed.
	WaitDelay time.Duration
	// MaxOutputBytes caps each of stdout and stderr. Only the tail is kept.
	MaxOutputBytes int
}

// NewExecRunner creates an ExecRunner with defaults.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{WaitDelay: 2 * time.Second, MaxOutputBytes: defaultMaxOutputBytes}
}

func (r *ExecRunner) Run(ctx context.Context, c Command) (Output, error) {
	if len(c.Args) == 0 {
		return Output{}, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	configureProcessGroup(cmd)
	cmd.WaitDelay = r.WaitDelay

	limit := r.MaxOutputBytes
	if limit <= 0 {
		limit = defaultMaxOutputBytes
	}
	stdout := &tailBuffer{max: limit}
	stderr := &tailBuffer{max: limit}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	out := Output{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			out.ExitCode = exitErr.ExitCode()
			return out, nil
		}
		return out, fmt.Errorf("start %s failed: %w", c.Args[0], err)
	}
	return out, nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	max       int
	buf       []byte
	truncated bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= b.max {
		b.buf = append(b.buf[:0], p[n-b.max:]...)
		b.truncated = true
		return n, nil
	}
	if over := len(b.buf) + n - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.truncated = true
	}
	b.buf = append(b.buf, p...)
	return n, nil
}

func (b *tailBuffer) String() string {
	if b.truncated {
		return "...(truncated)\n" + string(b.buf)
	}
	return string(b.buf)
}

// ParseCommand splits a configured command line into argv using shell quoting rules.
func ParseCommand(line string) ([]string, error) {
	args, err := shlex.Split(line)
	if err != nil {
		return nil, fmt.Errorf("parse command %q failed: %w", line, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("command is empty")
	}
	return args, nil
}
