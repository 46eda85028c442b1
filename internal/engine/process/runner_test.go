//go:build unix

package process

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestExecRunnerReportsExitCodeWithoutError(t *testing.T) {
	r := NewExecRunner()
	out, err := r.Run(context.Background(), Command{Args: []string{"sh", "-c", "echo out; echo err >&2; exit 3"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode != 3 {
		t.Fatalf("expected exit code 3, got %d", out.ExitCode)
	}
	if strings.TrimSpace(out.Stdout) != "out" || strings.TrimSpace(out.Stderr) != "err" {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestExecRunnerSpawnFailureIsError(t *testing.T) {
	r := NewExecRunner()
	if _, err := r.Run(context.Background(), Command{Args: []string{"/nonexistent/flowrunner-tool"}}); err == nil {
		t.Fatalf("expected spawn error")
	}
	if _, err := r.Run(context.Background(), Command{}); err == nil {
		t.Fatalf("expected error for empty command")
	}
}

func TestExecRunnerKillsProcessGroupOnCancel(t *testing.T) {
	r := NewExecRunner()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	out, err := r.Run(ctx, Command{Args: []string{"sh", "-c", "sleep 30 & sleep 30"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.ExitCode == 0 {
		t.Fatalf("expected non-zero exit after cancel")
	}
	if time.Since(start) > 10*time.Second {
		t.Fatalf("run did not return promptly after cancel")
	}
}

func TestExecRunnerKeepsOutputTail(t *testing.T) {
	r := NewExecRunner()
	r.MaxOutputBytes = 16
	out, err := r.Run(context.Background(), Command{Args: []string{"sh", "-c", "i=0; while [ $i -lt 200 ]; do printf 'noise-'; i=$((i+1)); done; printf 'npm ERR! last'"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.HasSuffix(out.Stdout, "npm ERR! last") {
		t.Fatalf("expected tail to survive, got %q", out.Stdout)
	}
	if !strings.HasPrefix(out.Stdout, "...(truncated)") {
		t.Fatalf("expected truncation marker, got %q", out.Stdout)
	}
	if body := strings.TrimPrefix(out.Stdout, "...(truncated)\n"); len(body) != 16 {
		t.Fatalf("expected 16 kept bytes, got %d", len(body))
	}
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{max: 5}
	b.Write([]byte("abc"))
	if b.String() != "abc" {
		t.Fatalf("expected abc, got %q", b.String())
	}
	b.Write([]byte("def"))
	if b.String() != "...(truncated)\nbcdef" {
		t.Fatalf("unexpected tail %q", b.String())
	}
	n, _ := b.Write([]byte("0123456789"))
	if n != 10 || b.String() != "...(truncated)\n56789" {
		t.Fatalf("unexpected tail %q (n=%d)", b.String(), n)
	}
}

func TestParseCommand(t *testing.T) {
	args, err := ParseCommand(`npm run "build:prod" --silent`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"npm", "run", "build:prod", "--silent"}
	if strings.Join(args, "|") != strings.Join(want, "|") {
		t.Fatalf("expected %v, got %v", want, args)
	}
	if _, err := ParseCommand("   "); err == nil {
		t.Fatalf("expected error for blank command")
	}
}
