// Package result defines sandbox execution results and verdict mapping.
package result

import (
	"bufio"
	"encoding/json"
	"strconv"
	"strings"
)

// ExecutionStatus is the lifecycle state of a run record.
type ExecutionStatus string

const (
	StatusRunning   ExecutionStatus = "RUNNING"
	StatusSucceeded ExecutionStatus = "SUCCEEDED"
	StatusFailed    ExecutionStatus = "FAILED"
)

// Verdict is the outcome classification of one sandboxed run.
type Verdict string

const (
	VerdictOK              Verdict = "OK"
	VerdictRuntimeError    Verdict = "RUNTIME_ERROR"
	VerdictCrashed         Verdict = "CRASHED"
	VerdictTimeout         Verdict = "TIMEOUT"
	VerdictInternalError   Verdict = "INTERNAL_ERROR"
	VerdictUnknownError    Verdict = "UNKNOWN_ERROR"
	VerdictInvalidArtifact Verdict = "INVALID_ARTIFACT"
)

// ExecutionStatus maps a verdict onto the run lifecycle; anything but OK fails the run.
func (v Verdict) ExecutionStatus() ExecutionStatus {
	if v == VerdictOK {
		return StatusSucceeded
	}
	return StatusFailed
}

// Meta keys written by isolate.
const (
	MetaStatus   = "status"
	MetaTime     = "time"
	MetaWallTime = "time-wall"
	MetaExitCode = "exitcode"
	MetaExitSig  = "exitsig"
	MetaMessage  = "message"
	MetaMaxRSS   = "max-rss"
	MetaKilled   = "killed"
)

// ParseMeta reads isolate's key:value meta lines. Malformed lines are skipped.
func ParseMeta(content string) map[string]string {
	meta := make(map[string]string)
	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		meta[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return meta
}

// VerdictFromMeta maps isolate's status code to a verdict.
func VerdictFromMeta(meta map[string]string) Verdict {
	status, ok := meta[MetaStatus]
	if !ok || status == "" {
		return VerdictOK
	}
	switch status {
	case "XX":
		return VerdictInternalError
	case "TO":
		return VerdictTimeout
	case "RE":
		return VerdictRuntimeError
	case "SG":
		return VerdictCrashed
	default:
		return VerdictUnknownError
	}
}

// TimeFromMeta returns the CPU time reported by isolate, falling back to wall time.
func TimeFromMeta(meta map[string]string) float64 {
	for _, key := range []string{MetaTime, MetaWallTime} {
		if raw, ok := meta[key]; ok {
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				return v
			}
		}
	}
	return 0
}

// ExecutionResult is the outcome of one sandboxed run. It is built once and
// passed by value; nothing mutates it after construction.
type ExecutionResult struct {
	Verdict        Verdict     `json:"verdict"`
	TimeInSeconds  float64     `json:"timeInSeconds"`
	StandardOutput string      `json:"standardOutput"`
	StandardError  string      `json:"standardError"`
	Output         interface{} `json:"output"`
	ErrorMessage   string      `json:"errorMessage,omitempty"`
}

// Status returns the execution status implied by the verdict.
func (r ExecutionResult) Status() ExecutionStatus {
	return r.Verdict.ExecutionStatus()
}

// FromMeta builds a result from isolate meta plus the captured streams.
func FromMeta(meta map[string]string, stdout, stderr string, output []byte) ExecutionResult {
	res := ExecutionResult{
		Verdict:        VerdictFromMeta(meta),
		TimeInSeconds:  TimeFromMeta(meta),
		StandardOutput: stdout,
		StandardError:  stderr,
		Output:         ParseOutput(output),
	}
	if res.Verdict != VerdictOK {
		res.ErrorMessage = meta[MetaMessage]
	}
	return res
}

// InvalidArtifact builds the result for a run that never started because the
// staged bundle failed its structural check.
func InvalidArtifact(message string) ExecutionResult {
	return ExecutionResult{
		Verdict:      VerdictInvalidArtifact,
		ErrorMessage: message,
	}
}

// ParseOutput decodes JSON output, keeping the raw text when it is not JSON.
func ParseOutput(raw []byte) interface{} {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		return v
	}
	return string(raw)
}
