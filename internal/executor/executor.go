// Package executor is the boundary between the scheduler and whatever
// produces a trade decision from a claimed run. The scheduler only needs
// Analyze to eventually return a result or an error; everything else about
// the analysis is opaque to it.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/dawi369/polymancer/internal/queue"
)

// Analyzer runs one claimed run's decision cycle.
type Analyzer interface {
	Analyze(ctx context.Context, run *queue.RunRecord) (*queue.RunOutputResult, error)
}

// limitedBuffer caps captured process output; overflow is dropped silently.
type limitedBuffer struct {
	bytes.Buffer
	cap int
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	left := l.cap - l.Len()
	if left <= 0 {
		return len(p), nil
	}
	if len(p) > left {
		p = p[:left]
	}
	return l.Buffer.Write(p)
}

// ShellAnalyzer shells out to the market-analysis command, passing the run's
// input params as a JSON payload and reading a RunOutputResult envelope from
// stdout.
type ShellAnalyzer struct {
	// BaseCommand is the analysis command, e.g. ["python3", "-m", "polymancer.analyze"].
	BaseCommand []string
	Timeout     time.Duration
	MaxOutput   int
}

func NewShellAnalyzer(baseCommand []string, timeout time.Duration) *ShellAnalyzer {
	return &ShellAnalyzer{
		BaseCommand: baseCommand,
		Timeout:     timeout,
		MaxOutput:   1 << 20,
	}
}

type shellPayload struct {
	RunID       string                `json:"run_id"`
	BotID       string                `json:"bot_id"`
	RunType     queue.RunType         `json:"run_type"`
	Attempt     int                   `json:"attempt"`
	InputParams *queue.RunInputParams `json:"input_params,omitempty"`
}

func (a *ShellAnalyzer) Analyze(ctx context.Context, run *queue.RunRecord) (*queue.RunOutputResult, error) {
	if len(a.BaseCommand) == 0 {
		return nil, fmt.Errorf("analyzer command not configured")
	}

	payload, err := json.Marshal(shellPayload{
		RunID:       run.ID,
		BotID:       run.BotID,
		RunType:     run.RunType,
		Attempt:     run.RetryCount,
		InputParams: run.InputParams,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, a.Timeout)
	defer cancel()

	args := append([]string{}, a.BaseCommand...)
	args = append(args, "--payload", string(payload))
	cmd := exec.CommandContext(cmdCtx, args[0], args[1:]...)

	stdout := &limitedBuffer{cap: a.MaxOutput}
	stderr := &limitedBuffer{cap: a.MaxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Run(); err != nil {
		if cmdCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("analysis timed out after %s", a.Timeout)
		}
		return nil, fmt.Errorf("analysis failed: %v: %s", err, firstLine(stderr.String()))
	}

	var output queue.RunOutputResult
	if err := json.Unmarshal(stdout.Bytes(), &output); err != nil {
		return nil, fmt.Errorf("parse analysis output: %w", err)
	}
	return &output, nil
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
