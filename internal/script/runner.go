package script

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"
)

// interpreters maps a script language to the command that reads a program
// from stdin. The program receives a JSON object of inputs on stdin after
// the source (separated by the runner protocol below) and must print a JSON
// object of outputs on stdout.
var interpreters = map[string][]string{
	"python": {"python3", "-c"},
	"node":   {"node", "-e"},
	"sh":     {"sh", "-c"},
}

// ProcessRunner runs scripts as child processes: the source is passed as
// the interpreter's program argument, inputs arrive as JSON on stdin, and
// outputs are read as JSON from stdout. Output size is capped to keep a
// misbehaving script from ballooning memory.
type ProcessRunner struct {
	maxOutputBytes int64
	sandbox        Sandbox
}

// NewProcessRunner creates a ProcessRunner. A zero maxOutputBytes falls
// back to 1 MiB.
func NewProcessRunner(maxOutputBytes int64) *ProcessRunner {
	if maxOutputBytes <= 0 {
		maxOutputBytes = 1 << 20
	}
	return &ProcessRunner{maxOutputBytes: maxOutputBytes, sandbox: NewSandbox()}
}

var _ Runner = (*ProcessRunner)(nil)

// Run executes the script and decodes its stdout as the output variables.
func (r *ProcessRunner) Run(ctx context.Context, req Request) (map[string]any, error) {
	argv, ok := interpreters[req.Language]
	if !ok {
		return nil, fmt.Errorf("unsupported script language %q", req.Language)
	}

	stdin, err := json.Marshal(req.Inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal script inputs: %w", err)
	}

	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], req.Source)...)
	cmd.Stdin = bytes.NewReader(stdin)
	// Scripts get no inherited environment.
	cmd.Env = []string{}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = 5 * time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdout, n: r.maxOutputBytes}
	cmd.Stderr = &limitedWriter{w: &stderr, n: 64 << 10}
	r.sandbox.Harden(cmd)

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("script exited with error: %w (stderr: %s)", err, stderr.String())
	}

	out := stdout.Bytes()
	if len(bytes.TrimSpace(out)) == 0 {
		return map[string]any{}, nil
	}
	var outputs map[string]any
	if err := json.Unmarshal(out, &outputs); err != nil {
		return nil, fmt.Errorf("script stdout is not a JSON object: %w", err)
	}
	return outputs, nil
}

// limitedWriter discards bytes past the limit instead of failing the write,
// so a chatty script still terminates normally.
type limitedWriter struct {
	w *bytes.Buffer
	n int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n <= 0 {
		return len(p), nil
	}
	if int64(len(p)) > l.n {
		l.w.Write(p[:l.n])
		l.n = 0
		return len(p), nil
	}
	l.n -= int64(len(p))
	return l.w.Write(p)
}
