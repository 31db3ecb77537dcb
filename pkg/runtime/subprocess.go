package runtime

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// maxStderrExcerpt bounds the stderr tail attached to failure errors.
const maxStderrExcerpt = 2048

// lineParser consumes one NDJSON line and folds it into the result.
// Returning an error aborts the stream.
type lineParser func(line []byte, result *InvokeResult) error

// runStreaming spawns the CLI, feeds it the prompt on stdin, and parses
// stdout line by line. Cancelling ctx (or hitting req.Timeout) kills the
// subprocess.
func runStreaming(ctx context.Context, req InvokeRequest, command string, args []string, env []string, parse lineParser) (*InvokeResult, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, ErrNoPrompt
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Env = env
	if req.CWD != "" {
		cmd.Dir = req.CWD
	}
	cmd.Stdin = strings.NewReader(req.Prompt)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", command, err)
	}

	result := &InvokeResult{}
	var parseErr error

	scanner := bufio.NewScanner(stdout)
	// Assistant turns with large tool inputs can exceed the default 64 KiB
	// token limit.
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := parse(line, result); err != nil {
			parseErr = err
			break
		}
	}
	if parseErr == nil {
		parseErr = scanner.Err()
	}

	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %s", command, req.Timeout)
		}
		return nil, ctx.Err()
	}
	if waitErr != nil {
		return nil, fmt.Errorf("%s exited with error: %w%s", command, waitErr, stderrExcerpt(&stderr))
	}
	if parseErr != nil {
		return nil, fmt.Errorf("parsing %s output: %w", command, parseErr)
	}
	return result, nil
}

func stderrExcerpt(buf *bytes.Buffer) string {
	s := strings.TrimSpace(buf.String())
	if s == "" {
		return ""
	}
	if len(s) > maxStderrExcerpt {
		s = s[len(s)-maxStderrExcerpt:]
	}
	return "; stderr: " + s
}

// envList builds the subprocess environment: the parent environment with
// blocked keys removed, overlaid with the request's env map. The parent
// environment is the base so PATH, HOME, and runtime API keys survive.
func envList(env map[string]string, blocked func(key string) bool) []string {
	parent := os.Environ()
	out := make([]string, 0, len(parent)+len(env))
	for _, kv := range parent {
		key, _, _ := strings.Cut(kv, "=")
		if blocked(key) {
			continue
		}
		if _, overridden := env[key]; overridden {
			continue
		}
		out = append(out, kv)
	}
	for k, v := range env {
		if blocked(k) {
			continue
		}
		out = append(out, k+"="+v)
	}
	return out
}

// withModelArg appends the --model flag when the request names one.
func withModelArg(args []string, req InvokeRequest) []string {
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	return args
}
