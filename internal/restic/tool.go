// Package restic wraps the external backup tool as a line-delimited JSON
// subprocess. Both the agent's operation executor and the controller's
// bucket repository service run the tool through it.
package restic

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	// defaultRunTimeout bounds a single subprocess execution. Backups of
	// large trees are slow; the bound exists to turn a wedged tool into a
	// reported failure instead of a stuck process.
	defaultRunTimeout = 6 * time.Hour
)

// Already-initialized markers the tool prints on stderr when init hits an
// existing repository. Local and cloud repositories word it differently.
const (
	alreadyInitLocal = "config file already exists"
	alreadyInitCloud = "repository master key and config already initialized"
)

// Output is the parsed result of one tool run.
type Output struct {
	// Summary is the first stdout line whose message_type is "summary".
	// Nil when the operation emitted none (init and snapshots do not).
	Summary json.RawMessage

	// FirstJSON is the first stdout line that parses as a JSON value of any
	// shape. Init responses are a single object; snapshot listings are an
	// array.
	FirstJSON json.RawMessage

	// AlreadyInitialized is set when the tool exited non-zero but stderr
	// carried one of the already-initialized markers. The run is then
	// reported as the semantic "already initialized" outcome, not an error.
	AlreadyInitialized bool
}

// RunOptions carries the per-run subprocess inputs.
type RunOptions struct {
	// Stdin is written to the subprocess followed by a newline. Local
	// repository passwords arrive this way; cloud runs leave it empty.
	Stdin string

	// Env is overlaid on the inherited process environment.
	Env map[string]string
}

// Tool runs the backup tool binary. Safe for concurrent use; every Run call
// builds an independent exec.Cmd.
type Tool struct {
	bin     string
	timeout time.Duration
	logger  *zap.Logger
}

// NewTool returns a Tool for the given binary path. timeout zero selects the
// default bound.
func NewTool(bin string, timeout time.Duration, logger *zap.Logger) *Tool {
	if timeout <= 0 {
		timeout = defaultRunTimeout
	}
	return &Tool{bin: bin, timeout: timeout, logger: logger.Named("tool")}
}

// Run executes the tool with args, scanning stdout line by line for JSON
// events. Non-JSON lines (password prompts, deprecation warnings) are
// skipped. A non-zero exit returns an error carrying the trimmed stderr,
// except when stderr matches an already-initialized marker.
func (t *Tool) Run(ctx context.Context, args []string, opts RunOptions) (Output, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, t.bin, args...)
	if opts.Stdin != "" {
		cmd.Stdin = strings.NewReader(opts.Stdin + "\n")
	}

	env := cmd.Environ()
	for k, v := range opts.Env {
		env = append(env, k+"="+v)
	}
	cmd.Env = env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Output{}, fmt.Errorf("restic: failed to open stdout pipe: %w", err)
	}

	var stderrBuf strings.Builder
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return Output{}, fmt.Errorf("restic: failed to start %s: %w", t.bin, err)
	}

	var out Output
	scanner := bufio.NewScanner(stdout)
	// Snapshot listings can be one very long array line.
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var probe any
		if err := json.Unmarshal([]byte(line), &probe); err != nil {
			continue
		}
		raw := json.RawMessage(line)

		if out.FirstJSON == nil {
			out.FirstJSON = raw
		}
		if out.Summary == nil && messageTypeOf(probe) == "summary" {
			out.Summary = raw
		}
	}

	waitErr := cmd.Wait()
	stderr := strings.TrimSpace(stderrBuf.String())

	if ctx.Err() == context.DeadlineExceeded {
		return Output{}, fmt.Errorf("restic: %s timed out after %s", t.bin, t.timeout)
	}

	if waitErr != nil {
		if strings.Contains(stderr, alreadyInitLocal) || strings.Contains(stderr, alreadyInitCloud) {
			out.AlreadyInitialized = true
			return out, nil
		}
		return Output{}, fmt.Errorf("restic: %s %s failed: %w\n%s", t.bin, firstArg(args), waitErr, stderr)
	}
	return out, nil
}

// messageTypeOf extracts message_type from a decoded JSON value, or "".
func messageTypeOf(v any) string {
	obj, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	mt, _ := obj["message_type"].(string)
	return mt
}

// firstArg returns the verb of an invocation for error messages, skipping
// the repository flag pair.
func firstArg(args []string) string {
	for i := 0; i < len(args); i++ {
		if args[i] == "-r" {
			i++
			continue
		}
		return args[i]
	}
	return ""
}
