package execution

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"
)

// RunInput describes one product process launch. Parameters travel to the
// process as environment variables; the delegated execution protocol is
// SCANHUB_* keys plus one SCANHUB_PARAM_<KEY> per section parameter.
type RunInput struct {
	JobUUID             string
	ExecutionUUID       string
	ProductID           string
	UseSchedulerStorage bool
	Parameters          map[string]string
	Product             ProductConfig
	WorkspaceDir        string
}

// RunOutput is the observed outcome of the process.
type RunOutput struct {
	ExitCode      int
	Output        string
	ResultPayload string
	TimedOut      bool
	Canceled      bool
}

// Runner spawns scanner product processes and supervises their lifetime.
type Runner struct {
	cancelGrace    time.Duration
	outputMaxBytes int
}

func NewRunner(cancelGrace time.Duration, outputMaxBytes int) *Runner {
	if outputMaxBytes <= 0 {
		outputMaxBytes = 64 * 1024
	}
	return &Runner{
		cancelGrace:    cancelGrace,
		outputMaxBytes: outputMaxBytes,
	}
}

// Run starts the product and waits for it to exit. onStarted receives the pid
// once the process is up, so the caller can persist it for liveness
// reconciliation after a crash.
func (r *Runner) Run(ctx context.Context, input RunInput, onStarted func(pid int)) (RunOutput, error) {
	if ctx == nil {
		return RunOutput{}, errors.New("context is required")
	}
	if err := ctx.Err(); err != nil {
		return RunOutput{}, err
	}

	if err := os.MkdirAll(input.WorkspaceDir, 0o755); err != nil {
		return RunOutput{}, fmt.Errorf("create workspace: %w", err)
	}

	timeout := time.Duration(input.Product.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, input.Product.Program, input.Product.Args...)
	cmd.Dir = input.WorkspaceDir
	cmd.Env = append(os.Environ(), buildEnvironment(input)...)

	// Own process group: the product survives a scanhub shutdown (the
	// delegated tier owns it), and cancellation can signal the whole group.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	output := newBoundedBuffer(r.outputMaxBytes)
	cmd.Stdout = output
	cmd.Stderr = output

	// Cooperative cancellation: SIGTERM first, forced kill after the grace
	// period via WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = r.cancelGrace

	if err := cmd.Start(); err != nil {
		return RunOutput{}, fmt.Errorf("start product %s: %w", input.ProductID, err)
	}
	if onStarted != nil {
		onStarted(cmd.Process.Pid)
	}

	runErr := cmd.Wait()

	out := RunOutput{
		ExitCode: exitCode(runErr),
		Output:   output.String(),
		TimedOut: errors.Is(runCtx.Err(), context.DeadlineExceeded),
		Canceled: errors.Is(ctx.Err(), context.Canceled),
	}

	payload, err := readResultFile(input.WorkspaceDir, input.Product.ResultFile)
	if err != nil {
		return out, err
	}
	out.ResultPayload = payload

	// Products without a result file report through stdout.
	if out.ResultPayload == "" && out.ExitCode == 0 {
		out.ResultPayload = out.Output
	}
	return out, nil
}

func buildEnvironment(input RunInput) []string {
	env := []string{
		"SCANHUB_JOB_UUID=" + input.JobUUID,
		"SCANHUB_EXECUTION_UUID=" + input.ExecutionUUID,
		"SCANHUB_PRODUCT_ID=" + input.ProductID,
		"SCANHUB_USE_SCHEDULER_STORAGE=" + fmt.Sprintf("%t", input.UseSchedulerStorage),
		"SCANHUB_RESULT_FILE=" + input.Product.ResultFile,
	}

	keys := make([]string, 0, len(input.Parameters))
	for key := range input.Parameters {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		env = append(env, "SCANHUB_PARAM_"+sanitizeEnvKey(key)+"="+input.Parameters[key])
	}
	return env
}

func sanitizeEnvKey(key string) string {
	upper := strings.ToUpper(strings.TrimSpace(key))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, upper)
}

func readResultFile(workspaceDir, resultFile string) (string, error) {
	raw, err := os.ReadFile(filepath.Join(workspaceDir, resultFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("read result file: %w", err)
	}
	return string(raw), nil
}

func exitCode(runErr error) int {
	if runErr == nil {
		return 0
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// boundedBuffer keeps at most max bytes and drops the rest. Scanner products
// can be extremely chatty; the excerpt is enough for error reporting.
type boundedBuffer struct {
	max     int
	data    []byte
	dropped int
}

func newBoundedBuffer(max int) *boundedBuffer {
	return &boundedBuffer{max: max}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.max - len(b.data)
	if room > 0 {
		take := min(room, len(p))
		b.data = append(b.data, p[:take]...)
		b.dropped += len(p) - take
	} else {
		b.dropped += len(p)
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	if b.dropped > 0 {
		return string(b.data) + fmt.Sprintf("\n... (%d bytes truncated)", b.dropped)
	}
	return string(b.data)
}
