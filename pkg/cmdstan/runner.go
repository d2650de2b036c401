package cmdstan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"photdeblend/pkg/photdeblend"
)

// CommandRunner abstracts process execution for the runner.
type CommandRunner interface {
	Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, int32, error)
}

// ExecRunner executes commands on the local host.
type ExecRunner struct{}

func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) ([]byte, []byte, int32, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.Bytes(), stderr.Bytes(), 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.Bytes(), stderr.Bytes(), int32(exitErr.ExitCode()), err
	}

	exitCode := int32(1)
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		exitCode = 127
	}
	return stdout.Bytes(), stderr.Bytes(), exitCode, err
}

// Options configures a Runner.
type Options struct {
	// Executable is the compiled model.
	Executable   string
	Chains       int
	Samples      int
	Warmup       int
	MaxTreeDepth int
	AdaptDelta   float64
	Seed         uint64
	// WorkDir receives one fit-* directory per Sample call. Empty means the
	// system temp directory.
	WorkDir string
	// Timeout bounds a whole Sample call; zero means none.
	Timeout time.Duration
	// KeepFiles leaves data and output files in place after a successful fit.
	KeepFiles bool
	// Suffixes maps band names to model variable suffixes.
	Suffixes map[string]string
}

func NewOptions() Options {
	return Options{
		Chains:       4,
		Samples:      1000,
		Warmup:       1000,
		MaxTreeDepth: 10,
		AdaptDelta:   0.8,
		Seed:         1,
	}
}

// ChainError reports a chain process that did not finish cleanly. Unwrap
// returns the process error unchanged.
type ChainError struct {
	Chain    int
	ExitCode int32
	Stderr   string
	Err      error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %d exited with status %d: %v", e.Chain, e.ExitCode, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Runner is a photdeblend.Sampler that runs one CmdStan process per chain,
// concurrently, and waits for all of them. A failed chain fails the call;
// nothing is retried.
type Runner struct {
	opts   Options
	cmd    CommandRunner
	logger *zap.Logger
}

func NewRunner(opts Options, cmd CommandRunner, logger *zap.Logger) *Runner {
	if cmd == nil {
		cmd = ExecRunner{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{opts: opts, cmd: cmd, logger: logger}
}

// Args returns the command line of one chain. Chain ids are one-based.
func (r *Runner) Args(chain int, dataFile, outputFile string) []string {
	o := r.opts
	return []string{
		"sample",
		"num_samples=" + strconv.Itoa(o.Samples),
		"num_warmup=" + strconv.Itoa(o.Warmup),
		"adapt", "delta=" + strconv.FormatFloat(o.AdaptDelta, 'g', -1, 64),
		"algorithm=hmc", "engine=nuts", "max_depth=" + strconv.Itoa(o.MaxTreeDepth),
		"id=" + strconv.Itoa(chain),
		"data", "file=" + dataFile,
		"output", "file=" + outputFile,
		"random", "seed=" + strconv.FormatUint(o.Seed, 10),
	}
}

func (r *Runner) Sample(ctx context.Context, in *photdeblend.SamplerInput) (photdeblend.SamplerResult, error) {
	if r.opts.Executable == "" {
		return nil, fmt.Errorf("no model executable configured")
	}
	if r.opts.Chains < 1 {
		return nil, fmt.Errorf("need at least one chain, got %d", r.opts.Chains)
	}
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	dir, err := os.MkdirTemp(r.opts.WorkDir, "fit-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}
	ok := false
	defer func() {
		if ok && !r.opts.KeepFiles {
			os.RemoveAll(dir)
		}
	}()

	dataFile := filepath.Join(dir, "data.json")
	if err := WriteData(dataFile, in, r.opts.Suffixes); err != nil {
		return nil, err
	}

	logger := r.logger.With(zap.String("dir", dir))
	outputs := make([]string, r.opts.Chains)
	g, gctx := errgroup.WithContext(ctx)
	for c := range outputs {
		id := c + 1
		outputs[c] = filepath.Join(dir, fmt.Sprintf("output-%d.csv", id))
		g.Go(func() error {
			start := time.Now()
			_, stderr, code, err := r.cmd.Run(gctx, dir, r.opts.Executable, r.Args(id, dataFile, outputs[c])...)
			if err != nil {
				return &ChainError{Chain: id, ExitCode: code, Stderr: string(stderr), Err: err}
			}
			logger.Debug("chain finished", zap.Int("chain", id), zap.Duration("elapsed", time.Since(start)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		logger.Error("sampler failed", zap.Error(err))
		return nil, err
	}

	res, err := ReadResult(outputs, r.opts.MaxTreeDepth)
	if err != nil {
		return nil, err
	}
	ok = true
	return res, nil
}
