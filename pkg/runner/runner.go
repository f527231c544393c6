package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"

	"github.com/wzdat/wzdat/pkg/document"
	"github.com/wzdat/wzdat/pkg/engine"
	"github.com/wzdat/wzdat/pkg/stores"
)

// CellSource supplies the executable cells of a unit and receives their
// outputs.
type CellSource interface {
	Steps(ctx context.Context, path string) ([]document.StepCell, error)
	WriteOutputs(ctx context.Context, path string, outputs map[int][]document.Output) error
}

// FileLister resolves file-set references into paths.
type FileLister interface {
	Files(ctx context.Context, ref engine.FileRef) ([]string, error)
}

// ArtifactMetrics receives artifact write measurements.
type ArtifactMetrics interface {
	RecordArtifactWrite(mode string, rows int)
}

// Options configures a StarlarkRunner.
type Options struct {
	Cells     CellSource
	Artifacts stores.ArtifactWriter
	Files     FileLister
	Metrics   ArtifactMetrics
	Logger    *zerolog.Logger

	// MaxSteps bounds the Starlark execution steps of one cell; zero
	// disables the limit.
	MaxSteps uint64
}

// StarlarkRunner executes the code cells of a unit as Starlark, one step per
// cell. Globals defined by a cell are visible, frozen, to later cells.
type StarlarkRunner struct {
	cells     CellSource
	artifacts stores.ArtifactWriter
	files     FileLister
	metrics   ArtifactMetrics
	logger    zerolog.Logger
	maxSteps  uint64
}

var _ engine.UnitRunner = (*StarlarkRunner)(nil)

// New creates a runner.
func New(opts Options) (*StarlarkRunner, error) {
	if opts.Cells == nil {
		return nil, fmt.Errorf("cell source is required")
	}
	if opts.Artifacts == nil {
		return nil, fmt.Errorf("artifact store is required")
	}
	if opts.Files == nil {
		return nil, fmt.Errorf("file lister is required")
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &StarlarkRunner{
		cells:     opts.Cells,
		artifacts: opts.Artifacts,
		files:     opts.Files,
		metrics:   opts.Metrics,
		logger:    logger.With().Str("component", "runner").Logger(),
		maxSteps:  opts.MaxSteps,
	}, nil
}

// Execute runs every code cell of the unit in order. Cancelling ctx aborts
// the running cell.
func (r *StarlarkRunner) Execute(ctx context.Context, unit *engine.Unit, step engine.StepFunc) engine.RunResult {
	result := engine.RunResult{UnitPath: unit.Path}
	logger := r.logger.With().Str("unit", unit.Path).Logger()

	cells, err := r.cells.Steps(ctx, unit.Path)
	if err != nil {
		result.Err = fmt.Errorf("failed to read cells: %w", err)
		return result
	}

	mem := newMemoryProbe()
	env := r.predeclared(ctx, unit)
	outputs := make(map[int][]document.Output, len(cells))

	for i, cell := range cells {
		if err := ctx.Err(); err != nil {
			result.Err = err
			break
		}

		started := time.Now()
		printed, globals, err := r.execCell(ctx, unit.Path, i, cell.Source, env)
		mem.sample()

		if printed != "" {
			outputs[cell.Index] = append(outputs[cell.Index], document.Output{Name: "stdout", Text: printed})
		}
		if err != nil {
			outputs[cell.Index] = append(outputs[cell.Index], document.Output{Name: "stderr", Text: err.Error() + "\n"})
			result.Err = fmt.Errorf("cell %d: %w", i+1, err)
			break
		}
		for name, v := range globals {
			env[name] = v
		}

		logger.Debug().Int("step", i+1).Dur("duration", time.Since(started)).Msg("Cell executed")
		if step != nil {
			step(i + 1)
		}
	}

	result.MaxMemory = mem.peak()

	// Outputs are written even on cancellation so partial prints are kept.
	if werr := r.cells.WriteOutputs(context.WithoutCancel(ctx), unit.Path, outputs); werr != nil {
		logger.Warn().Err(werr).Msg("Failed to write cell outputs")
	}
	return result
}

// execCell runs one cell on its own thread and returns its printed output.
func (r *StarlarkRunner) execCell(ctx context.Context, path string, n int, src string, env starlark.StringDict) (string, starlark.StringDict, error) {
	var out strings.Builder
	thread := &starlark.Thread{
		Name: fmt.Sprintf("%s#%d", path, n+1),
		Print: func(_ *starlark.Thread, msg string) {
			out.WriteString(msg)
			out.WriteByte('\n')
		},
	}
	thread.SetLocal(contextKey, ctx)
	if r.maxSteps > 0 {
		thread.SetMaxExecutionSteps(r.maxSteps)
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			thread.Cancel(ctx.Err().Error())
		case <-done:
		}
	}()

	globals, err := starlark.ExecFile(thread, fmt.Sprintf("%s:cell%d", path, n+1), src, env)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out.String(), nil, errors.Join(ctxErr, err)
		}
		var evalErr *starlark.EvalError
		if errors.As(err, &evalErr) {
			return out.String(), nil, errors.New(evalErr.Backtrace())
		}
		return out.String(), nil, err
	}
	return out.String(), globals, nil
}

// predeclared builds the environment shared by the cells of one run.
func (r *StarlarkRunner) predeclared(ctx context.Context, unit *engine.Unit) starlark.StringDict {
	b := &builtins{runner: r, unit: unit}

	decl := unit.Declaration()
	info := starlark.StringDict{
		"path": starlark.String(unit.Path),
	}
	if out := decl.PublishedArtifact; out != nil {
		info["output"] = starlark.Tuple{starlark.String(out.Owner), starlark.String(out.Name)}
	} else {
		info["output"] = starlark.None
	}

	return starlark.StringDict{
		"struct":          starlarkstruct.Default,
		"unit":            starlarkstruct.FromStringDict(starlarkstruct.Default, info),
		"artifact_write":  starlark.NewBuiltin("artifact_write", b.write),
		"artifact_append": starlark.NewBuiltin("artifact_append", b.append),
		"artifact_read":   starlark.NewBuiltin("artifact_read", b.read),
		"files":           starlark.NewBuiltin("files", b.files),
	}
}

// memoryProbe tracks the peak heap size observed during a run.
type memoryProbe struct {
	max uint64
}

func newMemoryProbe() *memoryProbe {
	p := &memoryProbe{}
	p.sample()
	return p
}

func (p *memoryProbe) sample() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > p.max {
		p.max = ms.HeapAlloc
	}
}

func (p *memoryProbe) peak() uint64 {
	return p.max
}
