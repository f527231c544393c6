package runner

import (
	"context"
	"fmt"

	"go.starlark.net/starlark"

	"github.com/wzdat/wzdat/pkg/engine"
)

// contextKey is the thread-local key holding the run context.
const contextKey = "wzdat.context"

// builtins implements the functions units use to reach the stores.
type builtins struct {
	runner *StarlarkRunner
	unit   *engine.Unit
}

func threadContext(thread *starlark.Thread) context.Context {
	if ctx, ok := thread.Local(contextKey).(context.Context); ok {
		return ctx
	}
	return context.Background()
}

// publishes checks that the unit declared key as its output.
func (b *builtins) publishes(key engine.ArtifactKey) error {
	out := b.unit.Declaration().PublishedArtifact
	if out == nil || *out != key {
		return fmt.Errorf("unit does not publish %s", key)
	}
	return nil
}

// reads checks that the unit declared key as a dependency or output.
func (b *builtins) reads(key engine.ArtifactKey) error {
	decl := b.unit.Declaration()
	for _, dep := range decl.ArtifactDeps {
		if dep == key {
			return nil
		}
	}
	if out := decl.PublishedArtifact; out != nil && *out == key {
		return nil
	}
	return fmt.Errorf("unit does not depend on %s", key)
}

// write implements artifact_write(owner, name, columns, rows, index=None).
func (b *builtins) write(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return b.store(thread, fn, args, kwargs, engine.WriteModeOverwrite)
}

// append implements artifact_append(owner, name, columns, rows, index=None).
func (b *builtins) append(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	return b.store(thread, fn, args, kwargs, engine.WriteModeAppend)
}

func (b *builtins) store(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple, mode engine.WriteMode) (starlark.Value, error) {
	var (
		owner, name   string
		columns, rows starlark.Value
		index         starlark.Value = starlark.None
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs,
		"owner", &owner, "name", &name, "columns", &columns, "rows", &rows, "index?", &index); err != nil {
		return nil, err
	}

	key := engine.ArtifactKey{Owner: owner, Name: name}
	if err := b.publishes(key); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	table, err := tableFromArgs(columns, rows, index)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	ctx := threadContext(thread)
	var checksum int64
	if mode == engine.WriteModeAppend {
		checksum, err = b.runner.artifacts.Append(ctx, key, table)
	} else {
		checksum, err = b.runner.artifacts.Write(ctx, key, table)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	if b.runner.metrics != nil {
		b.runner.metrics.RecordArtifactWrite(string(mode), len(table.Rows))
	}
	b.runner.logger.Debug().
		Str("unit", b.unit.Path).
		Str("artifact", key.String()).
		Str("mode", string(mode)).
		Int("rows", len(table.Rows)).
		Msg("Artifact written")

	return starlark.MakeInt64(checksum), nil
}

// read implements artifact_read(owner, name).
func (b *builtins) read(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var owner, name string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "owner", &owner, "name", &name); err != nil {
		return nil, err
	}

	key := engine.ArtifactKey{Owner: owner, Name: name}
	if err := b.reads(key); err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}

	table, err := b.runner.artifacts.Read(threadContext(thread), key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return tableValue(table)
}

// files implements files(selector, dates).
func (b *builtins) files(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var (
		selector string
		dates    int
	)
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "selector", &selector, "dates", &dates); err != nil {
		return nil, err
	}

	paths, err := b.runner.files.Files(threadContext(thread), engine.FileRef{Selector: selector, Dates: dates})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", fn.Name(), err)
	}
	return toStarlarkValue(paths)
}
