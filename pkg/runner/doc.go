// Package runner executes unit documents.
//
// Code cells are Starlark. Each cell is one step: it runs on a fresh thread
// with the globals of the previous cells predeclared, and what it prints is
// written back as the cell's output. Units reach shared state only through
// the predeclared builtins:
//
//	artifact_write(owner, name, columns, rows, index=None)
//	artifact_append(owner, name, columns, rows, index=None)
//	artifact_read(owner, name)
//	files(selector, dates)
//
// A unit may write only the artifact it declares as output and read only the
// artifacts it declares as dependencies, plus its own output.
package runner
