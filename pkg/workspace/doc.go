// Package workspace wires a configured unit directory into a resolver: the
// SQLite run history and artifact stores, the file selector registry, the
// notebook document store and the Starlark runner. Commands open a
// workspace, run one operation and close it.
package workspace
