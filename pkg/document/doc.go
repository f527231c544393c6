// Package document stores unit documents as JSON notebooks.
//
// A unit document holds two machine sections among its author cells: the
// declaration cell, a code cell starting with the "#!manifest" marker line
// followed by a CUE literal, and the generated result cell starting with
// GeneratedHeader followed by a JSON object. The Store implements
// engine.DocumentStore and rewrites only those two sections plus, on behalf
// of the runner, the outputs of executed cells.
//
// The content fingerprint covers the type and source of every cell except
// the generated one, so writing results or outputs never looks like an
// author edit.
package document
