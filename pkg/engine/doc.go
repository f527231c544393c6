// Package engine provides the core types, graph builder and resolver of the
// wzdat incremental recomputation engine.
//
// # Overview
//
// A unit is an analytical document that declares which raw file-sets and
// which published artifacts it reads, and optionally one artifact it
// publishes under an (owner, name) key. On every pass the engine works out
// which units are stale relative to their last run and executes exactly
// those, producers before consumers:
//
//  1. Reconcile - Reset run records left behind by crashed runners
//  2. Scan - Load every unit declaration (DocumentStore)
//  3. Build - Resolve artifact dependencies into a DAG (GraphBuilder)
//  4. Walk - Visit non-scheduled units depth-first in path order (Resolver)
//  5. Decide - Compare current fingerprints with the previous run
//  6. Run - Execute stale units and record the outcome (UnitRunner)
//
// # Core Domain Types
//
//   - Unit: one document in a pass, with its producers
//   - DependencyDeclaration: file deps, artifact deps and the published artifact
//   - Fingerprint: cheap comparable summary of dependency state
//   - ResultCell: the generated section written back after a run
//   - RunRecord: persisted execution state used for orphan detection and
//     error suppression
//
// # Staleness
//
// A unit is stale when its file-set fingerprint or artifact fingerprint
// differs from the one recorded by its last run, or when its published
// artifact does not exist. A stale unit whose last run failed is skipped
// until either its own content or one of its dependencies changes.
//
// Producers are resolved before their consumers and each consumer is
// reloaded after its producers finish, so a producer run invalidates its
// consumers within the same pass.
//
// # Error Classification
//
//   - Configuration: unresolved, self-referential or circular dependencies,
//     duplicate publishers and malformed declarations. Fatal to the pass.
//   - Execution: a runner failure or timeout. Recorded on the unit; the pass
//     continues.
//   - Infrastructure: store or filesystem failures. Fatal to the pass.
//
// Use errors.Is with the sentinel errors (ErrCircularDependency and friends)
// or IsConfiguration/IsExecution/IsInfrastructure to classify.
package engine
