// Package persistence stores definitions, instances and their histories.
//
// Two implementations are provided: InMemoryStore and SQLStore (SQLite or
// PostgreSQL). JSON columns are written with EncodeValue and read back with
// DecodeValue, so numbers keep their exact textual value.
package persistence

// Store bundles the store interfaces so the engine can depend on a single
// abstraction. Instance writes and their events share transactions, so all
// parts must come from one backend.
type Store interface {
	DefinitionStore
	ApprovalWorkflowStore
	InstanceStore
	StepExecutionStore
	EventStore
	ApprovalStore

	Close() error
}
