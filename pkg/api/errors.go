package api

import "errors"

// Precondition errors. They are returned synchronously and never retried.
var (
	ErrDefinitionNotFound = errors.New("DefinitionNotFound")
	ErrInstanceNotFound   = errors.New("InstanceNotFound")
	ErrNotPending         = errors.New("NotPending")
	ErrNotPaused          = errors.New("NotPaused")
	ErrNotRunning         = errors.New("NotRunning")
	ErrForbidden          = errors.New("Forbidden")
	ErrNoEscalationRole   = errors.New("NoEscalationRole")
	ErrUnknownTaskType    = errors.New("UnknownTaskType")
	ErrNoWorkflowForType  = errors.New("NoWorkflowForType")
	ErrInvalidDefinition  = errors.New("InvalidDefinition")
	ErrInvalidAction      = errors.New("InvalidAction")
)

// ErrConcurrentUpdate reports that another writer changed an approval
// instance between read and write while it stayed PENDING. Retrying the
// operation is safe.
var ErrConcurrentUpdate = errors.New("ConcurrentUpdate")
