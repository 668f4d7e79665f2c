package worker

import "fmt"

// PortsExhaustedError indicates the allocation window has no free port left.
type PortsExhaustedError struct {
	Base   int
	Window int
}

func (e *PortsExhaustedError) Error() string {
	return fmt.Sprintf("no free port in window [%d, %d)", e.Base, e.Base+e.Window)
}

// MaxInstancesError indicates the non-default worker cap has been reached.
type MaxInstancesError struct {
	Max int
}

func (e *MaxInstancesError) Error() string {
	return fmt.Sprintf("worker instance limit reached (%d)", e.Max)
}

// SpawnError wraps a failure to bring a worker child process to readiness.
type SpawnError struct {
	InstanceID string
	Err        error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn worker %s: %v", e.InstanceID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// NotFoundError indicates an instance id with no live worker behind it.
type NotFoundError struct {
	InstanceID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no worker with instance id %s", e.InstanceID)
}
