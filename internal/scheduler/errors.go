package scheduler

import "fmt"

// CriticalError stops the scheduler before it starts running, e.g. when
// the machinery cannot be initialised.
type CriticalError struct {
	Err error
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("critical scheduler error: %v", e.Err)
}

func (e *CriticalError) Unwrap() error {
	return e.Err
}

// ManagerError is a fatal error an analysis manager raised while running.
// The scheduler stops when it receives one.
type ManagerError struct {
	TaskID int64
	Err    error
}

func (e *ManagerError) Error() string {
	if e.TaskID == 0 {
		return fmt.Sprintf("analysis manager error: %v", e.Err)
	}
	return fmt.Sprintf("analysis manager error (task #%d): %v", e.TaskID, e.Err)
}

func (e *ManagerError) Unwrap() error {
	return e.Err
}
