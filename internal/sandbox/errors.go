package sandbox

import "fmt"

// BootError means the sandbox provider itself was unreachable or refused to
// create a session. Nothing was registered; the caller sees a hard failure.
type BootError struct {
	Err error
}

func (e *BootError) Error() string {
	return fmt.Sprintf("sandbox boot failed: %v", e.Err)
}

func (e *BootError) Unwrap() error { return e.Err }

// StartupCrashError means the sandbox process launched but never answered the
// health probe. The handle stays registered so the crash can be inspected and
// hot-patched; only the triggering request fails.
type StartupCrashError struct {
	ProjectID uint
	LogTail   string
}

func (e *StartupCrashError) Error() string {
	return fmt.Sprintf("sandbox for project %d never became healthy: %s", e.ProjectID, e.LogTail)
}

// SandboxNotActiveError means an operation was attempted against a project
// with no registered handle.
type SandboxNotActiveError struct {
	ProjectID uint
}

func (e *SandboxNotActiveError) Error() string {
	return fmt.Sprintf("no active sandbox for project %d", e.ProjectID)
}
