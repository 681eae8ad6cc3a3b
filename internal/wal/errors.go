package wal

import "fmt"

// FileNotFoundError means a patch or delete targeted a path absent from the
// project's current file set.
type FileNotFoundError struct {
	ProjectID uint
	Path      string
}

func (e *FileNotFoundError) Error() string {
	return fmt.Sprintf("file %q not found in project %d", e.Path, e.ProjectID)
}

// UnknownOperationError means the generation pipeline emitted an action the
// engine does not understand. The remaining batch is not processed.
type UnknownOperationError struct {
	Action string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("unknown operation action %q", e.Action)
}

// MalformedDiffError means a patch operation carried a diff that could not be
// parsed or did not match the file it targets.
type MalformedDiffError struct {
	Path string
	Err  error
}

func (e *MalformedDiffError) Error() string {
	return fmt.Sprintf("cannot apply diff to %q: %v", e.Path, e.Err)
}

func (e *MalformedDiffError) Unwrap() error { return e.Err }

// UnresolvedWALError blocks export while any mutation log entry for the
// project is still unapplied.
type UnresolvedWALError struct {
	ProjectID uint
	Pending   int
}

func (e *UnresolvedWALError) Error() string {
	return fmt.Sprintf("project %d has %d unresolved mutation log entries", e.ProjectID, e.Pending)
}
