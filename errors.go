package taskqueue

import "errors"

// Constructor errors, with a stable message text so callers plumbing these
// into user-facing errors get a string that doesn't change between releases.
var (
	ErrNoTasksRef       = errors.New("No tasks reference provided.")
	ErrInvalidProcessID = errors.New("Invalid process ID provided.")
	ErrInvalidSanitize  = errors.New("Invalid sanitize option.")
	ErrInvalidSuppress  = errors.New("Invalid suppressStack option.")
	ErrNoProcessFunc    = errors.New("No processing function provided.")
)

// progress() rejection messages.
const (
	errInvalidProgress  = "Invalid progress"
	errProgressNoTask   = "Can't update progress - no task currently being processed"
	errProgressNotOwned = "Can't update progress - current task no longer owned by this process"
)
