package engine

import "errors"

// ErrIllegalTransition means the submitted action does not match what the
// current node expects; surfaced to the end user as a rejected request.
var ErrIllegalTransition = errors.New("action not legal for current workflow step")

// ErrNotAuthorized means the performer is not among the current step's
// assignees.
var ErrNotAuthorized = errors.New("performer is not an assignee of the current step")
