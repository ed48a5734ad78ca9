package utils

import "errors"

// ErrTimedOut is returned by RaceTimeout when the operation does not finish
// within its deadline and the caller's own context is still live.
var ErrTimedOut = errors.New("operation timed out")
