package transport

import "errors"

// ErrFaulted indicates the transport latched faulted after a write
// failure and must be disconnected and reconnected (spec.md §4.1).
var ErrFaulted = errors.New("transport faulted")
