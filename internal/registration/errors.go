package registration

import "errors"

// ErrRegistrationTimeout is attached to the FAILED transition produced by
// the REGISTERING watchdog.
var ErrRegistrationTimeout = errors.New("registration timed out")
