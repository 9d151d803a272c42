package policy

import "errors"

// ErrConfig is the sentinel for spec.md §7's ConfigError: "malformed
// configuration document or unresolvable host name" — fatal, surfaced at
// startup. Call sites match it with errors.Is the way spec.md §7's
// propagation policy names.
var ErrConfig = errors.New("config error")
