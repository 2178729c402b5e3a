package manager

import "errors"

// Error kinds from section 7 that aren't already sentinels owned by a
// narrower package (auth.ErrAuthFailure, registry.ErrServiceNotFound,
// registry.ErrLinkSaturated).
var (
	ErrIdentityInvalid  = errors.New("identity invalid")
	ErrProtocolError    = errors.New("protocol error")
	ErrPermissionDenied = errors.New("permission denied")
)
