package sentinel

import "errors"

// Sentinel errors for infrastructure facts. The dispatcher drops payloads
// wrapping ErrMalformed; the directory snapshot logs whether a failed rebuild
// was an ErrUnavailable outage or a rejected request.
//
// - ErrMalformed: payload could not be decoded or lacks a required field
// - ErrUnavailable: directory service temporarily unreachable
var (
	ErrMalformed   = errors.New("malformed")
	ErrUnavailable = errors.New("unavailable")
)
