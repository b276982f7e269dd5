package protocol

import "errors"

// ErrInvalidMessage is wrapped by Validate (and the validator-driven check
// in validate.go) when a decoded Message violates one of the invariants
// spec.md §3 places on its type.
var ErrInvalidMessage = errors.New("protocol: invalid message")

// ErrCodec wraps any failure to decode a record into a Message. It is
// treated per spec.md §7 as recoverable: the caller logs and drops the
// record without tearing down the connection.
var ErrCodec = errors.New("protocol: codec error")
