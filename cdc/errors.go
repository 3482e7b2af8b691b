package cdc

import "errors"

// ErrProtocolViolation is returned when a CDC stream breaks session
// framing: a short HELLO frame or one with the wrong magic, a HELLO whose
// stream id differs from the one already pinned, a record before any
// HELLO, or (in strict mode) a sequence number that does not increase.
var ErrProtocolViolation = errors.New("cdc: protocol violation")
