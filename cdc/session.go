package cdc

import (
	"fmt"
	"sync"
)

// globalMagic is the same 8-byte magic the WAL file header carries; a CDC
// HELLO frame reuses it so a stream and a WAL file are byte-identical to
// parse (spec.md §4.7).
var globalMagic = [8]byte{'P', '2', 'W', 'A', 'L', '0', '0', '1'}

// StreamIDSize is the width of a CDC stream identifier.
const StreamIDSize = 16

// helloFrameSize is magic(8) + reserved(8) + stream id(16).
const helloFrameSize = 8 + 8 + StreamIDSize

// Session tracks one CDC connection's negotiated state: whether HELLO has
// been seen, which stream identifier it pinned, and (optionally) a strict
// monotonic sequence counter. It is memoryless across connections — only
// the pager's persisted last_lsn and the pinned stream id survive a
// reconnect.
type Session struct {
	mu        sync.Mutex
	strict    bool
	helloSeen bool
	streamID  [StreamIDSize]byte
	pinned    bool
	hasSeq    bool
	lastSeq   uint64
}

// NewSession creates a session. With strict enabled, CheckSequence
// enforces strictly increasing per-connection sequence numbers.
func NewSession(strict bool) *Session {
	return &Session{strict: strict}
}

// HandleHello validates a HELLO frame (global header + stream identifier)
// and pins the stream id on first use. A later HELLO on the same session
// whose stream id differs is rejected: anti-mix of streams.
func (s *Session) HandleHello(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(frame) < helloFrameSize {
		return fmt.Errorf("cdc: short HELLO frame: %w", ErrProtocolViolation)
	}
	var magic [8]byte
	copy(magic[:], frame[:8])
	if magic != globalMagic {
		return fmt.Errorf("cdc: bad HELLO magic: %w", ErrProtocolViolation)
	}

	var streamID [StreamIDSize]byte
	copy(streamID[:], frame[16:16+StreamIDSize])

	if s.pinned && streamID != s.streamID {
		return fmt.Errorf("cdc: stream id mismatch on reconnect: %w", ErrProtocolViolation)
	}
	s.streamID = streamID
	s.pinned = true
	s.helloSeen = true
	return nil
}

// RequireHello fails with ErrProtocolViolation if no HELLO has been
// accepted yet; call this before applying the first record of a
// connection on an authenticated transport.
func (s *Session) RequireHello() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.helloSeen {
		return fmt.Errorf("cdc: record received before HELLO: %w", ErrProtocolViolation)
	}
	return nil
}

// CheckSequence enforces strict monotonic per-connection sequence numbers
// when strict mode is enabled; it is a no-op otherwise.
func (s *Session) CheckSequence(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.strict {
		return nil
	}
	if s.hasSeq && seq <= s.lastSeq {
		return fmt.Errorf("cdc: sequence regression (got %d, last %d): %w", seq, s.lastSeq, ErrProtocolViolation)
	}
	s.lastSeq = seq
	s.hasSeq = true
	return nil
}
