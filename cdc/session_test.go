package cdc

import "testing"

func helloFrame(streamID byte) []byte {
	frame := make([]byte, helloFrameSize)
	copy(frame[:8], globalMagic[:])
	for i := 0; i < StreamIDSize; i++ {
		frame[16+i] = streamID
	}
	return frame
}

func TestSessionHelloPinsStreamID(t *testing.T) {
	s := NewSession(false)
	if err := s.RequireHello(); err == nil {
		t.Fatalf("expected RequireHello to fail before HELLO")
	}
	if err := s.HandleHello(helloFrame(1)); err != nil {
		t.Fatalf("hello: %v", err)
	}
	if err := s.RequireHello(); err != nil {
		t.Fatalf("expected RequireHello to pass after HELLO: %v", err)
	}
}

func TestSessionRejectsStreamIDMismatch(t *testing.T) {
	s := NewSession(false)
	if err := s.HandleHello(helloFrame(1)); err != nil {
		t.Fatalf("first hello: %v", err)
	}
	if err := s.HandleHello(helloFrame(2)); err == nil {
		t.Fatalf("expected mismatched stream id to fail")
	}
}

func TestSessionAcceptsRepeatedSameStreamID(t *testing.T) {
	s := NewSession(false)
	if err := s.HandleHello(helloFrame(7)); err != nil {
		t.Fatalf("first hello: %v", err)
	}
	if err := s.HandleHello(helloFrame(7)); err != nil {
		t.Fatalf("expected identical stream id reconnect to succeed: %v", err)
	}
}

func TestSessionRejectsBadMagic(t *testing.T) {
	s := NewSession(false)
	frame := helloFrame(1)
	frame[0] = 'X'
	if err := s.HandleHello(frame); err == nil {
		t.Fatalf("expected bad magic to fail")
	}
}

func TestSessionStrictSequenceRejectsRegression(t *testing.T) {
	s := NewSession(true)
	if err := s.CheckSequence(1); err != nil {
		t.Fatalf("seq 1: %v", err)
	}
	if err := s.CheckSequence(2); err != nil {
		t.Fatalf("seq 2: %v", err)
	}
	if err := s.CheckSequence(2); err == nil {
		t.Fatalf("expected repeated sequence number to fail in strict mode")
	}
	if err := s.CheckSequence(1); err == nil {
		t.Fatalf("expected regressed sequence number to fail in strict mode")
	}
}

func TestSessionNonStrictSequenceNeverFails(t *testing.T) {
	s := NewSession(false)
	if err := s.CheckSequence(5); err != nil {
		t.Fatalf("seq 5: %v", err)
	}
	if err := s.CheckSequence(1); err != nil {
		t.Fatalf("expected non-strict mode to tolerate regression: %v", err)
	}
}
