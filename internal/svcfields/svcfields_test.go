package svcfields

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	if got := Subsystem("batch", "", ".worker.", " "); got != "batch.worker" {
		t.Fatalf("expected batch.worker, got %q", got)
	}
	if got := Subsystem(); got != "" {
		t.Fatalf("expected empty subsystem, got %q", got)
	}
}

func TestWithSubsystemNilLogger(t *testing.T) {
	if WithSubsystem(nil, SubsystemFlush) == nil {
		t.Fatal("expected non-nil logger")
	}
}
