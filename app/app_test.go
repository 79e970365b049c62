package app

import "testing"

func TestDefaultProfileValidates(t *testing.T) {
	if err := DefaultProfile().Validate(); err != nil {
		t.Fatalf("default profile should validate, got %v", err)
	}
}

func TestValidateRejectsNonPositiveTimeouts(t *testing.T) {
	p := DefaultProfile()
	p.HeartbeatTimeout = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for zero heartbeat timeout")
	}
}

func TestValidateRejectsSubMinimumConcurrency(t *testing.T) {
	p := DefaultProfile()
	p.Concurrency = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for zero concurrency")
	}
}

func TestValidateRejectsSubMinimumPoolLimit(t *testing.T) {
	p := DefaultProfile()
	p.PoolLimit = 0
	if err := p.Validate(); err == nil {
		t.Fatal("expected validation error for zero pool_limit")
	}
}

func TestManifestValidateRequiresFields(t *testing.T) {
	m := Manifest{}
	if err := m.Validate(); err == nil {
		t.Fatal("expected validation error for empty manifest")
	}
	m = Manifest{Name: "worker", Executable: "/bin/worker", Endpoint: "/run/apps/worker"}
	if err := m.Validate(); err != nil {
		t.Fatalf("expected valid manifest, got %v", err)
	}
}
