package supervisor

import (
	"testing"
	"time"
)

func TestRestartPolicyBasic(t *testing.T) {
	p := NewRestartPolicy(3, 10*time.Second, 5*time.Second)
	now := time.Now()

	if !p.ShouldRestart(1, now) {
		t.Error("should allow restart initially")
	}

	for i := 0; i < 3; i++ {
		p.RecordRestart(1, now)
	}

	if p.ShouldRestart(1, now) {
		t.Error("should deny restart at max")
	}
	if !p.ShouldRestart(2, now) {
		t.Error("other slots should be unaffected")
	}
}

func TestRestartPolicyWindowPruning(t *testing.T) {
	p := NewRestartPolicy(3, time.Second, 5*time.Second)
	now := time.Now()

	p.RecordRestart(1, now)
	p.RecordRestart(1, now)
	p.RecordRestart(1, now)

	if p.ShouldRestart(1, now) {
		t.Error("should deny at max")
	}

	future := now.Add(2 * time.Second)
	if !p.ShouldRestart(1, future) {
		t.Error("should allow after window expiry")
	}
	if got := p.RestartCount(1, future); got != 0 {
		t.Errorf("expected pruned history, got %d", got)
	}
}

func TestRestartPolicyCooldown(t *testing.T) {
	p := NewRestartPolicy(3, 10*time.Second, 2*time.Second)
	now := time.Now()

	p.RecordRestart(1, now)
	p.EnterCooldown(1, now)

	if !p.InCooldown(1, now.Add(time.Second)) {
		t.Error("should be in cooldown")
	}
	if p.ShouldRestart(1, now.Add(time.Second)) {
		t.Error("should deny during cooldown")
	}
	if p.InCooldown(1, now.Add(3*time.Second)) {
		t.Error("cooldown should have expired")
	}
	if !p.ShouldRestart(1, now.Add(3*time.Second)) {
		t.Error("should allow after cooldown with fresh history")
	}
}

func TestRestartPolicyReset(t *testing.T) {
	p := NewRestartPolicy(1, 10*time.Second, time.Minute)
	now := time.Now()

	p.RecordRestart(1, now)
	p.EnterCooldown(1, now)
	p.Reset(1)

	if !p.ShouldRestart(1, now) {
		t.Error("should allow after reset")
	}
}
