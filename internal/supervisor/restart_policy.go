package supervisor

import (
	"sync"
	"time"
)

// RestartPolicy tracks restart history per worker slot and enforces storm
// detection: at most MaxInWindow restarts inside WindowDuration, after which
// the slot sits out CooldownDuration.
type RestartPolicy struct {
	MaxInWindow      int
	WindowDuration   time.Duration
	CooldownDuration time.Duration

	history       map[int][]time.Time
	cooldownUntil map[int]time.Time
	mu            sync.Mutex
}

// NewRestartPolicy creates a new restart policy with the given parameters.
func NewRestartPolicy(maxInWindow int, window, cooldown time.Duration) *RestartPolicy {
	return &RestartPolicy{
		MaxInWindow:      maxInWindow,
		WindowDuration:   window,
		CooldownDuration: cooldown,
		history:          make(map[int][]time.Time),
		cooldownUntil:    make(map[int]time.Time),
	}
}

// RecordRestart records a restart of slot at now and returns the number of
// restarts inside the current window.
func (p *RestartPolicy) RecordRestart(slot int, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneHistory(slot, now)
	p.history[slot] = append(p.history[slot], now)
	return len(p.history[slot])
}

// ShouldRestart reports whether slot may be restarted at now without
// exceeding the storm threshold.
func (p *RestartPolicy) ShouldRestart(slot int, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if until, ok := p.cooldownUntil[slot]; ok && now.Before(until) {
		return false
	}

	p.pruneHistory(slot, now)
	return len(p.history[slot]) < p.MaxInWindow
}

// InCooldown reports whether slot is cooling down at now.
func (p *RestartPolicy) InCooldown(slot int, now time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	until, ok := p.cooldownUntil[slot]
	return ok && now.Before(until)
}

// EnterCooldown puts slot into cooldown starting at now and clears its
// history so the slot gets a fresh window afterwards.
func (p *RestartPolicy) EnterCooldown(slot int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.cooldownUntil[slot] = now.Add(p.CooldownDuration)
	delete(p.history, slot)
}

// RestartCount returns the number of restarts of slot in the current window.
func (p *RestartPolicy) RestartCount(slot int, now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneHistory(slot, now)
	return len(p.history[slot])
}

// Reset clears all history for slot.
func (p *RestartPolicy) Reset(slot int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.history, slot)
	delete(p.cooldownUntil, slot)
}

func (p *RestartPolicy) pruneHistory(slot int, now time.Time) {
	cutoff := now.Add(-p.WindowDuration)
	entries := p.history[slot]
	pruned := entries[:0]
	for _, t := range entries {
		if !t.Before(cutoff) {
			pruned = append(pruned, t)
		}
	}
	p.history[slot] = pruned
}
