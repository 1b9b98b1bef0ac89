// Package flap tracks resolve-then-recur cycles per (host, check) key.
//
// A fix that "succeeds" locally but does not address the true root cause
// recurs and would otherwise loop forever, burning tier-2 calls and
// generating noise. The detector counts recurrences inside a sliding
// window; at the threshold it trips, forcing the next resolution to
// tier 3 and extending the per-check cooldown.
package flap

import (
	"log/slog"
	"sync"
	"time"
)

// Config holds the detector thresholds. All externally configurable.
type Config struct {
	RecurrenceThreshold int           // recurrences inside Window that trip the breaker
	Window              time.Duration // sliding window for recurrence counting
	Cooldown            time.Duration // normal post-fix cooldown per check
	Extension           time.Duration // cooldown applied when tripped
}

// Event is the structured flap record emitted when the breaker trips.
type Event struct {
	Key           string
	Recurrences   int
	Window        time.Duration
	CooldownUntil time.Time
}

// Disposition tells the caller how to treat a fresh detection.
type Disposition struct {
	ForceEscalate bool // breaker tripped: route to tier 3 regardless of tier 1/2
	InCooldown    bool // within cooldown: record, do not re-remediate
	Recurrence    bool // this detection followed a recent successful fix
}

type keyState struct {
	lastResolved  time.Time
	recurrences   []time.Time
	cooldownUntil time.Time
	tripped       bool
}

// Detector is the per-key flap state machine.
type Detector struct {
	mu     sync.Mutex
	cfg    Config
	states map[string]*keyState
	logger *slog.Logger
	onFlap func(Event)
	now    func() time.Time
}

// NewDetector creates a detector. onFlap may be nil.
func NewDetector(cfg Config, logger *slog.Logger, onFlap func(Event)) *Detector {
	return &Detector{
		cfg:    cfg,
		states: make(map[string]*keyState),
		logger: logger,
		onFlap: onFlap,
		now:    time.Now,
	}
}

// ObserveDetection records a fresh drift detection for the key and
// returns how the tier pipeline should treat it. Escalation forced by a
// tripped breaker wins over cooldown suppression.
func (d *Detector) ObserveDetection(key string) Disposition {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	st := d.state(key)
	d.prune(st, now)

	// Sustained success: no recurrence for a full window resets the breaker.
	if st.tripped && len(st.recurrences) == 0 &&
		!st.lastResolved.IsZero() && now.Sub(st.lastResolved) > d.cfg.Window {
		st.tripped = false
		d.logger.Info("flap breaker reset", "key", key)
	}

	recurrence := !st.lastResolved.IsZero() && now.Sub(st.lastResolved) <= d.cfg.Window
	if recurrence {
		st.recurrences = append(st.recurrences, now)
	}

	if !st.tripped && len(st.recurrences) >= d.cfg.RecurrenceThreshold {
		st.tripped = true
		st.cooldownUntil = now.Add(d.cfg.Extension)
		ev := Event{
			Key:           key,
			Recurrences:   len(st.recurrences),
			Window:        d.cfg.Window,
			CooldownUntil: st.cooldownUntil,
		}
		d.logger.Warn("flap detected, breaker tripped",
			"key", key,
			"recurrences", ev.Recurrences,
			"window", d.cfg.Window.String(),
			"cooldown_until", st.cooldownUntil,
		)
		if d.onFlap != nil {
			d.onFlap(ev)
		}
	}

	return Disposition{
		ForceEscalate: st.tripped,
		InCooldown:    now.Before(st.cooldownUntil),
		Recurrence:    recurrence,
	}
}

// ObserveResolution records the outcome of a remediation for the key.
// A successful fix starts the normal cooldown (the extended cooldown of
// a tripped breaker is never shortened).
func (d *Detector) ObserveResolution(key string, success bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	st := d.state(key)
	if !success {
		return
	}
	st.lastResolved = now
	until := now.Add(d.cfg.Cooldown)
	if until.After(st.cooldownUntil) {
		st.cooldownUntil = until
	}
}

// CooldownUntil returns the end of the current cooldown for the key.
func (d *Detector) CooldownUntil(key string) time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[key]; ok {
		return st.cooldownUntil
	}
	return time.Time{}
}

// Tripped reports whether the breaker is currently tripped for the key.
func (d *Detector) Tripped(key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[key]; ok {
		return st.tripped
	}
	return false
}

func (d *Detector) state(key string) *keyState {
	st, ok := d.states[key]
	if !ok {
		st = &keyState{}
		d.states[key] = st
	}
	return st
}

func (d *Detector) prune(st *keyState, now time.Time) {
	cutoff := now.Add(-d.cfg.Window)
	fresh := st.recurrences[:0]
	for _, t := range st.recurrences {
		if t.After(cutoff) {
			fresh = append(fresh, t)
		}
	}
	st.recurrences = fresh
}
