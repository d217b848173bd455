// Package heartbeat runs the periodic self-audit: prerequisite checks,
// receipt-chain validation, and canary probes. Any failing probe flips the
// process into fail-closed posture; the orchestrator then denies every
// non-health request until a later battery passes. Posture transitions log
// exactly once.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Probe is one named self-audit check.
type Probe struct {
	Name  string
	Check func(ctx context.Context) error
}

// Monitor owns the probe battery and the posture bit.
type Monitor struct {
	interval   time.Duration
	probes     []Probe
	failClosed atomic.Bool
	log        *slog.Logger
}

// NewMonitor builds a monitor. The battery runs once per interval while
// Run's context is alive.
func NewMonitor(interval time.Duration, probes []Probe, log *slog.Logger) *Monitor {
	if log == nil {
		log = slog.Default()
	}
	return &Monitor{interval: interval, probes: probes, log: log}
}

// FailClosed reports the current posture.
func (m *Monitor) FailClosed() bool {
	return m.failClosed.Load()
}

// RunBattery executes every probe and updates posture. Returns the first
// probe failure, or nil when healthy.
func (m *Monitor) RunBattery(ctx context.Context) error {
	var firstErr error
	for _, p := range m.probes {
		if err := p.Check(ctx); err != nil {
			firstErr = fmt.Errorf("probe %s: %w", p.Name, err)
			break
		}
	}

	if firstErr != nil {
		if m.failClosed.CompareAndSwap(false, true) {
			m.log.Error("heartbeat regression: entering fail-closed posture", "error", firstErr)
		}
		return firstErr
	}
	if m.failClosed.CompareAndSwap(true, false) {
		m.log.Info("heartbeat recovered: leaving fail-closed posture")
	}
	return nil
}

// Run loops the battery until ctx is cancelled. The first battery runs
// immediately so a broken deployment never serves a single request.
func (m *Monitor) Run(ctx context.Context) {
	_ = m.RunBattery(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = m.RunBattery(ctx)
		}
	}
}
