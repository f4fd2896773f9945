// Package breaker implements the Enhanced Circuit Breaker (spec §4.4):
// CLOSED/OPEN/HALF_OPEN with failure-count, failure-rate, and slow-call-rate
// trips, a rolling window, and optional disk persistence.
//
// Grounded on the teacher's internal/circuitbreaker/circuitbreaker.go
// EnterpriseCircuitBreaker: the State enum (including the ForceOpen/
// ForceClose escape hatches) is kept, with one sync.Mutex guarding the state
// machine and its counters; the sliding window is
// replaced with an explicit outcome-record slice (spec §3 BreakerState
// rollingRecords) and persistence is added per spec §4.4.
package breaker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the breaker's externally observable state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
	StateForceOpen
	StateForceClose
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateForceOpen:
		return "FORCE_OPEN"
	case StateForceClose:
		return "FORCE_CLOSE"
	default:
		return "UNKNOWN"
	}
}

// Outcome categorizes a recorded call result.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeFailure
	OutcomeTimeout
	OutcomeSlow
)

// Record is a single rolling-window entry (spec §3 rollingRecords[]).
type Record struct {
	At       time.Time
	Outcome  Outcome
	Duration time.Duration
}

// Config is the breaker's tunable policy (spec §6 configuration keys).
type Config struct {
	Name                  string
	FailureThreshold      int
	FailureRateThreshold  float64
	SlowCallRateThreshold float64
	MinSamples            int
	RecoveryTimeout       time.Duration
	HalfOpenMaxCalls      int
	SuccessThreshold      int
	MonitoringWindow      time.Duration
	RequestTimeout        time.Duration
	SlowCallThreshold     time.Duration
	MetricsRetention      time.Duration
	PersistencePath       string
	PersistenceEnabled    bool

	OnStateChange func(name string, from, to State)
}

// DefaultConfig mirrors the teacher's EnterpriseCircuitBreaker defaults,
// adapted to the spec's field names.
func DefaultConfig(name string) Config {
	return Config{
		Name:                  name,
		FailureThreshold:      5,
		FailureRateThreshold:  0.5,
		SlowCallRateThreshold: 0.8,
		MinSamples:            10,
		RecoveryTimeout:       30 * time.Second,
		HalfOpenMaxCalls:      3,
		SuccessThreshold:      2,
		MonitoringWindow:      1 * time.Minute,
		RequestTimeout:        10 * time.Second,
		SlowCallThreshold:     2 * time.Second,
		MetricsRetention:      10 * time.Minute,
	}
}

// ErrOpen is returned by Execute when the breaker forbids the call.
var ErrOpen = errors.New("breaker: circuit open")

// ErrTimeout is returned by Execute when work exceeds RequestTimeout.
var ErrTimeout = errors.New("breaker: request timeout")

// Metrics is the spec §3 BreakerMetrics snapshot.
type Metrics struct {
	Total, Successful, Failed, Timeouts, Slow int64
	FailureRate, SlowCallRate                 float64
	AvgLatency, P95Latency, P99Latency         time.Duration
	LastSuccessAt, LastFailureAt               time.Time
	Trips                                      int64
	State                                      State
}

type persistedState struct {
	Version  int             `json:"version"`
	State    State           `json:"state"`
	OpenedAt time.Time       `json:"openedAt"`
	Counters persistedCounts `json:"counters"`
}

type persistedCounts struct {
	Trips int64 `json:"trips"`
}

const persistenceSchemaVersion = 1

// Breaker implements the spec §4.4 Enhanced Circuit Breaker. A single mutex
// guards state + rolling window, the narrowly-scoped-lock model spec §5
// permits as an alternative to an owner-goroutine model.
type Breaker struct {
	cfg    Config
	logger *zap.Logger

	mu                sync.Mutex
	state             State
	openedAt          time.Time
	halfOpenCalls     int
	halfOpenSuccesses int
	records           []Record
	trips             int64
	lastSuccessAt     time.Time
	lastFailureAt     time.Time
}

// New constructs a Breaker, attempting to load persisted state if
// PersistenceEnabled and PersistencePath is set.
func New(cfg Config, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{cfg: cfg, logger: logger, state: StateClosed}
	if cfg.PersistenceEnabled && cfg.PersistencePath != "" {
		b.loadPersisted()
	}
	return b
}

// Execute runs work under breaker protection. It rejects with ErrOpen when
// the current state forbids execution, and enforces RequestTimeout.
func (b *Breaker) Execute(ctx context.Context, work func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	timeout := b.cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	errCh := make(chan error, 1)
	go func() {
		errCh <- work(callCtx)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-callCtx.Done():
		err = ErrTimeout
	}
	duration := time.Since(start)

	if err == ErrTimeout {
		b.recordOutcome(OutcomeTimeout, duration)
		return ErrTimeout
	}
	if err != nil {
		b.recordOutcome(OutcomeFailure, duration)
		return err
	}
	if duration >= b.cfg.SlowCallThreshold && b.cfg.SlowCallThreshold > 0 {
		b.recordOutcome(OutcomeSlow, duration)
	} else {
		b.recordOutcome(OutcomeSuccess, duration)
	}
	return nil
}

// allow decides, under lock, whether a call may proceed, performing the
// OPEN -> HALF_OPEN transition on the first attempt after RecoveryTimeout.
func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateForceOpen:
		return false
	case StateForceClose:
		return true
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			b.halfOpenCalls = 0
			b.halfOpenSuccesses = 0
			b.halfOpenCalls++
			return true
		}
		return false
	case StateHalfOpen:
		if b.halfOpenCalls >= b.cfg.HalfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true
	default:
		return false
	}
}

func (b *Breaker) recordOutcome(outcome Outcome, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	b.records = append(b.records, Record{At: now, Outcome: outcome, Duration: duration})
	b.pruneLocked(now)

	switch outcome {
	case OutcomeSuccess:
		b.lastSuccessAt = now
	case OutcomeFailure, OutcomeTimeout:
		b.lastFailureAt = now
	}

	switch b.state {
	case StateHalfOpen:
		if outcome == OutcomeFailure || outcome == OutcomeTimeout {
			b.tripLocked()
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
			b.records = nil
		}
	case StateClosed:
		if b.shouldTripLocked(now) {
			b.tripLocked()
		}
	}
}

// shouldTripLocked evaluates the three independent CLOSED->OPEN triggers
// named in spec §4.4's state table.
func (b *Breaker) shouldTripLocked(now time.Time) bool {
	window := b.windowRecordsLocked(now)
	var failures, slow int
	for _, r := range window {
		if r.Outcome == OutcomeFailure || r.Outcome == OutcomeTimeout {
			failures++
		}
		if r.Outcome == OutcomeSlow {
			slow++
		}
	}
	total := len(window)

	if failures >= b.cfg.FailureThreshold {
		return true
	}
	if total >= b.cfg.MinSamples {
		if b.cfg.FailureRateThreshold > 0 && float64(failures)/float64(total) >= b.cfg.FailureRateThreshold {
			return true
		}
		if b.cfg.SlowCallRateThreshold > 0 && float64(slow)/float64(total) >= b.cfg.SlowCallRateThreshold {
			return true
		}
	}
	return false
}

func (b *Breaker) windowRecordsLocked(now time.Time) []Record {
	if b.cfg.MonitoringWindow <= 0 {
		return b.records
	}
	cutoff := now.Add(-b.cfg.MonitoringWindow)
	var out []Record
	for _, r := range b.records {
		if r.At.After(cutoff) {
			out = append(out, r)
		}
	}
	return out
}

// pruneLocked hard-drops records older than MetricsRetention.
func (b *Breaker) pruneLocked(now time.Time) {
	if b.cfg.MetricsRetention <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.MetricsRetention)
	kept := b.records[:0:0]
	for _, r := range b.records {
		if r.At.After(cutoff) {
			kept = append(kept, r)
		}
	}
	b.records = kept
}

// tripLocked transitions to OPEN and increments the trip counter. Trips
// increment only on genuine CLOSED->OPEN or HALF_OPEN->OPEN transitions.
func (b *Breaker) tripLocked() {
	from := b.state
	b.transitionLocked(StateOpen)
	if from == StateClosed || from == StateHalfOpen {
		b.trips++
	}
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if to == StateOpen {
		b.openedAt = time.Now()
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
	b.logger.Info("breaker: state transition",
		zap.String("breaker", b.cfg.Name), zap.String("from", from.String()), zap.String("to", to.String()))
}

// ForceState is the operator-only override; it does not increment the trip
// counter.
func (b *Breaker) ForceState(state State, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.logger.Warn("breaker: forced state", zap.String("breaker", b.cfg.Name),
		zap.String("state", state.String()), zap.String("reason", reason))
	b.transitionLocked(state)
}

// Reset returns the breaker to CLOSED and clears counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.records = nil
	b.halfOpenCalls = 0
	b.halfOpenSuccesses = 0
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetTimeUntilNextAttempt returns how long until an OPEN breaker allows its
// next probe; zero if not currently OPEN.
func (b *Breaker) GetTimeUntilNextAttempt() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// UpdateConfig merges non-zero fields of partial into the live config.
func (b *Breaker) UpdateConfig(partial Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if partial.FailureThreshold > 0 {
		b.cfg.FailureThreshold = partial.FailureThreshold
	}
	if partial.FailureRateThreshold > 0 {
		b.cfg.FailureRateThreshold = partial.FailureRateThreshold
	}
	if partial.SlowCallRateThreshold > 0 {
		b.cfg.SlowCallRateThreshold = partial.SlowCallRateThreshold
	}
	if partial.RecoveryTimeout > 0 {
		b.cfg.RecoveryTimeout = partial.RecoveryTimeout
	}
	if partial.HalfOpenMaxCalls > 0 {
		b.cfg.HalfOpenMaxCalls = partial.HalfOpenMaxCalls
	}
	if partial.SuccessThreshold > 0 {
		b.cfg.SuccessThreshold = partial.SuccessThreshold
	}
	if partial.MonitoringWindow > 0 {
		b.cfg.MonitoringWindow = partial.MonitoringWindow
	}
	if partial.RequestTimeout > 0 {
		b.cfg.RequestTimeout = partial.RequestTimeout
	}
	if partial.SlowCallThreshold > 0 {
		b.cfg.SlowCallThreshold = partial.SlowCallThreshold
	}
}

// GetMetrics computes a snapshot of BreakerMetrics from the rolling window.
func (b *Breaker) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()

	m := Metrics{State: b.state, Trips: b.trips, LastSuccessAt: b.lastSuccessAt, LastFailureAt: b.lastFailureAt}
	durations := make([]time.Duration, 0, len(b.records))
	var sum time.Duration
	for _, r := range b.records {
		m.Total++
		switch r.Outcome {
		case OutcomeSuccess:
			m.Successful++
		case OutcomeFailure:
			m.Failed++
		case OutcomeTimeout:
			m.Timeouts++
			m.Failed++
		case OutcomeSlow:
			m.Slow++
			m.Successful++
		}
		durations = append(durations, r.Duration)
		sum += r.Duration
	}
	if m.Total > 0 {
		m.FailureRate = float64(m.Failed) / float64(m.Total)
		m.SlowCallRate = float64(m.Slow) / float64(m.Total)
		m.AvgLatency = sum / time.Duration(m.Total)
		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		m.P95Latency = percentile(durations, 0.95)
		m.P99Latency = percentile(durations, 0.99)
	}
	return m
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(p * float64(len(sorted)-1))
	return sorted[idx]
}

// Destroy flushes persisted state (if enabled) on graceful shutdown.
func (b *Breaker) Destroy() error {
	if b.cfg.PersistenceEnabled && b.cfg.PersistencePath != "" {
		return b.persist()
	}
	return nil
}

func (b *Breaker) persist() error {
	b.mu.Lock()
	ps := persistedState{
		Version:  persistenceSchemaVersion,
		State:    b.state,
		OpenedAt: b.openedAt,
		Counters: persistedCounts{Trips: b.trips},
	}
	b.mu.Unlock()

	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("breaker: marshal persisted state: %w", err)
	}
	return os.WriteFile(b.cfg.PersistencePath, data, 0o600)
}

// loadPersisted loads state from disk; any decode failure or schema
// mismatch falls back to a fresh CLOSED state without surfacing an error
// (spec §4.4 persistence contract).
func (b *Breaker) loadPersisted() {
	data, err := os.ReadFile(b.cfg.PersistencePath)
	if err != nil {
		return
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		b.logger.Warn("breaker: discarding unreadable persisted state", zap.Error(err))
		return
	}
	if ps.Version != persistenceSchemaVersion {
		b.logger.Warn("breaker: persisted schema version mismatch, starting CLOSED",
			zap.Int("found", ps.Version), zap.Int("want", persistenceSchemaVersion))
		return
	}
	b.state = ps.State
	b.openedAt = ps.OpenedAt
	b.trips = ps.Counters.Trips
}
