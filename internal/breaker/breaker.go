// Package breaker implements a per-index circuit breaker guarding the
// persister's write-path driver calls. A back end that is failing every
// write (a dead connection, an unreachable secondary index) would otherwise
// have every coalesced save task hammer it again a few seconds later; the
// breaker opens after a run of failures and fails fast until a cooldown
// elapses, then probes with a half-open trial before fully closing.
//
// This is the same state machine the teacher uses to protect inter-node RPC
// calls in its cluster package, adapted here to guard one storage index's
// write path instead of one cluster peer's RPC path.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned by Call when the breaker is open and the call is
// refused without running fn.
var ErrOpen = errors.New("breaker: circuit open")

// State is the circuit breaker's current disposition.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker guards one index's write path.
type Breaker struct {
	failureThreshold int
	successThreshold int
	timeout          time.Duration

	mu              sync.Mutex
	state           State
	failures        int
	successes       int
	lastFailureTime time.Time

	log *logrus.Entry
}

// New builds a Breaker for the given index name. failureThreshold
// consecutive failures open the circuit; once timeout has elapsed since the
// last failure, the circuit turns half-open and lets calls through, any
// failure reopens it, and successThreshold consecutive successes close it
// again.
func New(index string, log *logrus.Logger, failureThreshold, successThreshold int, timeout time.Duration) *Breaker {
	if log == nil {
		log = logrus.New()
	}
	return &Breaker{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		state:            StateClosed,
		log:              log.WithField("component", "breaker").WithField("index", index),
	}
}

// Call runs fn if the circuit is closed or half-open, recording the outcome.
// It returns ErrOpen without running fn while the circuit is open.
func (b *Breaker) Call(fn func() error) error {
	if !b.allow() {
		b.log.WithField("state", b.State().String()).Debug("breaker refused call")
		return ErrOpen
	}

	err := fn()
	if err != nil {
		b.recordFailure()
		return err
	}
	b.recordSuccess()
	return nil
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTime) > b.timeout {
			b.state = StateHalfOpen
			b.successes = 0
			return true
		}
		return false
	default: // StateHalfOpen
		return true
	}
}

func (b *Breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.failureThreshold {
			b.log.WithField("failures", b.failures).Warn("breaker opening")
			b.state = StateOpen
			b.failures = 0
		}
	case StateHalfOpen:
		b.log.Warn("breaker reopening after half-open failure")
		b.state = StateOpen
		b.failures = 0
		b.successes = 0
	}
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateClosed {
		b.failures = 0
		return
	}
	if b.state == StateHalfOpen {
		b.successes++
		if b.successes >= b.successThreshold {
			b.log.WithField("successes", b.successes).Info("breaker closing after recovery")
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// State reports the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Manager hands out one Breaker per index name, lazily, so a failing index
// doesn't trip the circuit for every other category sharing the same
// driver connection.
type Manager struct {
	failureThreshold int
	successThreshold int
	timeout          time.Duration
	log              *logrus.Logger

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewManager builds a Manager with the given per-breaker thresholds.
func NewManager(log *logrus.Logger, failureThreshold, successThreshold int, timeout time.Duration) *Manager {
	return &Manager{
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		timeout:          timeout,
		log:              log,
		breakers:         make(map[string]*Breaker),
	}
}

// For returns the Breaker for index, creating it on first use.
func (m *Manager) For(index string) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.breakers[index]; ok {
		return b
	}
	b := New(index, m.log, m.failureThreshold, m.successThreshold, m.timeout)
	m.breakers[index] = b
	return b
}
