package gateway

import (
	"sync"
	"time"
)

// Readiness phases, in lifecycle order.
const (
	PhaseStarting  = "starting"
	PhaseListening = "listening"
	PhaseReady     = "ready"
	PhaseError     = "error"
)

var phaseOrder = map[string]int{
	PhaseStarting:  0,
	PhaseListening: 1,
	PhaseReady:     2,
	PhaseError:     3,
}

// PhaseChange is one recorded transition.
type PhaseChange struct {
	Phase string    `json:"phase"`
	At    time.Time `json:"at"`
}

// ReadinessSnapshot is the externally visible readiness state.
type ReadinessSnapshot struct {
	Phase  string        `json:"phase"`
	Since  time.Time     `json:"since"`
	Phases []PhaseChange `json:"phases"`
}

// Readiness tracks the startup lifecycle. Transitions are monotonic: a phase
// earlier in the order than the current one is ignored, and revisiting the
// current phase is a no-op, so each phase appears in the history exactly once.
type Readiness struct {
	mu     sync.Mutex
	phase  string
	since  time.Time
	phases []PhaseChange
	now    func() time.Time
}

// NewReadiness starts in the "starting" phase.
func NewReadiness() *Readiness {
	r := &Readiness{now: time.Now}
	r.phase = PhaseStarting
	r.since = r.now()
	r.phases = []PhaseChange{{Phase: PhaseStarting, At: r.since}}
	return r
}

// Advance moves to phase if it is later in the lifecycle than the current
// one. Returns whether a transition happened.
func (r *Readiness) Advance(phase string) bool {
	next, ok := phaseOrder[phase]
	if !ok {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if next <= phaseOrder[r.phase] {
		return false
	}
	at := r.now()
	r.phase = phase
	r.since = at
	r.phases = append(r.phases, PhaseChange{Phase: phase, At: at})
	return true
}

// Snapshot returns a copy of the current state.
func (r *Readiness) Snapshot() ReadinessSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	phases := make([]PhaseChange, len(r.phases))
	copy(phases, r.phases)
	return ReadinessSnapshot{Phase: r.phase, Since: r.since, Phases: phases}
}
