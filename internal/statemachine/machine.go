// Package statemachine holds the authoritative table of legal (stage, status)
// transitions for an idea. It has no side effects.
package statemachine

import (
	"fmt"
	"strings"

	"ideafactory/internal/domain"
)

// Key is a (stage, status) pair.
type Key struct {
	Stage  domain.Stage  `json:"stage"`
	Status domain.Status `json:"status"`
}

func (k Key) String() string {
	return fmt.Sprintf("(%s, %s)", k.Stage, k.Status)
}

// Result is the outcome of a requested transition.
type Result struct {
	Success   bool
	NewStage  domain.Stage
	NewStatus domain.Status
	Err       string
}

func ok(to Key) Result {
	return Result{Success: true, NewStage: to.Stage, NewStatus: to.Status}
}

func failed(format string, args ...any) Result {
	return Result{Err: fmt.Sprintf(format, args...)}
}

// Machine validates transitions against a fixed table. The zero value is not
// usable; construct with New.
type Machine struct {
	table map[Key][]Key
}

func k(stage domain.Stage, status domain.Status) Key {
	return Key{Stage: stage, Status: status}
}

var archive = k(domain.StageArchived, domain.StatusCompleted)

// New returns a machine loaded with the pipeline graph.
func New() *Machine {
	awaiting := k(domain.StageHumanReview, domain.StatusAwaitingReview)
	t := map[Key][]Key{
		k(domain.StageInput, domain.StatusPending): {
			k(domain.StageEnrichment, domain.StatusProcessing),
			k(domain.StageProjectAnalysis, domain.StatusProcessing),
		},
		k(domain.StageHumanReview, domain.StatusAwaitingReview): {
			k(domain.StageScaffolding, domain.StatusProcessing),
			k(domain.StageBuilding, domain.StatusProcessing),
			k(domain.StageEnrichment, domain.StatusProcessing),
			archive,
			k(domain.StageHumanReview, domain.StatusPaused),
		},
		k(domain.StageHumanReview, domain.StatusPaused): {awaiting},
	}
	// Every processing stage shares the same run/fail/retry shape; only the
	// successor of COMPLETED differs.
	next := map[domain.Stage]Key{
		domain.StageProjectAnalysis: k(domain.StageEnrichment, domain.StatusProcessing),
		domain.StageEnrichment:      k(domain.StageEvaluation, domain.StatusProcessing),
		domain.StageEvaluation:      awaiting,
		domain.StageScaffolding:     awaiting,
		domain.StageBuilding:        k(domain.StageCompleted, domain.StatusCompleted),
	}
	for stage, after := range next {
		t[k(stage, domain.StatusProcessing)] = []Key{
			k(stage, domain.StatusCompleted),
			k(stage, domain.StatusFailed),
		}
		t[k(stage, domain.StatusCompleted)] = []Key{after}
		t[k(stage, domain.StatusFailed)] = []Key{
			k(stage, domain.StatusProcessing),
			archive,
		}
	}
	return &Machine{table: t}
}

// CanTransition reports whether to is listed as a target of from.
func (m *Machine) CanTransition(fromStage domain.Stage, fromStatus domain.Status, toStage domain.Stage, toStatus domain.Status) bool {
	to := k(toStage, toStatus)
	for _, target := range m.table[k(fromStage, fromStatus)] {
		if target == to {
			return true
		}
	}
	return false
}

// Transition validates a requested change. On failure the error names every
// valid target from the current state.
func (m *Machine) Transition(fromStage domain.Stage, fromStatus domain.Status, toStage domain.Stage, toStatus domain.Status) Result {
	if m.CanTransition(fromStage, fromStatus, toStage, toStatus) {
		return ok(k(toStage, toStatus))
	}
	return failed("invalid transition from %s to %s; valid transitions: %s",
		k(fromStage, fromStatus), k(toStage, toStatus), formatKeys(m.table[k(fromStage, fromStatus)]))
}

// ValidTransitions returns the allowed targets of (stage, status).
func (m *Machine) ValidTransitions(stage domain.Stage, status domain.Status) []Key {
	targets := m.table[k(stage, status)]
	out := make([]Key, len(targets))
	copy(out, targets)
	return out
}

// RequiresHILGate reports whether completing the stage routes to human review.
func (m *Machine) RequiresHILGate(stage domain.Stage) bool {
	return stage == domain.StageEvaluation || stage == domain.StageScaffolding
}

// GateNumber returns 1 for the post-evaluation gate, 2 for the
// post-scaffolding gate and 0 for every other stage.
func GateNumber(stage domain.Stage) int {
	switch stage {
	case domain.StageEvaluation:
		return 1
	case domain.StageScaffolding:
		return 2
	}
	return 0
}

// ApplyReviewDecision maps a reviewer decision to its nominal target. APPROVE
// yields (SCAFFOLDING, PROCESSING); callers that know a scaffolding result
// already exists must redirect it to BUILDING.
func (m *Machine) ApplyReviewDecision(currentStage domain.Stage, decision domain.ReviewDecision) Result {
	if currentStage != domain.StageHumanReview {
		return failed("review decisions apply only at %s, idea is at %s", domain.StageHumanReview, currentStage)
	}
	switch decision {
	case domain.DecisionApprove:
		return ok(k(domain.StageScaffolding, domain.StatusProcessing))
	case domain.DecisionRefine:
		return ok(k(domain.StageEnrichment, domain.StatusProcessing))
	case domain.DecisionReject:
		return ok(archive)
	case domain.DecisionDefer:
		return ok(k(domain.StageHumanReview, domain.StatusPaused))
	default:
		return failed("unknown review decision %q", decision)
	}
}

// NextStage suggests the stage that normally follows current for the given
// mode. It walks the happy path of the table and is advisory only.
func (m *Machine) NextStage(current domain.Stage, mode domain.Mode) (domain.Stage, bool) {
	if current == domain.StageInput {
		if mode.Existing() {
			return domain.StageProjectAnalysis, true
		}
		return domain.StageEnrichment, true
	}
	for _, status := range []domain.Status{domain.StatusCompleted, domain.StatusAwaitingReview} {
		for _, target := range m.table[k(current, status)] {
			if target.Stage == current || target == archive {
				continue
			}
			return target.Stage, true
		}
	}
	return "", false
}

func formatKeys(keys []Key) string {
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key.String())
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
