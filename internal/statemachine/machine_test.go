package statemachine_test

import (
	"strings"
	"testing"

	"ideafactory/internal/domain"
	"ideafactory/internal/statemachine"
)

type pair = statemachine.Key

func p(stage domain.Stage, status domain.Status) pair {
	return pair{Stage: stage, Status: status}
}

// expected mirrors the pipeline graph row by row.
var expected = map[pair][]pair{
	p(domain.StageInput, domain.StatusPending): {
		p(domain.StageEnrichment, domain.StatusProcessing),
		p(domain.StageProjectAnalysis, domain.StatusProcessing),
	},
	p(domain.StageProjectAnalysis, domain.StatusProcessing): {
		p(domain.StageProjectAnalysis, domain.StatusCompleted),
		p(domain.StageProjectAnalysis, domain.StatusFailed),
	},
	p(domain.StageProjectAnalysis, domain.StatusCompleted): {p(domain.StageEnrichment, domain.StatusProcessing)},
	p(domain.StageProjectAnalysis, domain.StatusFailed): {
		p(domain.StageProjectAnalysis, domain.StatusProcessing),
		p(domain.StageArchived, domain.StatusCompleted),
	},
	p(domain.StageEnrichment, domain.StatusProcessing): {
		p(domain.StageEnrichment, domain.StatusCompleted),
		p(domain.StageEnrichment, domain.StatusFailed),
	},
	p(domain.StageEnrichment, domain.StatusCompleted): {p(domain.StageEvaluation, domain.StatusProcessing)},
	p(domain.StageEnrichment, domain.StatusFailed): {
		p(domain.StageEnrichment, domain.StatusProcessing),
		p(domain.StageArchived, domain.StatusCompleted),
	},
	p(domain.StageEvaluation, domain.StatusProcessing): {
		p(domain.StageEvaluation, domain.StatusCompleted),
		p(domain.StageEvaluation, domain.StatusFailed),
	},
	p(domain.StageEvaluation, domain.StatusCompleted): {p(domain.StageHumanReview, domain.StatusAwaitingReview)},
	p(domain.StageEvaluation, domain.StatusFailed): {
		p(domain.StageEvaluation, domain.StatusProcessing),
		p(domain.StageArchived, domain.StatusCompleted),
	},
	p(domain.StageHumanReview, domain.StatusAwaitingReview): {
		p(domain.StageScaffolding, domain.StatusProcessing),
		p(domain.StageBuilding, domain.StatusProcessing),
		p(domain.StageEnrichment, domain.StatusProcessing),
		p(domain.StageArchived, domain.StatusCompleted),
		p(domain.StageHumanReview, domain.StatusPaused),
	},
	p(domain.StageHumanReview, domain.StatusPaused): {p(domain.StageHumanReview, domain.StatusAwaitingReview)},
	p(domain.StageScaffolding, domain.StatusProcessing): {
		p(domain.StageScaffolding, domain.StatusCompleted),
		p(domain.StageScaffolding, domain.StatusFailed),
	},
	p(domain.StageScaffolding, domain.StatusCompleted): {p(domain.StageHumanReview, domain.StatusAwaitingReview)},
	p(domain.StageScaffolding, domain.StatusFailed): {
		p(domain.StageScaffolding, domain.StatusProcessing),
		p(domain.StageArchived, domain.StatusCompleted),
	},
	p(domain.StageBuilding, domain.StatusProcessing): {
		p(domain.StageBuilding, domain.StatusCompleted),
		p(domain.StageBuilding, domain.StatusFailed),
	},
	p(domain.StageBuilding, domain.StatusCompleted): {p(domain.StageCompleted, domain.StatusCompleted)},
	p(domain.StageBuilding, domain.StatusFailed): {
		p(domain.StageBuilding, domain.StatusProcessing),
		p(domain.StageArchived, domain.StatusCompleted),
	},
}

func allPairs() []pair {
	var out []pair
	for _, st := range domain.AllStages() {
		for _, status := range domain.AllStatuses() {
			out = append(out, p(st, status))
		}
	}
	return out
}

func TestTableIsExhaustive(t *testing.T) {
	m := statemachine.New()
	for _, from := range allPairs() {
		allowed := map[pair]bool{}
		for _, to := range expected[from] {
			allowed[to] = true
		}
		for _, to := range allPairs() {
			got := m.CanTransition(from.Stage, from.Status, to.Stage, to.Status)
			if got != allowed[to] {
				t.Errorf("CanTransition %s -> %s = %v, want %v", from, to, got, allowed[to])
			}
		}
		if n := len(m.ValidTransitions(from.Stage, from.Status)); n != len(expected[from]) {
			t.Errorf("ValidTransitions %s: got %d targets, want %d", from, n, len(expected[from]))
		}
	}
}

func TestTransitionErrorListsAlternatives(t *testing.T) {
	m := statemachine.New()
	res := m.Transition(domain.StageEnrichment, domain.StatusCompleted, domain.StageBuilding, domain.StatusProcessing)
	if res.Success {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(res.Err, "(evaluation, processing)") {
		t.Fatalf("error should list valid targets, got %q", res.Err)
	}
	res = m.Transition(domain.StageEnrichment, domain.StatusCompleted, domain.StageEvaluation, domain.StatusProcessing)
	if !res.Success || res.NewStage != domain.StageEvaluation || res.NewStatus != domain.StatusProcessing {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestValidTransitionsReturnsCopy(t *testing.T) {
	m := statemachine.New()
	got := m.ValidTransitions(domain.StageInput, domain.StatusPending)
	got[0] = p(domain.StageArchived, domain.StatusCompleted)
	if m.CanTransition(domain.StageInput, domain.StatusPending, domain.StageArchived, domain.StatusCompleted) {
		t.Fatalf("mutating the returned slice changed the table")
	}
}

func TestRequiresHILGate(t *testing.T) {
	m := statemachine.New()
	for _, st := range domain.AllStages() {
		want := st == domain.StageEvaluation || st == domain.StageScaffolding
		if got := m.RequiresHILGate(st); got != want {
			t.Errorf("RequiresHILGate(%s) = %v, want %v", st, got, want)
		}
	}
	if statemachine.GateNumber(domain.StageEvaluation) != 1 || statemachine.GateNumber(domain.StageScaffolding) != 2 {
		t.Fatalf("unexpected gate numbers")
	}
	if statemachine.GateNumber(domain.StageBuilding) != 0 {
		t.Fatalf("building is not a gate")
	}
}

func TestApplyReviewDecision(t *testing.T) {
	m := statemachine.New()
	cases := []struct {
		decision domain.ReviewDecision
		want     pair
	}{
		{domain.DecisionApprove, p(domain.StageScaffolding, domain.StatusProcessing)},
		{domain.DecisionRefine, p(domain.StageEnrichment, domain.StatusProcessing)},
		{domain.DecisionReject, p(domain.StageArchived, domain.StatusCompleted)},
		{domain.DecisionDefer, p(domain.StageHumanReview, domain.StatusPaused)},
	}
	for _, tc := range cases {
		res := m.ApplyReviewDecision(domain.StageHumanReview, tc.decision)
		if !res.Success || p(res.NewStage, res.NewStatus) != tc.want {
			t.Errorf("%s: got %+v, want %s", tc.decision, res, tc.want)
		}
	}
	if res := m.ApplyReviewDecision(domain.StageEvaluation, domain.DecisionApprove); res.Success {
		t.Fatalf("review outside human_review must fail")
	}
	if res := m.ApplyReviewDecision(domain.StageHumanReview, "maybe"); res.Success {
		t.Fatalf("unknown decision must fail")
	}
}

func TestNextStage(t *testing.T) {
	m := statemachine.New()
	cases := []struct {
		current domain.Stage
		mode    domain.Mode
		want    domain.Stage
		ok      bool
	}{
		{domain.StageInput, domain.ModeNew, domain.StageEnrichment, true},
		{domain.StageInput, domain.ModeExistingEnhance, domain.StageProjectAnalysis, true},
		{domain.StageProjectAnalysis, domain.ModeExistingComplete, domain.StageEnrichment, true},
		{domain.StageEnrichment, domain.ModeNew, domain.StageEvaluation, true},
		{domain.StageEvaluation, domain.ModeNew, domain.StageHumanReview, true},
		{domain.StageHumanReview, domain.ModeNew, domain.StageScaffolding, true},
		{domain.StageScaffolding, domain.ModeNew, domain.StageHumanReview, true},
		{domain.StageBuilding, domain.ModeNew, domain.StageCompleted, true},
		{domain.StageCompleted, domain.ModeNew, "", false},
		{domain.StageArchived, domain.ModeNew, "", false},
	}
	for _, tc := range cases {
		got, ok := m.NextStage(tc.current, tc.mode)
		if got != tc.want || ok != tc.ok {
			t.Errorf("NextStage(%s, %s) = (%s, %v), want (%s, %v)", tc.current, tc.mode, got, ok, tc.want, tc.ok)
		}
	}
}
