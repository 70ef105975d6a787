package matcher

import (
	"testing"
	"time"

	"github.com/basket/go-herd/internal/persistence"
)

func testAgent(id string, caps []persistence.Capability, repoID string) *persistence.Agent {
	a := &persistence.Agent{AgentID: id, Capabilities: caps}
	if repoID != "" {
		a.Workspace = &persistence.WorkspaceBinding{RepoID: repoID}
	}
	return a
}

func testTask(id string, route persistence.Route) *persistence.Task {
	return &persistence.Task{ID: id, To: route, Priority: persistence.PriorityNormal}
}

func TestScoreNeutralTask(t *testing.T) {
	task := testTask("t1", persistence.Route{})
	agent := testAgent("a1", []persistence.Capability{persistence.CapCodeWriting}, "")

	r := Score(task, agent)
	if !r.Eligible {
		t.Fatal("expected eligible")
	}
	// workspace 0.5*0.4 + caps 1.0*0.4 + hint 0.5*0.2
	want := 0.7
	if diff := r.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %v, want %v", r.Score, want)
	}
}

func TestScoreConfiguredWeights(t *testing.T) {
	task := testTask("t1", persistence.Route{})
	agent := testAgent("a1", []persistence.Capability{persistence.CapCodeWriting}, "")

	w := Weights{Workspace: 1.0}
	r := w.Score(task, agent)
	if !r.Eligible {
		t.Fatal("expected eligible")
	}
	// Only the neutral workspace sub-score contributes: 0.5 * 1.0.
	want := 0.5
	if diff := r.Score - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("score = %v, want %v", r.Score, want)
	}

	// The hard filters do not depend on the weighting.
	wsTask := testTask("t2", persistence.Route{WorkspaceID: "repo-a"})
	if r := (Weights{Hint: 1.0}).Score(wsTask, agent); r.Eligible {
		t.Fatal("workspace mismatch must reject under any weighting")
	}
}

func TestFindBestAgentHonorsConfiguredWeights(t *testing.T) {
	now := time.Now()
	older := now.Add(-time.Minute)
	hinted := testAgent("hinted", nil, "")
	hinted.WaitingSince = &now
	other := testAgent("other", nil, "")
	other.WaitingSince = &older

	task := testTask("t1", persistence.Route{AgentID: "hinted"})

	if best := FindBestAgent(task, []*persistence.Agent{hinted, other}); best == nil || best.AgentID != "hinted" {
		t.Fatalf("default weights picked %+v", best)
	}

	// Without a hint weight the scores tie and the oldest waiter wins.
	flat := Weights{Workspace: 0.5, Capabilities: 0.5}
	if best := flat.FindBestAgent(task, []*persistence.Agent{hinted, other}); best == nil || best.AgentID != "other" {
		t.Fatalf("hint-less weights picked %+v", best)
	}
}

func TestScoreWorkspaceHardReject(t *testing.T) {
	task := testTask("t1", persistence.Route{WorkspaceID: "repo-a"})

	if r := Score(task, testAgent("a1", nil, "")); r.Eligible {
		t.Fatal("agent without binding must be ineligible for workspace task")
	}
	if r := Score(task, testAgent("a2", nil, "repo-b")); r.Eligible {
		t.Fatal("mismatched repo must be ineligible")
	}
	if r := Score(task, testAgent("a3", nil, "repo-a")); !r.Eligible {
		t.Fatal("matching repo must be eligible")
	}
}

func TestScoreMissingCapabilityRejects(t *testing.T) {
	task := testTask("t1", persistence.Route{Capabilities: []persistence.Capability{persistence.CapTestWriting}})
	agent := testAgent("a1", []persistence.Capability{persistence.CapCodeWriting}, "")

	if r := Score(task, agent); r.Eligible {
		t.Fatal("agent missing a required capability must be ineligible")
	}
}

func TestScoreHintPenaltyKeepsEligibility(t *testing.T) {
	task := testTask("t1", persistence.Route{AgentID: "other"})
	agent := testAgent("a1", nil, "")

	r := Score(task, agent)
	if !r.Eligible {
		t.Fatal("hint naming another agent is a penalty, not a reject")
	}
	named := Score(task, testAgent("other", nil, ""))
	if named.Score <= r.Score {
		t.Fatalf("named agent should outscore penalized one: %v <= %v", named.Score, r.Score)
	}
}

func TestFindBestAgentPrefersOldestWaiterOnTie(t *testing.T) {
	now := time.Now()
	old := now.Add(-2 * time.Minute)
	young := now.Add(-10 * time.Second)

	a1 := testAgent("a1", nil, "")
	a1.WaitingSince = &young
	a2 := testAgent("a2", nil, "")
	a2.WaitingSince = &old

	task := testTask("t1", persistence.Route{})
	best := FindBestAgent(task, []*persistence.Agent{a1, a2})
	if best == nil || best.AgentID != "a2" {
		t.Fatalf("expected oldest waiter a2, got %+v", best)
	}
}

func TestFindBestAgentNoneEligible(t *testing.T) {
	task := testTask("t1", persistence.Route{WorkspaceID: "repo-x"})
	agents := []*persistence.Agent{
		testAgent("a1", nil, ""),
		testAgent("a2", nil, "repo-y"),
	}
	if got := FindBestAgent(task, agents); got != nil {
		t.Fatalf("expected nil, got %s", got.AgentID)
	}
}

func TestFindBestTaskOrdering(t *testing.T) {
	agent := testAgent("a1", []persistence.Capability{persistence.CapCodeWriting}, "")

	older := testTask("t-old", persistence.Route{})
	older.CreatedAt = time.Now().Add(-time.Hour)
	newer := testTask("t-new", persistence.Route{})
	newer.CreatedAt = time.Now()
	critical := testTask("t-crit", persistence.Route{})
	critical.Priority = persistence.PriorityCritical
	critical.CreatedAt = time.Now()

	allMet := func(string) bool { return true }

	best := FindBestTask(agent, []*persistence.Task{newer, older, critical}, allMet)
	if best == nil || best.ID != "t-crit" {
		t.Fatalf("expected critical task first, got %+v", best)
	}

	best = FindBestTask(agent, []*persistence.Task{newer, older}, allMet)
	if best == nil || best.ID != "t-old" {
		t.Fatalf("expected oldest task on equal priority, got %+v", best)
	}
}

func TestFindBestTaskAffinityBeatsPriority(t *testing.T) {
	agent := testAgent("a1", nil, "")

	hinted := testTask("t-hinted", persistence.Route{AgentID: "a1"})
	hinted.CreatedAt = time.Now()
	critical := testTask("t-crit", persistence.Route{})
	critical.Priority = persistence.PriorityCritical
	critical.CreatedAt = time.Now().Add(-time.Hour)

	best := FindBestTask(agent, []*persistence.Task{critical, hinted}, func(string) bool { return true })
	if best == nil || best.ID != "t-hinted" {
		t.Fatalf("expected hinted task to win on affinity, got %+v", best)
	}
}

func TestFindBestTaskSkipsUnmetDependencies(t *testing.T) {
	agent := testAgent("a1", nil, "")

	blocked := testTask("t-dep", persistence.Route{})
	blocked.Dependencies = []string{"t-parent"}
	free := testTask("t-free", persistence.Route{})

	best := FindBestTask(agent, []*persistence.Task{blocked, free}, func(id string) bool { return false })
	if best == nil || best.ID != "t-free" {
		t.Fatalf("expected dependency-free task, got %+v", best)
	}
}
