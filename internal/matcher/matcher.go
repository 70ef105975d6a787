// Package matcher scores (task, agent) pairs for dispatch. It is pure: no
// store access, no clock reads beyond the timestamps already on its inputs.
package matcher

import (
	"slices"
	"sort"

	"github.com/basket/go-herd/internal/persistence"
)

// Weights are the sub-score weights. Workspace and capabilities dominate by
// default; the routing hint only breaks ties. They are configurable, but the
// hard filters below apply regardless of weighting.
type Weights struct {
	Workspace    float64
	Capabilities float64
	Hint         float64
}

// DefaultWeights returns the standard weighting.
func DefaultWeights() Weights {
	return Weights{Workspace: 0.4, Capabilities: 0.4, Hint: 0.2}
}

// Result is the outcome of scoring one (task, agent) pair.
type Result struct {
	Eligible bool
	Score    float64
}

// Score evaluates a pair with the default weights.
func Score(task *persistence.Task, agent *persistence.Agent) Result {
	return DefaultWeights().Score(task, agent)
}

// Score evaluates whether agent may receive task and how well it fits.
// Workspace demands and capability requirements are hard filters; a routing
// hint naming another agent is only a penalty.
func (w Weights) Score(task *persistence.Task, agent *persistence.Agent) Result {
	ws, ok := workspaceScore(task, agent)
	if !ok {
		return Result{}
	}
	caps, ok := capabilityScore(task, agent)
	if !ok {
		return Result{}
	}
	hint := hintScore(task, agent)
	return Result{
		Eligible: true,
		Score:    w.Workspace*ws + w.Capabilities*caps + w.Hint*hint,
	}
}

func workspaceScore(task *persistence.Task, agent *persistence.Agent) (float64, bool) {
	if task.To.WorkspaceID == "" {
		return 0.5, true
	}
	if agent.Workspace == nil {
		return 0, false
	}
	if agent.Workspace.RepoID != task.To.WorkspaceID {
		return 0, false
	}
	return 1.0, true
}

func capabilityScore(task *persistence.Task, agent *persistence.Agent) (float64, bool) {
	if len(task.To.Capabilities) == 0 {
		return 1.0, true
	}
	for _, need := range task.To.Capabilities {
		if !slices.Contains(agent.Capabilities, need) {
			return 0, false
		}
	}
	return 1.0, true
}

func hintScore(task *persistence.Task, agent *persistence.Agent) float64 {
	switch task.To.AgentID {
	case "":
		return 0.5
	case agent.AgentID:
		return 1.0
	default:
		return 0.3
	}
}

// FindBestAgent picks with the default weights.
func FindBestAgent(task *persistence.Task, agents []*persistence.Agent) *persistence.Agent {
	return DefaultWeights().FindBestAgent(task, agents)
}

// FindBestAgent returns the eligible agent with the highest score, breaking
// ties in favor of the longest waiter. Returns nil when nobody is eligible.
func (w Weights) FindBestAgent(task *persistence.Task, agents []*persistence.Agent) *persistence.Agent {
	type candidate struct {
		agent *persistence.Agent
		score float64
	}
	var eligible []candidate
	for _, a := range agents {
		if r := w.Score(task, a); r.Eligible {
			eligible = append(eligible, candidate{agent: a, score: r.Score})
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].score != eligible[j].score {
			return eligible[i].score > eligible[j].score
		}
		wi, wj := eligible[i].agent.WaitingSince, eligible[j].agent.WaitingSince
		switch {
		case wi == nil && wj == nil:
			return false
		case wi == nil:
			return false
		case wj == nil:
			return true
		default:
			return wi.Before(*wj)
		}
	})
	return eligible[0].agent
}

// DependencyChecker reports whether a task id has reached COMPLETED.
type DependencyChecker func(taskID string) bool

// FindBestTask picks with the default weights.
func FindBestTask(agent *persistence.Agent, candidates []*persistence.Task, depCompleted DependencyChecker) *persistence.Task {
	return DefaultWeights().FindBestTask(agent, candidates, depCompleted)
}

// FindBestTask picks the task the agent should work on next: dependencies all
// met, then ordered by affinity to this agent, priority, and age. Returns nil
// when the agent is eligible for none of the candidates.
func (w Weights) FindBestTask(agent *persistence.Agent, candidates []*persistence.Task, depCompleted DependencyChecker) *persistence.Task {
	type scored struct {
		task  *persistence.Task
		score float64
	}
	var ready []scored
	for _, t := range candidates {
		if !dependenciesMet(t, depCompleted) {
			continue
		}
		if r := w.Score(t, agent); r.Eligible {
			ready = append(ready, scored{task: t, score: r.Score})
		}
	}
	if len(ready) == 0 {
		return nil
	}
	sort.SliceStable(ready, func(i, j int) bool {
		if ready[i].score != ready[j].score {
			return ready[i].score > ready[j].score
		}
		ri, rj := ready[i].task.Priority.Rank(), ready[j].task.Priority.Rank()
		if ri != rj {
			return ri > rj
		}
		return ready[i].task.CreatedAt.Before(ready[j].task.CreatedAt)
	})
	return ready[0].task
}

func dependenciesMet(t *persistence.Task, depCompleted DependencyChecker) bool {
	for _, dep := range t.Dependencies {
		if !depCompleted(dep) {
			return false
		}
	}
	return true
}
