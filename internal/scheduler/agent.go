package scheduler

import (
	"slices"
)

// agentState is the scheduler's mutable record for one worker. All
// mutation happens under the scheduler mutex.
type agentState struct {
	id            string
	capabilities  []string
	maxConcurrent int
	currentTasks  []string
}

func (a *agentState) load() float64 {
	if a.maxConcurrent == 0 {
		return 1
	}
	return float64(len(a.currentTasks)) / float64(a.maxConcurrent)
}

func (a *agentState) hasCapacity() bool {
	return len(a.currentTasks) < a.maxConcurrent
}

func (a *agentState) hasCapability(tag string) bool {
	return slices.Contains(a.capabilities, tag)
}

func (a *agentState) removeTask(taskID string) {
	for i, id := range a.currentTasks {
		if id == taskID {
			a.currentTasks = append(a.currentTasks[:i], a.currentTasks[i+1:]...)
			return
		}
	}
}

// AgentWorkload is an immutable snapshot of one agent's load.
type AgentWorkload struct {
	AgentID       string   `json:"agent_id"`
	Capabilities  []string `json:"capabilities"`
	CurrentTasks  []string `json:"current_tasks"`
	MaxConcurrent int      `json:"max_concurrent_tasks"`
	CurrentLoad   float64  `json:"current_load"`
}

// Scoring coefficients. An agent that advertises the task's type as a
// capability wins over any load difference; among equally capable
// agents the emptier one wins, with total free slots as a final
// separator so larger agents absorb bursts.
const (
	capabilityMatchBonus = 10.0
	loadBalanceWeight    = 5.0
	freeSlotBonus        = 1.0
)

// scoreAgent computes the assignment score for placing task t on agent
// a. Deterministic: equal scores are broken by agent id at the call
// site. Assumes a has free capacity.
func scoreAgent(a *agentState, t *Task) float64 {
	score := loadBalanceWeight * (1 - a.load())
	score += freeSlotBonus * float64(a.maxConcurrent-len(a.currentTasks))
	if a.hasCapability(t.Type) {
		score += capabilityMatchBonus
	}
	return score
}
