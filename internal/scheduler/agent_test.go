package scheduler

import "testing"

func TestScoreAgent(t *testing.T) {
	task := &Task{Type: "generation"}

	tests := []struct {
		name  string
		agent *agentState
		want  float64
	}{
		{
			name:  "idle without capability",
			agent: &agentState{id: "a", maxConcurrent: 2},
			want:  5 + 2, // full load headroom plus two free slots
		},
		{
			name: "idle with capability",
			agent: &agentState{
				id: "a", maxConcurrent: 2,
				capabilities: []string{"generation"},
			},
			want: 10 + 5 + 2,
		},
		{
			name: "half loaded",
			agent: &agentState{
				id: "a", maxConcurrent: 2,
				currentTasks: []string{"x"},
			},
			want: 2.5 + 1,
		},
		{
			name: "unrelated capability",
			agent: &agentState{
				id: "a", maxConcurrent: 1,
				capabilities: []string{"analysis"},
			},
			want: 5 + 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := scoreAgent(tt.agent, task); got != tt.want {
				t.Errorf("scoreAgent = %v, want %v", got, tt.want)
			}
		})
	}
}

// A loaded specialist still outranks an idle generalist: the
// capability bonus dominates any load difference.
func TestScoreAgentCapabilityDominatesLoad(t *testing.T) {
	task := &Task{Type: "generation"}
	specialist := &agentState{
		id: "s", maxConcurrent: 2,
		capabilities: []string{"generation"},
		currentTasks: []string{"x"},
	}
	generalist := &agentState{id: "g", maxConcurrent: 2}

	if scoreAgent(specialist, task) <= scoreAgent(generalist, task) {
		t.Error("loaded specialist scored below idle generalist")
	}
}

func TestAgentStateHelpers(t *testing.T) {
	a := &agentState{id: "a", maxConcurrent: 2, currentTasks: []string{"t1"}}

	if !a.hasCapacity() {
		t.Error("agent with a free slot reported no capacity")
	}
	if got := a.load(); got != 0.5 {
		t.Errorf("load = %v, want 0.5", got)
	}

	a.currentTasks = append(a.currentTasks, "t2")
	if a.hasCapacity() {
		t.Error("full agent reported capacity")
	}

	a.removeTask("t1")
	if len(a.currentTasks) != 1 || a.currentTasks[0] != "t2" {
		t.Errorf("currentTasks = %v, want [t2]", a.currentTasks)
	}
	a.removeTask("missing") // no-op
	if len(a.currentTasks) != 1 {
		t.Errorf("removeTask of unknown id mutated the list: %v", a.currentTasks)
	}
}
