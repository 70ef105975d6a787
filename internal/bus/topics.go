package bus

// Task lifecycle topics. "task.dispatch" unblocks the long-poll of the agent
// named in the payload; the remaining task topics feed UI subscribers.
const (
	TopicTaskDispatch  = "task.dispatch"
	TopicTaskCreated   = "task.created"
	TopicTaskUpdated   = "task.updated"
	TopicTaskCompleted = "task.completed"
)

// Agent control topics.
const (
	TopicEviction     = "agent.eviction"
	TopicSystemPrompt = "agent.system_prompt"
	TopicAgentStatus  = "agent.status"
)

// TopicActivity carries broker activity frames for dashboards.
const TopicActivity = "activity"

// TaskDispatchEvent is published when a task has been reserved for an agent.
// The receiving poll must re-read the task from the store and verify the
// reservation still names it before returning the task.
type TaskDispatchEvent struct {
	TaskID  string
	AgentID string
}

// TaskCreatedEvent is published on enqueue.
type TaskCreatedEvent struct {
	TaskID string
}

// TaskUpdatedEvent is published on every status transition.
type TaskUpdatedEvent struct {
	TaskID    string
	OldStatus string
	NewStatus string
}

// TaskCompletedEvent is published when a task reaches a terminal state.
type TaskCompletedEvent struct {
	TaskID string
	Status string
}

// EvictionEvent is published when an eviction is queued for an agent. It may
// unblock an already-waiting poll; delivery is otherwise deferred to the
// agent's next poll.
type EvictionEvent struct {
	AgentID string
	Reason  string
	Action  string
}

// SystemPromptEvent tells an agent to refresh its system prompt on next poll.
type SystemPromptEvent struct {
	AgentID string
}

// AgentStatusEvent is published when an agent registers, starts or stops waiting.
type AgentStatusEvent struct {
	AgentID string
	Status  string
}

// ActivityEvent is a human-readable frame describing a broker action.
type ActivityEvent struct {
	AgentID string
	TaskID  string
	Kind    string
	Detail  string
}
