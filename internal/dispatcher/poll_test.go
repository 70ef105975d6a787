package dispatcher_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/basket/go-herd/internal/dispatcher"
	"github.com/basket/go-herd/internal/persistence"
)

func registerAgent(t *testing.T, store *persistence.Store, id string, caps ...persistence.Capability) string {
	t.Helper()
	if len(caps) == 0 {
		caps = []persistence.Capability{persistence.CapGeneralPurpose}
	}
	agentID, err := store.RegisterAgent(context.Background(), &persistence.Agent{
		AgentID:      id,
		DisplayName:  id,
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("register agent: %v", err)
	}
	return agentID
}

func TestPoll_TimeoutReturnsEmpty(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)
	agentID := registerAgent(t, store, "worker-1")

	result, err := disp.WaitForTask(context.Background(), dispatcher.PollRequest{
		AgentID: agentID,
		Timeout: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.Task != nil || result.Eviction != nil {
		t.Fatalf("result = %+v", result)
	}

	// The waiting mark is cleared when the poll returns.
	agent, err := store.GetAgent(context.Background(), agentID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Waiting() {
		t.Fatal("agent still marked waiting after timeout")
	}
}

func TestPoll_ConnectionDropClearsWaiting(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)
	agentID := registerAgent(t, store, "worker-1")

	pollCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := disp.WaitForTask(pollCtx, dispatcher.PollRequest{
			AgentID: agentID,
			Timeout: 5 * time.Second,
		})
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		agent, err := store.GetAgent(context.Background(), agentID)
		if err != nil {
			t.Fatal(err)
		}
		if agent.Waiting() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never entered the waiting pool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Simulate the agent's connection dropping mid-poll.
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("poll err = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("poll did not return on cancel")
	}

	agent, err := store.GetAgent(context.Background(), agentID)
	if err != nil {
		t.Fatal(err)
	}
	if agent.Waiting() {
		t.Fatal("waiting mark survived a dropped connection")
	}
}

func TestPoll_ExactlyOneConcurrentPollReceivesTask(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	const workers = 10
	ids := make([]string, workers)
	for i := range ids {
		ids[i] = registerAgent(t, store, fmt.Sprintf("worker-%d", i))
	}

	results := make(chan *dispatcher.PollResult, workers)
	for _, id := range ids {
		id := id
		go func() {
			result, err := disp.WaitForTask(ctx, dispatcher.PollRequest{
				AgentID: id,
				Timeout: 2 * time.Second,
			})
			if err != nil {
				t.Errorf("poll %s: %v", id, err)
				results <- nil
				return
			}
			results <- result
		}()
	}

	// Wait until every poll has parked its agent in the pool.
	deadline := time.Now().Add(2 * time.Second)
	for {
		waiting, err := store.WaitingAgents(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(waiting) == workers {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("only %d of %d agents entered the pool", len(waiting), workers)
		}
		time.Sleep(5 * time.Millisecond)
	}

	task, err := disp.Enqueue(ctx, dispatcher.EnqueueRequest{Prompt: "contested work"})
	if err != nil {
		t.Fatal(err)
	}

	delivered := 0
	for i := 0; i < workers; i++ {
		result := <-results
		if result == nil || result.Task == nil {
			continue
		}
		delivered++
		if result.Task.ID != task.ID {
			t.Fatalf("delivered wrong task %s", result.Task.ID)
		}
	}
	if delivered != 1 {
		t.Fatalf("task delivered to %d agents, want exactly 1", delivered)
	}
}

func TestPoll_UnknownAgentRejected(t *testing.T) {
	disp, _, _ := newTestDispatcher(t)
	_, err := disp.WaitForTask(context.Background(), dispatcher.PollRequest{
		AgentID: "worker-nope",
		Timeout: 50 * time.Millisecond,
	})
	if !dispatcher.IsKind(err, dispatcher.KindNotFound) {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestPoll_PicksUpAlreadyQueuedTask(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)
	ctx := context.Background()
	agentID := registerAgent(t, store, "worker-1")

	queued, err := disp.Enqueue(ctx, dispatcher.EnqueueRequest{Prompt: "waiting work"})
	if err != nil {
		t.Fatal(err)
	}

	result, err := disp.WaitForTask(ctx, dispatcher.PollRequest{
		AgentID: agentID,
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.Task == nil || result.Task.ID != queued.ID {
		t.Fatalf("result = %+v", result)
	}
	if result.Task.Status != persistence.StatusPendingAck || result.Task.PendingAckAgentID != agentID {
		t.Fatalf("reservation state = %s %q", result.Task.Status, result.Task.PendingAckAgentID)
	}
}

func TestPoll_WakesOnConcurrentEnqueue(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)
	ctx := context.Background()
	agentID := registerAgent(t, store, "worker-1")

	type pollOut struct {
		result *dispatcher.PollResult
		err    error
	}
	done := make(chan pollOut, 1)
	go func() {
		result, err := disp.WaitForTask(ctx, dispatcher.PollRequest{
			AgentID: agentID,
			Timeout: 5 * time.Second,
		})
		done <- pollOut{result, err}
	}()

	// Wait until the poll has parked the agent in the pool.
	deadline := time.Now().Add(2 * time.Second)
	for {
		agent, err := store.GetAgent(ctx, agentID)
		if err != nil {
			t.Fatal(err)
		}
		if agent.Waiting() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never entered the waiting pool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	task, err := disp.Enqueue(ctx, dispatcher.EnqueueRequest{Prompt: "fresh work"})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case out := <-done:
		if out.err != nil {
			t.Fatalf("poll: %v", out.err)
		}
		if out.result.Task == nil || out.result.Task.ID != task.ID {
			t.Fatalf("result = %+v", out.result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("poll did not wake on enqueue")
	}
}

func TestPoll_EvictionBeatsTaskDelivery(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)
	ctx := context.Background()
	agentID := registerAgent(t, store, "worker-1")

	if _, err := disp.Enqueue(ctx, dispatcher.EnqueueRequest{Prompt: "work"}); err != nil {
		t.Fatal(err)
	}
	if err := disp.QueueEviction(ctx, agentID, "config change", persistence.EvictRestart); err != nil {
		t.Fatal(err)
	}

	result, err := disp.WaitForTask(ctx, dispatcher.PollRequest{
		AgentID: agentID,
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if result.Eviction == nil {
		t.Fatalf("result = %+v, want eviction", result)
	}
	if result.Eviction.Action != persistence.EvictRestart || result.Eviction.Reason != "config change" {
		t.Fatalf("eviction = %+v", result.Eviction)
	}
	if result.Task != nil {
		t.Fatal("task delivered alongside eviction")
	}

	// The eviction was consumed; the queued task is delivered next.
	result, err = disp.WaitForTask(ctx, dispatcher.PollRequest{
		AgentID: agentID,
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Task == nil || result.Eviction != nil {
		t.Fatalf("second poll = %+v", result)
	}
}

func TestPoll_EvictionWakesParkedAgent(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)
	ctx := context.Background()
	agentID := registerAgent(t, store, "worker-1")

	done := make(chan *dispatcher.PollResult, 1)
	go func() {
		result, err := disp.WaitForTask(ctx, dispatcher.PollRequest{
			AgentID: agentID,
			Timeout: 5 * time.Second,
		})
		if err != nil {
			t.Errorf("poll: %v", err)
			done <- nil
			return
		}
		done <- result
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		agent, err := store.GetAgent(ctx, agentID)
		if err != nil {
			t.Fatal(err)
		}
		if agent.Waiting() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never entered the waiting pool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := disp.QueueEviction(ctx, agentID, "shutting down", persistence.EvictShutdown); err != nil {
		t.Fatal(err)
	}

	select {
	case result := <-done:
		if result == nil || result.Eviction == nil || result.Eviction.Action != persistence.EvictShutdown {
			t.Fatalf("result = %+v", result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("poll did not wake on eviction")
	}
}

func TestPoll_SystemPromptRefreshFlag(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)
	ctx := context.Background()
	agentID := registerAgent(t, store, "worker-1")

	done := make(chan *dispatcher.PollResult, 1)
	go func() {
		result, err := disp.WaitForTask(ctx, dispatcher.PollRequest{
			AgentID: agentID,
			Timeout: 300 * time.Millisecond,
		})
		if err != nil {
			t.Errorf("poll: %v", err)
			done <- nil
			return
		}
		done <- result
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		agent, err := store.GetAgent(ctx, agentID)
		if err != nil {
			t.Fatal(err)
		}
		if agent.Waiting() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("agent never entered the waiting pool")
		}
		time.Sleep(5 * time.Millisecond)
	}

	disp.NotifySystemPrompt(agentID)

	select {
	case result := <-done:
		if result == nil || !result.SystemPromptRefresh {
			t.Fatalf("result = %+v, want system prompt refresh", result)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("poll never returned")
	}
}

func TestPoll_WorkspaceMismatchNotDelivered(t *testing.T) {
	disp, store, _ := newTestDispatcher(t)
	ctx := context.Background()

	agentID, err := store.RegisterAgent(ctx, &persistence.Agent{
		AgentID:      "worker-1",
		Capabilities: []persistence.Capability{persistence.CapGeneralPurpose},
		Workspace:    &persistence.WorkspaceBinding{Kind: "git", RepoID: "repo-a"},
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := disp.Enqueue(ctx, dispatcher.EnqueueRequest{
		Prompt: "work for another repo",
		To:     persistence.Route{WorkspaceID: "repo-b"},
	}); err != nil {
		t.Fatal(err)
	}

	result, err := disp.WaitForTask(ctx, dispatcher.PollRequest{
		AgentID: agentID,
		Timeout: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Task != nil {
		t.Fatalf("workspace-mismatched task delivered: %+v", result.Task)
	}
}

func TestPoll_WaitForCompletion(t *testing.T) {
	disp, _, _ := newTestDispatcher(t)
	ctx := context.Background()

	task, err := disp.Enqueue(ctx, dispatcher.EnqueueRequest{Prompt: "short-lived work"})
	if err != nil {
		t.Fatal(err)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = disp.Cancel(ctx, task.ID, "done waiting")
	}()

	got, err := disp.WaitForCompletion(ctx, task.ID, 3*time.Second)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if got.Status != persistence.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}
