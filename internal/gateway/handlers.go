package gateway

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/go-herd/internal/cron"
	"github.com/basket/go-herd/internal/dispatcher"
	"github.com/basket/go-herd/internal/persistence"
)

// enqueueSchemaJSON guards the enqueue payload before it reaches the
// dispatcher. Everything else is validated in Go.
const enqueueSchemaJSON = `{
	"type": "object",
	"required": ["prompt"],
	"properties": {
		"title": {"type": "string"},
		"prompt": {"type": "string", "minLength": 1},
		"from": {
			"type": "object",
			"properties": {
				"kind": {"type": "string", "enum": ["user", "agent"]},
				"id": {"type": "string"},
				"name": {"type": "string"}
			}
		},
		"to": {
			"type": "object",
			"properties": {
				"agent_id": {"type": "string"},
				"capabilities": {"type": "array", "items": {"type": "string"}},
				"workspace_id": {"type": "string"}
			}
		},
		"priority": {"type": "string", "enum": ["normal", "high", "critical"]},
		"dependencies": {"type": "array", "items": {"type": "string"}},
		"context": {"type": "object", "additionalProperties": {"type": "string"}}
	}
}`

var enqueueSchema *jsonschema.Schema

func compileEnqueueSchema() error {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(enqueueSchemaJSON))
	if err != nil {
		return fmt.Errorf("unmarshal enqueue schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("enqueue.json", doc); err != nil {
		return fmt.Errorf("add enqueue schema: %w", err)
	}
	enqueueSchema, err = c.Compile("enqueue.json")
	if err != nil {
		return fmt.Errorf("compile enqueue schema: %w", err)
	}
	return nil
}

type enqueueBody struct {
	Title        string               `json:"title"`
	Prompt       string               `json:"prompt"`
	From         persistence.Origin   `json:"from"`
	To           persistence.Route    `json:"to"`
	Priority     persistence.Priority `json:"priority"`
	Dependencies []string             `json:"dependencies"`
	Context      map[string]string    `json:"context"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unreadable body"})
		return
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(raw)))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if err := enqueueSchema.Validate(doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var body enqueueBody
	if err := json.Unmarshal(raw, &body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if body.From.Kind == "" {
		body.From.Kind = "user"
	}
	for _, c := range body.To.Capabilities {
		if !persistence.ValidCapability(c) {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("unknown capability %q", c)})
			return
		}
	}

	task, err := s.cfg.Dispatcher.Enqueue(r.Context(), dispatcher.EnqueueRequest{
		Title:        body.Title,
		Prompt:       body.Prompt,
		From:         body.From,
		To:           body.To,
		Priority:     body.Priority,
		Dependencies: body.Dependencies,
		Context:      body.Context,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.cfg.Store.GetTask(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []persistence.TaskStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			statuses = append(statuses, persistence.TaskStatus(strings.TrimSpace(part)))
		}
	} else {
		statuses = []persistence.TaskStatus{
			persistence.StatusQueued, persistence.StatusPendingAck, persistence.StatusAssigned,
			persistence.StatusInProgress, persistence.StatusInReview, persistence.StatusApprovedQueued,
			persistence.StatusBlocked,
		}
	}
	tasks, err := s.cfg.Store.TasksByStatuses(r.Context(), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]taskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, viewOf(t))
	}
	writeJSON(w, http.StatusOK, views)
}

type ackBody struct {
	AgentID string `json:"agent_id"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var body ackBody
	if err := decodeBody(r, &body); err != nil || body.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}
	task, err := s.cfg.Dispatcher.Ack(r.Context(), r.PathValue("id"), body.AgentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

type progressBody struct {
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	var body progressBody
	if err := decodeBody(r, &body); err != nil || body.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}
	if err := s.cfg.Dispatcher.UpdateProgress(r.Context(), r.PathValue("id"), body.AgentID, body.Message); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type responseBody struct {
	AgentID   string            `json:"agent_id"`
	Status    string            `json:"status"`
	Message   string            `json:"message"`
	Artifacts map[string]string `json:"artifacts"`
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	var body responseBody
	if err := decodeBody(r, &body); err != nil || body.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}
	err := s.cfg.Dispatcher.SendResponse(r.Context(), r.PathValue("id"), body.AgentID, &persistence.Response{
		Status:    body.Status,
		Message:   body.Message,
		Artifacts: body.Artifacts,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if err := s.cfg.Dispatcher.Approve(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type reasonBody struct {
	Reason string `json:"reason"`
}

func (s *Server) handleReject(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	_ = decodeBody(r, &body)
	if err := s.cfg.Dispatcher.Reject(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type blockBody struct {
	AgentID string `json:"agent_id"`
	Reason  string `json:"reason"`
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var body blockBody
	_ = decodeBody(r, &body)
	if err := s.cfg.Dispatcher.Block(r.Context(), r.PathValue("id"), body.AgentID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type answerBody struct {
	Answer string `json:"answer"`
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var body answerBody
	if err := decodeBody(r, &body); err != nil || body.Answer == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "answer required"})
		return
	}
	if err := s.cfg.Dispatcher.Answer(r.Context(), r.PathValue("id"), body.Answer); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	_ = decodeBody(r, &body)
	if err := s.cfg.Dispatcher.Cancel(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	var body reasonBody
	_ = decodeBody(r, &body)
	if body.Reason == "" {
		body.Reason = "manual retry"
	}
	if err := s.cfg.Dispatcher.ForceRetry(r.Context(), r.PathValue("id"), body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.cfg.Dispatcher.ReadMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

type commentBody struct {
	Content string `json:"content"`
}

func (s *Server) handlePostComment(w http.ResponseWriter, r *http.Request) {
	var body commentBody
	if err := decodeBody(r, &body); err != nil || body.Content == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content required"})
		return
	}
	id, err := s.cfg.Dispatcher.PostComment(r.Context(), r.PathValue("id"), body.Content)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"message_id": id})
}

func (s *Server) handleWaitCompletion(w http.ResponseWriter, r *http.Request) {
	timeout := 60 * time.Second
	if raw := r.URL.Query().Get("timeout_ms"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			timeout = time.Duration(ms) * time.Millisecond
		}
	}
	task, err := s.cfg.Dispatcher.WaitForCompletion(r.Context(), r.PathValue("id"), timeout)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(task))
}

type registerBody struct {
	AgentID      string                        `json:"agent_id"`
	DisplayName  string                        `json:"display_name"`
	Capabilities []persistence.Capability      `json:"capabilities"`
	Workspace    *persistence.WorkspaceBinding `json:"workspace"`
	Role         string                        `json:"role"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body registerBody
	if err := decodeBody(r, &body); err != nil || body.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}
	agent := &persistence.Agent{
		AgentID:      body.AgentID,
		DisplayName:  body.DisplayName,
		Capabilities: body.Capabilities,
		Workspace:    body.Workspace,
		Role:         body.Role,
	}
	id, err := s.cfg.Store.RegisterAgent(r.Context(), agent)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.cfg.Store.ListAgents(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	type agentView struct {
		AgentID      string                        `json:"agent_id"`
		DisplayName  string                        `json:"display_name,omitempty"`
		Capabilities []persistence.Capability      `json:"capabilities"`
		Workspace    *persistence.WorkspaceBinding `json:"workspace,omitempty"`
		Role         string                        `json:"role,omitempty"`
		LastSeen     time.Time                     `json:"last_seen"`
		Waiting      bool                          `json:"waiting"`
	}
	views := make([]agentView, 0, len(agents))
	for _, a := range agents {
		views = append(views, agentView{
			AgentID:      a.AgentID,
			DisplayName:  a.DisplayName,
			Capabilities: a.Capabilities,
			Workspace:    a.Workspace,
			Role:         a.Role,
			LastSeen:     a.LastSeen,
			Waiting:      a.Waiting(),
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type evictBody struct {
	Reason string `json:"reason"`
	Action string `json:"action"`
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	var body evictBody
	if err := decodeBody(r, &body); err != nil || body.Action == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "action required"})
		return
	}
	if err := s.cfg.Dispatcher.QueueEviction(r.Context(), r.PathValue("id"), body.Reason, body.Action); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
}

type pollBody struct {
	AgentID      string                   `json:"agent_id"`
	Capabilities []persistence.Capability `json:"capabilities"`
	WorkspaceID  string                   `json:"workspace_id"`
	TimeoutMS    int                      `json:"timeout_ms"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	var body pollBody
	if err := decodeBody(r, &body); err != nil || body.AgentID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "agent_id required"})
		return
	}
	result, err := s.cfg.Dispatcher.WaitForTask(r.Context(), dispatcher.PollRequest{
		AgentID:      body.AgentID,
		Capabilities: body.Capabilities,
		WorkspaceID:  body.WorkspaceID,
		Timeout:      time.Duration(body.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	out := map[string]any{}
	switch {
	case result.Eviction != nil:
		out["control_signal"] = "EVICT"
		out["reason"] = result.Eviction.Reason
		out["action"] = result.Eviction.Action
	case result.Task != nil:
		out["task"] = viewOf(result.Task)
	}
	if result.SystemPromptRefresh {
		out["system_prompt_refresh"] = true
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := s.cfg.Store.RecentActivity(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type scheduleBody struct {
	Name         string                   `json:"name"`
	CronExpr     string                   `json:"cron_expr"`
	Prompt       string                   `json:"prompt"`
	Capabilities []persistence.Capability `json:"capabilities"`
	Priority     persistence.Priority     `json:"priority"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var body scheduleBody
	if err := decodeBody(r, &body); err != nil || body.Name == "" || body.CronExpr == "" || body.Prompt == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name, cron_expr and prompt required"})
		return
	}
	if _, err := cron.NextRunTime(body.CronExpr, time.Now()); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": fmt.Sprintf("invalid cron expression: %v", err)})
		return
	}
	id, err := s.cfg.Store.CreateSchedule(r.Context(), &persistence.Schedule{
		Name:         body.Name,
		CronExpr:     body.CronExpr,
		Prompt:       body.Prompt,
		Capabilities: body.Capabilities,
		Priority:     body.Priority,
		Enabled:      true,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"schedule_id": id})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.cfg.Store.ListSchedules(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, schedules)
}
