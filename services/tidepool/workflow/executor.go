// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/Tidepool/services/llm"
	"github.com/AleutianAI/Tidepool/services/tidepool/datatypes"
	"github.com/AleutianAI/Tidepool/services/tidepool/embeddings"
	"github.com/AleutianAI/Tidepool/services/tidepool/observability"
	"github.com/AleutianAI/Tidepool/services/tidepool/store"
	"github.com/AleutianAI/Tidepool/services/tidepool/vectorstore"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var execTracer = otel.Tracer("tidepool.workflow")

// ErrInterrupted is returned when a turn is attempted on a thread that is
// parked on a pending approval.
var ErrInterrupted = errors.New("execution interrupted awaiting approval")

// Emitter receives stream events as the graph advances. Events are
// best-effort: durable state is the checkpoint. An emitter error is
// ignored; later events are still emitted and execution bookkeeping goes on.
type Emitter func(ev datatypes.StreamEvent) error

// ProviderSource resolves a tenant to its provider clients. Satisfied by
// providers.Registry.
type ProviderSource interface {
	ChatFor(ctx context.Context, tenantID uuid.UUID, modelOverride string) (llm.ChatClient, error)
	EmbeddingFor(ctx context.Context, tenantID uuid.UUID) (embeddings.Client, error)
}

// Executor steps compiled graphs with checkpointed state.
type Executor struct {
	store    store.Store
	index    vectorstore.Index
	registry ProviderSource

	// StepLimit bounds one turn as a final guard; structurally valid
	// graphs terminate long before it.
	StepLimit int
}

func NewExecutor(st store.Store, index vectorstore.Index, registry ProviderSource) *Executor {
	return &Executor{store: st, index: index, registry: registry, StepLimit: 25}
}

// ExecuteInput is one conversational turn.
type ExecuteInput struct {
	SessionID  uuid.UUID // Nil creates a new session
	WorkflowID *uuid.UUID
	UserInput  string
}

// ThreadID derives the checkpoint thread key for a session.
func ThreadID(tenantID, sessionID uuid.UUID) string {
	return fmt.Sprintf("tenant_%s_session_%s", tenantID, sessionID)
}

func noopEmit(datatypes.StreamEvent) error { return nil }

// Execute runs one turn to completion, interrupt or failure. The returned
// execution row reflects the terminal status.
func (x *Executor) Execute(ctx context.Context, tenantID, userID uuid.UUID, input ExecuteInput, emit Emitter) (*store.WorkflowExecution, error) {
	if emit == nil {
		emit = noopEmit
	}
	ctx, span := execTracer.Start(ctx, "Executor.Execute")
	defer span.End()

	session, err := x.ensureSession(ctx, tenantID, userID, input)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("session_id", session.ID.String()))
	threadID := session.ThreadID

	// A thread parked on an approval takes no further turns until resume.
	if latest, err := x.store.LatestExecutionForThread(ctx, threadID); err == nil &&
		latest.Status == store.ExecutionInterrupted {
		return nil, ErrInterrupted
	}

	activeDocs, err := x.activeDocuments(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	if session.Mode == store.ModeRAGOnly && len(activeDocs) == 0 {
		return nil, ErrNoDocuments
	}

	graph, workflowID, err := x.resolveGraph(ctx, tenantID, session, input.WorkflowID)
	if err != nil {
		return nil, err
	}

	st, step, err := x.loadState(ctx, session, threadID, activeDocs)
	if err != nil {
		return nil, err
	}

	// A session created without a title takes it from its first turn.
	if session.Title == "" && input.UserInput != "" {
		title := input.UserInput
		if len(title) > 80 {
			title = title[:80]
		}
		if err := x.store.UpdateSessionTitle(ctx, tenantID, session.ID, title); err != nil {
			return nil, fmt.Errorf("derive session title: %w", err)
		}
		session.Title = title
	}

	// The user message is appended and persisted before any graph step.
	st.Messages = append(st.Messages, datatypes.Message{Role: datatypes.RoleUser, Content: input.UserInput})
	st.Query = input.UserInput
	st.Chunks = nil
	st.Route = ""
	st.RoutingMetadata = nil
	st.Generation = ""
	st.Retry = false
	st.Approved = nil
	st.UserFeedback = ""
	st.InterruptedAt = ""
	st.ResumeNode = ""
	if err := x.store.AppendMessage(ctx, &store.SessionMessage{
		ID:        uuid.New(),
		SessionID: session.ID,
		Role:      datatypes.RoleUser,
		Content:   input.UserInput,
		CreatedAt: time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}
	if err := x.checkpoint(ctx, threadID, step, st); err != nil {
		return nil, err
	}

	exec := &store.WorkflowExecution{
		ID:         uuid.New(),
		TenantID:   tenantID,
		UserID:     userID,
		WorkflowID: workflowID,
		SessionID:  session.ID,
		ThreadID:   threadID,
		Status:     store.ExecutionRunning,
		InputData:  store.JSONMap{"user_input": input.UserInput},
		StartedAt:  time.Now(),
	}
	if err := x.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("create execution row: %w", err)
	}

	_ = emit(datatypes.StreamEvent{
		Type:        datatypes.EventStart,
		SessionId:   session.ID.String(),
		ExecutionId: exec.ID.String(),
	})

	return x.loop(ctx, exec, session, graph, st, step+1, graph.Entry(), emit)
}

// Resume continues an interrupted execution after its approval has been
// responded to.
func (x *Executor) Resume(ctx context.Context, tenantID, userID uuid.UUID, sessionID uuid.UUID, userResponse string, emit Emitter) (*store.WorkflowExecution, error) {
	if emit == nil {
		emit = noopEmit
	}
	ctx, span := execTracer.Start(ctx, "Executor.Resume")
	defer span.End()

	session, err := x.store.GetSession(ctx, tenantID, sessionID)
	if err != nil {
		return nil, err
	}
	exec, err := x.store.LatestExecutionForThread(ctx, session.ThreadID)
	if err != nil {
		return nil, err
	}
	if exec.Status != store.ExecutionInterrupted {
		return nil, fmt.Errorf("execution %s is %s, not interrupted: %w", exec.ID, exec.Status, store.ErrConflict)
	}

	// The approval must have been responded to first.
	if _, err := x.store.PendingApprovalForExecution(ctx, exec.ID); err == nil {
		return nil, fmt.Errorf("approval still pending for execution %s: %w", exec.ID, store.ErrConflict)
	}
	approval, err := x.latestApproval(ctx, tenantID, exec)
	if err != nil {
		return nil, err
	}
	approved := approval.Status == store.ApprovalApproved
	feedback, _ := approval.UserResponse["feedback"].(string)

	cp, err := x.store.LatestCheckpoint(ctx, session.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("no checkpoint to resume from: %w", err)
	}
	st, err := DecodeState(cp.StateBlob)
	if err != nil {
		return nil, err
	}

	st.Approved = &approved
	st.UserFeedback = feedback
	if userResponse != "" {
		st.Messages = append(st.Messages, datatypes.Message{Role: datatypes.RoleUser, Content: userResponse})
		if err := x.store.AppendMessage(ctx, &store.SessionMessage{
			ID:        uuid.New(),
			SessionID: session.ID,
			Role:      datatypes.RoleUser,
			Content:   userResponse,
			CreatedAt: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("persist user response: %w", err)
		}
	}

	graph, _, err := x.resolveGraph(ctx, tenantID, session, exec.WorkflowID)
	if err != nil {
		return nil, err
	}

	next, err := x.resumeTarget(graph, st, approved)
	if err != nil {
		return nil, err
	}
	st.InterruptedAt = ""
	st.ResumeNode = ""

	if err := x.store.UpdateExecutionStatus(ctx, exec.ID, store.ExecutionRunning, nil, ""); err != nil {
		return nil, err
	}
	exec.Status = store.ExecutionRunning

	_ = emit(datatypes.StreamEvent{
		Type:        datatypes.EventStart,
		SessionId:   session.ID.String(),
		ExecutionId: exec.ID.String(),
	})

	return x.loop(ctx, exec, session, graph, st, cp.Step+1, next, emit)
}

// resumeTarget picks where stepping continues after an interrupt.
func (x *Executor) resumeTarget(graph *Graph, st *State, approved bool) (string, error) {
	if approved {
		if st.ResumeNode == "" {
			return EndNode, nil
		}
		return st.ResumeNode, nil
	}
	// Rejection routing belongs to the interrupt node's config.
	if node, ok := graph.Node(st.InterruptNode()); ok {
		switch target := node.Config.OnReject; target {
		case "", "end":
			return EndNode, nil
		default:
			return target, nil
		}
	}
	return EndNode, nil
}

// loop steps the graph from current until __end__, an interrupt or a
// failure. step is the next checkpoint step to write.
func (x *Executor) loop(ctx context.Context, exec *store.WorkflowExecution, session *store.ConversationSession,
	graph *Graph, st *State, step int, current string, emit Emitter) (*store.WorkflowExecution, error) {

	threadID := exec.ThreadID
	for steps := 0; ; steps++ {
		if current == EndNode {
			return x.finish(ctx, exec, session, st, emit)
		}
		if steps >= x.StepLimit {
			return x.fail(ctx, exec, st, threadID, step, fmt.Errorf("step limit %d exceeded", x.StepLimit), emit)
		}

		node, ok := graph.Node(current)
		if !ok {
			return x.fail(ctx, exec, st, threadID, step, fmt.Errorf("graph references unknown node %q", current), emit)
		}

		outcome, err := x.runNode(ctx, exec.TenantID, node, st)
		if err != nil {
			return x.fail(ctx, exec, st, threadID, step, fmt.Errorf("node %q: %w", current, err), emit)
		}
		observability.Default.WorkflowStepsTotal.WithLabelValues(string(node.Kind)).Inc()

		if outcome.interrupt != nil {
			return x.interrupt(ctx, exec, graph, st, node, threadID, step, outcome, emit)
		}

		next, err := graph.Next(current, st)
		if err != nil {
			return x.fail(ctx, exec, st, threadID, step, err, emit)
		}

		if err := x.checkpoint(ctx, threadID, step, st); err != nil {
			if errors.Is(err, store.ErrConcurrentUpdate) {
				slog.Warn("Lost checkpoint race, another executor owns this thread", "thread_id", threadID)
			}
			return x.fail(ctx, exec, st, threadID, step, err, emit)
		}

		ev := datatypes.StreamEvent{
			Type:        datatypes.EventUpdate,
			SessionId:   session.ID.String(),
			ExecutionId: exec.ID.String(),
			Node:        current,
			Delta:       outcome.delta,
		}
		if node.Kind == KindRouter {
			ev.RoutingMetadata = st.RoutingMetadata
		}
		_ = emit(ev)

		step++
		current = next
	}
}

// interrupt parks the execution on a pending approval.
func (x *Executor) interrupt(ctx context.Context, exec *store.WorkflowExecution, graph *Graph, st *State,
	node *Node, threadID string, step int, outcome *stepOutcome, emit Emitter) (*store.WorkflowExecution, error) {

	// Record where to continue before the checkpoint is written.
	st.setInterrupt(node.ID, x.successorOf(graph, node.ID))

	approval := &store.HITLApproval{
		ID:          uuid.New(),
		ExecutionID: exec.ID,
		TenantID:    exec.TenantID,
		UserID:      exec.UserID,
		Prompt:      outcome.interrupt.prompt,
		ContextData: outcome.interrupt.contextData,
		Status:      store.ApprovalPending,
		CreatedAt:   time.Now(),
	}
	if err := x.store.CreateApproval(ctx, approval); err != nil {
		return x.fail(ctx, exec, st, threadID, step, fmt.Errorf("create approval: %w", err), emit)
	}

	if err := x.checkpoint(ctx, threadID, step, st); err != nil {
		return x.fail(ctx, exec, st, threadID, step, err, emit)
	}
	if err := x.store.UpdateExecutionStatus(ctx, exec.ID, store.ExecutionInterrupted, nil, ""); err != nil {
		return nil, err
	}
	exec.Status = store.ExecutionInterrupted
	observability.Default.WorkflowExecutionsTotal.WithLabelValues(store.ExecutionInterrupted).Inc()

	_ = emit(datatypes.StreamEvent{
		Type:        datatypes.EventUpdate,
		SessionId:   exec.SessionID.String(),
		ExecutionId: exec.ID.String(),
		Node:        node.ID,
		Delta:       outcome.delta,
		ApprovalId:  approval.ID.String(),
	})
	_ = emit(datatypes.StreamEvent{
		Type:        datatypes.EventDone,
		SessionId:   exec.SessionID.String(),
		ExecutionId: exec.ID.String(),
		Status:      store.ExecutionInterrupted,
		ApprovalId:  approval.ID.String(),
	})

	slog.Info("Execution interrupted for approval", "execution_id", exec.ID, "approval_id", approval.ID)
	return x.store.GetExecution(ctx, exec.TenantID, exec.ID)
}

// successorOf returns the static successor of a node, or __end__.
func (x *Executor) successorOf(graph *Graph, nodeID string) string {
	if target, ok := graph.static[nodeID]; ok {
		return target
	}
	return EndNode
}

func (x *Executor) finish(ctx context.Context, exec *store.WorkflowExecution,
	session *store.ConversationSession, st *State, emit Emitter) (*store.WorkflowExecution, error) {

	if st.Generation != "" {
		meta := store.JSONMap{}
		if st.RoutingMetadata != nil {
			meta["routing_metadata"] = st.RoutingMetadata
		}
		if err := x.store.AppendMessage(ctx, &store.SessionMessage{
			ID:        uuid.New(),
			SessionID: session.ID,
			Role:      datatypes.RoleAssistant,
			Content:   st.Generation,
			Metadata:  meta,
			CreatedAt: time.Now(),
		}); err != nil {
			return nil, fmt.Errorf("persist assistant message: %w", err)
		}
	}

	output := store.JSONMap{"response": st.Generation}
	if st.RoutingMetadata != nil {
		output["routing_metadata"] = st.RoutingMetadata
	}
	if err := x.store.UpdateExecutionStatus(ctx, exec.ID, store.ExecutionCompleted, output, ""); err != nil {
		return nil, err
	}
	observability.Default.WorkflowExecutionsTotal.WithLabelValues(store.ExecutionCompleted).Inc()

	_ = emit(datatypes.StreamEvent{
		Type:        datatypes.EventDone,
		SessionId:   session.ID.String(),
		ExecutionId: exec.ID.String(),
		Status:      store.ExecutionCompleted,
		Output:      output,
	})
	return x.store.GetExecution(ctx, exec.TenantID, exec.ID)
}

// fail writes a final checkpoint so manual resume stays possible, marks
// the execution failed and emits the error event.
func (x *Executor) fail(ctx context.Context, exec *store.WorkflowExecution, st *State,
	threadID string, step int, cause error, emit Emitter) (*store.WorkflowExecution, error) {

	slog.Error("Workflow execution failed", "execution_id", exec.ID, "error", cause)
	if !errors.Is(cause, store.ErrConcurrentUpdate) {
		if err := x.checkpoint(ctx, threadID, step, st); err != nil &&
			!errors.Is(err, store.ErrConcurrentUpdate) {
			slog.Warn("Could not write failure checkpoint", "thread_id", threadID, "error", err)
		}
	}
	if err := x.store.UpdateExecutionStatus(ctx, exec.ID, store.ExecutionFailed, nil, cause.Error()); err != nil {
		slog.Error("Could not mark execution failed", "execution_id", exec.ID, "error", err)
	}
	observability.Default.WorkflowExecutionsTotal.WithLabelValues(store.ExecutionFailed).Inc()

	_ = emit(datatypes.StreamEvent{
		Type:        datatypes.EventError,
		SessionId:   exec.SessionID.String(),
		ExecutionId: exec.ID.String(),
		Error:       "workflow execution failed",
	})
	return nil, cause
}

func (x *Executor) checkpoint(ctx context.Context, threadID string, step int, st *State) error {
	blob, err := st.Encode()
	if err != nil {
		return err
	}
	var parent *int
	if step > 0 {
		p := step - 1
		parent = &p
	}
	return x.store.SaveCheckpoint(ctx, threadID, step, blob, parent)
}

// --- helpers ---

func (x *Executor) ensureSession(ctx context.Context, tenantID, userID uuid.UUID, input ExecuteInput) (*store.ConversationSession, error) {
	if input.SessionID != uuid.Nil {
		return x.store.GetSession(ctx, tenantID, input.SessionID)
	}

	id := uuid.New()
	title := input.UserInput
	if len(title) > 80 {
		title = title[:80]
	}
	session := &store.ConversationSession{
		ID:         id,
		TenantID:   tenantID,
		UserID:     userID,
		WorkflowID: input.WorkflowID,
		ThreadID:   ThreadID(tenantID, id),
		Title:      title,
		Mode:       store.ModeAuto,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
	if err := x.store.CreateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	slog.Info("Created session for workflow turn", "session_id", id, "tenant_id", tenantID)
	return session, nil
}

func (x *Executor) activeDocuments(ctx context.Context, sessionID uuid.UUID) ([]uuid.UUID, error) {
	bridges, err := x.store.ListSessionDocuments(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	docs := make([]uuid.UUID, len(bridges))
	for i, b := range bridges {
		docs[i] = b.DocumentID
	}
	return docs, nil
}

// resolveGraph picks the effective workflow: the explicit id, the
// session's workflow, or the built-in unified graph.
func (x *Executor) resolveGraph(ctx context.Context, tenantID uuid.UUID,
	session *store.ConversationSession, override *uuid.UUID) (*Graph, *uuid.UUID, error) {

	workflowID := override
	if workflowID == nil {
		workflowID = session.WorkflowID
	}
	if workflowID != nil {
		def, err := x.store.GetWorkflowDefinition(ctx, tenantID, *workflowID)
		if err != nil {
			return nil, nil, err
		}
		graph, err := Build(def)
		if err != nil {
			return nil, nil, err
		}
		return graph, workflowID, nil
	}

	graph, err := Build(UnifiedDefinition())
	if err != nil {
		return nil, nil, err
	}
	return graph, nil, nil
}

// loadState restores the latest checkpoint or initialises fresh state
// from the session. It returns the next checkpoint step to write.
func (x *Executor) loadState(ctx context.Context, session *store.ConversationSession,
	threadID string, activeDocs []uuid.UUID) (*State, int, error) {

	cp, err := x.store.LatestCheckpoint(ctx, threadID)
	if err == nil {
		st, decodeErr := DecodeState(cp.StateBlob)
		if decodeErr != nil {
			return nil, 0, decodeErr
		}
		// Documents and mode may have changed between turns.
		st.ActiveDocuments = activeDocs
		st.Mode = session.Mode
		return st, cp.Step + 1, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, 0, err
	}

	msgs, err := x.store.ListMessages(ctx, session.ID, 0)
	if err != nil {
		return nil, 0, err
	}
	st := &State{
		Mode:            session.Mode,
		ActiveDocuments: activeDocs,
	}
	for _, m := range msgs {
		st.Messages = append(st.Messages, datatypes.Message{Role: m.Role, Content: m.Content})
	}
	return st, 0, nil
}

// latestApproval returns the most recent approval row for the execution.
func (x *Executor) latestApproval(ctx context.Context, tenantID uuid.UUID, exec *store.WorkflowExecution) (*store.HITLApproval, error) {
	approvals, err := x.store.ListApprovals(ctx, tenantID, exec.UserID, store.ListOptions{Limit: 100})
	if err != nil {
		return nil, err
	}
	for _, a := range approvals {
		if a.ExecutionID == exec.ID {
			a := a
			return &a, nil
		}
	}
	return nil, store.ErrNotFound
}
