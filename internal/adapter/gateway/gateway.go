// Package gateway implements the capability gateway port over NATS JetStream.
// Approved actions are published to sandboxed workers; their results come
// back on a shared result subject and are routed to the waiting invocation.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/magnetar-ai/magnetar/internal/domain/action"
	"github.com/magnetar-ai/magnetar/internal/port/messagequeue"
)

// Invocation is the wire envelope published to workers.
type Invocation struct {
	ID        string             `json:"id"`
	SessionID string             `json:"session_id"`
	StepID    string             `json:"step_id"`
	Action    *action.Descriptor `json:"action"`
}

// ResultEnvelope is the wire envelope workers publish back.
type ResultEnvelope struct {
	InvocationID string        `json:"invocation_id"`
	Result       action.Result `json:"result"`
}

// CancelEnvelope asks workers to interrupt an in-flight invocation.
type CancelEnvelope struct {
	SessionID string `json:"session_id"`
	StepID    string `json:"step_id"`
}

// Gateway dispatches approved actions to workers over the message queue.
// Concurrent invocations are capped by a weighted semaphore so a burst of
// sessions cannot overwhelm the worker pool.
type Gateway struct {
	queue   messagequeue.Queue
	sem     *semaphore.Weighted
	timeout time.Duration
	log     *slog.Logger

	mu      sync.Mutex
	pending map[string]chan action.Result // invocation ID → waiter
	unsub   func()
}

// New creates a gateway. maxConcurrent caps in-flight invocations; timeout
// bounds how long Invoke waits for a worker result.
func New(queue messagequeue.Queue, maxConcurrent int64, timeout time.Duration, log *slog.Logger) *Gateway {
	return &Gateway{
		queue:   queue,
		sem:     semaphore.NewWeighted(maxConcurrent),
		timeout: timeout,
		log:     log,
		pending: make(map[string]chan action.Result),
	}
}

// Start subscribes to the result subject. Must be called once before Invoke.
func (g *Gateway) Start(ctx context.Context) error {
	unsub, err := g.queue.Subscribe(ctx, messagequeue.SubjectActionResult, g.handleResult)
	if err != nil {
		return fmt.Errorf("subscribe results: %w", err)
	}
	g.unsub = unsub
	return nil
}

// Stop cancels the result subscription.
func (g *Gateway) Stop() {
	if g.unsub != nil {
		g.unsub()
	}
}

// Invoke publishes the action to a worker and blocks until the result
// arrives, the context is cancelled, or the invocation timeout elapses.
func (g *Gateway) Invoke(ctx context.Context, sessionID, stepID string, d *action.Descriptor) (*action.Result, error) {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("acquire invocation slot: %w", err)
	}
	defer g.sem.Release(1)

	inv := Invocation{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		StepID:    stepID,
		Action:    d,
	}
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("marshal invocation: %w", err)
	}

	ch := make(chan action.Result, 1)
	g.mu.Lock()
	g.pending[inv.ID] = ch
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, inv.ID)
		g.mu.Unlock()
	}()

	if err := g.queue.Publish(ctx, messagequeue.SubjectActionInvoke, data); err != nil {
		return nil, fmt.Errorf("publish invocation: %w", err)
	}

	g.log.Debug("action dispatched",
		"invocation_id", inv.ID, "session_id", sessionID, "step_id", stepID, "type", d.Type)

	timer := time.NewTimer(g.timeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		return &res, nil
	case <-timer.C:
		return nil, fmt.Errorf("invocation %s timed out after %s", inv.ID, g.timeout)
	case <-ctx.Done():
		// The worker may already have started; tell it to stop.
		_ = g.cancelPublish(context.WithoutCancel(ctx), sessionID, stepID)
		return &action.Result{Status: action.StatusAborted, Error: ctx.Err().Error()}, nil
	}
}

// Cancel interrupts an in-flight invocation for the given step, best-effort.
func (g *Gateway) Cancel(ctx context.Context, sessionID, stepID string) error {
	return g.cancelPublish(ctx, sessionID, stepID)
}

func (g *Gateway) cancelPublish(ctx context.Context, sessionID, stepID string) error {
	data, err := json.Marshal(CancelEnvelope{SessionID: sessionID, StepID: stepID})
	if err != nil {
		return fmt.Errorf("marshal cancel: %w", err)
	}
	if err := g.queue.Publish(ctx, messagequeue.SubjectActionCancel, data); err != nil {
		return fmt.Errorf("publish cancel: %w", err)
	}
	return nil
}

// handleResult routes a worker result to the waiting invocation. Results
// for unknown invocations (late arrivals after timeout) are dropped.
func (g *Gateway) handleResult(_ context.Context, _ string, data []byte) error {
	var env ResultEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}

	g.mu.Lock()
	ch, ok := g.pending[env.InvocationID]
	g.mu.Unlock()
	if !ok {
		g.log.Warn("result for unknown invocation", "invocation_id", env.InvocationID)
		return nil
	}

	select {
	case ch <- env.Result:
	default:
	}
	return nil
}
