// Package approval creates and resolves the human gates in front of tool
// calls. Resolution wakes waiters through a Redis notify-on-write channel
// when one is configured, with a 500ms poll as fallback so a missed publish
// can never wedge a waiter; without Redis the manager degrades to pure
// polling, which keeps the in-memory stack dependency-free for local
// development and tests.
package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/log"

	"github.com/execbroker/execbroker/eventlog"
	"github.com/execbroker/execbroker/persistence"
)

const defaultPollInterval = 500 * time.Millisecond

type (
	// Manager is the approval lifecycle owner.
	Manager struct {
		store persistence.Store
		log   *eventlog.Log
		redis *redis.Client
		poll  time.Duration
	}

	// Options configures New.
	Options struct {
		// Store is the persistence port. Required.
		Store persistence.Store
		// Log publishes approval.requested / approval.resolved. Required.
		Log *eventlog.Log
		// Redis enables notify-on-write wake-ups. Optional.
		Redis *redis.Client
		// PollInterval overrides the 500ms fallback poll.
		PollInterval time.Duration
	}
)

// New constructs a Manager.
func New(opts Options) *Manager {
	poll := opts.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Manager{store: opts.Store, log: opts.Log, redis: opts.Redis, poll: poll}
}

func channelFor(approvalID string) string {
	return "execbroker:approval:" + approvalID
}

// Create persists a pending approval and publishes approval.requested.
func (m *Manager) Create(ctx context.Context, task *persistence.Task, callID, toolPath string, input map[string]any) (*persistence.Approval, error) {
	a, err := m.store.CreateApproval(ctx, task.ID, task.WorkspaceID, toolPath, input)
	if err != nil {
		return nil, fmt.Errorf("approval: create: %w", err)
	}
	_, err = m.log.Publish(ctx, task.ID, eventlog.ApprovalRequested, map[string]any{
		"approvalId": a.ID,
		"taskId":     task.ID,
		"callId":     callID,
		"toolPath":   toolPath,
		"input":      input,
		"createdAt":  a.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// WaitFor blocks until the approval reaches a terminal state or ctx is
// cancelled. There is no internal timeout: an unattended approval waits
// until the task context unwinds it.
func (m *Manager) WaitFor(ctx context.Context, approvalID string) (persistence.ApprovalStatus, error) {
	var wake <-chan *redis.Message
	if m.redis != nil {
		sub := m.redis.Subscribe(ctx, channelFor(approvalID))
		defer func() { _ = sub.Close() }()
		wake = sub.Channel()
	}

	// Check once before sleeping: the approval may already be terminal, or
	// may have resolved before the subscription was live.
	if status, done, err := m.check(ctx, approvalID); err != nil || done {
		return status, err
	}
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
		if status, done, err := m.check(ctx, approvalID); err != nil || done {
			return status, err
		}
	}
}

func (m *Manager) check(ctx context.Context, approvalID string) (persistence.ApprovalStatus, bool, error) {
	a, err := m.store.GetApproval(ctx, approvalID)
	if err != nil {
		return "", false, fmt.Errorf("approval: poll %s: %w", approvalID, err)
	}
	if a == nil {
		return "", false, fmt.Errorf("approval: %s not found", approvalID)
	}
	if a.Status == persistence.ApprovalPending {
		return "", false, nil
	}
	return a.Status, true, nil
}

// Resolve transitions a pending approval, publishes approval.resolved, and
// wakes waiters. Repeated resolves after the first are no-ops returning the
// prior state: only the caller that performed the transition publishes.
func (m *Manager) Resolve(ctx context.Context, approvalID string, decision persistence.ApprovalStatus, reviewerID, reason string) (*persistence.Approval, error) {
	if decision != persistence.ApprovalApproved && decision != persistence.ApprovalDenied {
		return nil, fmt.Errorf("approval: invalid decision %q", decision)
	}
	a, transitioned, err := m.store.ResolveApproval(ctx, approvalID, decision, reviewerID, reason)
	if err != nil {
		return nil, fmt.Errorf("approval: resolve %s: %w", approvalID, err)
	}
	if !transitioned {
		return a, nil
	}
	_, err = m.log.Publish(ctx, a.TaskID, eventlog.ApprovalResolved, map[string]any{
		"approvalId": a.ID,
		"taskId":     a.TaskID,
		"toolPath":   a.ToolPath,
		"decision":   string(a.Status),
		"reviewerId": a.ReviewerID,
		"reason":     a.Reason,
		"resolvedAt": a.ResolvedAt,
	})
	if err != nil {
		return nil, err
	}
	if m.redis != nil {
		if perr := m.redis.Publish(ctx, channelFor(a.ID), string(a.Status)).Err(); perr != nil {
			// Waiters fall back to polling; log and move on.
			log.Error(ctx, perr, log.KV{K: "approval", V: a.ID}, log.KV{K: "msg", V: "notify publish failed"})
		}
	}
	return a, nil
}
