// Package confirm implements the pending-action lifecycle: mutating tool
// invocations are parked here until a user confirms, cancels, or the TTL
// expires. Every transition out of the pending state is a single conditional
// update in the store, so concurrent confirm/cancel/sweep callers race safely
// and execution happens at most once per action.
package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/parcelwise/assistant/pkg/domain"
	"github.com/parcelwise/assistant/pkg/store"
	"github.com/parcelwise/assistant/pkg/tool"
)

var (
	// ErrAlreadyResolved is returned when confirming or cancelling an action
	// that already left the pending state.
	ErrAlreadyResolved = errors.New("action already resolved")
	// ErrExpired is returned when confirming or cancelling an action past its TTL.
	ErrExpired = errors.New("action expired")
)

const (
	// DefaultTTL is the confirmation window for new pending actions.
	DefaultTTL = 5 * time.Minute
	// DefaultSweepInterval is how often the background sweeper expires due actions.
	DefaultSweepInterval = 30 * time.Second
	// DefaultExecuteTimeout bounds a confirmed tool's execution.
	DefaultExecuteTimeout = 30 * time.Second
)

// Service drives pending actions through their lifecycle.
type Service struct {
	actions        store.PendingActionStore
	conversations  store.ConversationStore
	registry       *tool.Registry
	ttl            time.Duration
	executeTimeout time.Duration
	clock          func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithTTL overrides the confirmation window.
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) { s.ttl = ttl }
}

// WithExecuteTimeout overrides the bound on confirmed tool execution.
func WithExecuteTimeout(d time.Duration) Option {
	return func(s *Service) { s.executeTimeout = d }
}

// WithClock injects a time source. Tests use this to control expiry.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) { s.clock = clock }
}

// New creates a confirmation service.
func New(actions store.PendingActionStore, conversations store.ConversationStore, registry *tool.Registry, opts ...Option) *Service {
	s := &Service{
		actions:        actions,
		conversations:  conversations,
		registry:       registry,
		ttl:            DefaultTTL,
		executeTimeout: DefaultExecuteTimeout,
		clock:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured confirmation window.
func (s *Service) TTL() time.Duration { return s.ttl }

// Create parks a tool invocation as a new pending action.
func (s *Service) Create(ctx context.Context, conversationID, toolName string, input map[string]any, description string) (*domain.PendingAction, error) {
	now := s.clock().UTC()
	action := &domain.PendingAction{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		ToolName:       toolName,
		Input:          input,
		Description:    description,
		State:          domain.ActionPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(s.ttl),
	}
	if err := s.actions.CreatePendingAction(ctx, action); err != nil {
		return nil, fmt.Errorf("creating pending action: %w", err)
	}
	return action, nil
}

// Status returns the action's current state.
func (s *Service) Status(ctx context.Context, id string) (*domain.PendingAction, error) {
	return s.actions.GetPendingAction(ctx, id)
}

// List returns a conversation's actions, newest first.
func (s *Service) List(ctx context.Context, conversationID string) ([]domain.PendingAction, error) {
	return s.actions.ListPendingActions(ctx, conversationID)
}

// Confirm approves a pending action and executes its tool exactly once.
// A late confirm (past the TTL) transitions the action to expired as a side
// effect of detection and returns ErrExpired — it never executes. Losing a
// race with another confirm/cancel/sweep yields ErrAlreadyResolved or
// ErrExpired depending on where the action ended up.
func (s *Service) Confirm(ctx context.Context, id string) (*domain.PendingAction, error) {
	action, err := s.actions.GetPendingAction(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	if action.State != domain.ActionPending {
		return action, s.resolvedError(action)
	}
	if action.IsExpired(now) {
		// Detection expires the action so a later confirm cannot execute.
		err := s.actions.TransitionPendingAction(ctx, id, domain.ActionPending, domain.ActionExpired, store.TransitionUpdate{})
		if err != nil && !errors.Is(err, store.ErrStaleState) {
			return nil, err
		}
		return s.reload(ctx, id, ErrExpired)
	}

	// The sole execution gate: exactly one caller wins this transition.
	err = s.actions.TransitionPendingAction(ctx, id, domain.ActionPending, domain.ActionConfirmed, store.TransitionUpdate{
		ConfirmedAt: &now,
	})
	if errors.Is(err, store.ErrStaleState) {
		return s.reloadResolved(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	return s.execute(ctx, id, action)
}

// Cancel rejects a pending action. The tool never executes.
func (s *Service) Cancel(ctx context.Context, id string) (*domain.PendingAction, error) {
	action, err := s.actions.GetPendingAction(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	if action.State != domain.ActionPending {
		return action, s.resolvedError(action)
	}
	if action.IsExpired(now) {
		err := s.actions.TransitionPendingAction(ctx, id, domain.ActionPending, domain.ActionExpired, store.TransitionUpdate{})
		if err != nil && !errors.Is(err, store.ErrStaleState) {
			return nil, err
		}
		return s.reload(ctx, id, ErrExpired)
	}

	err = s.actions.TransitionPendingAction(ctx, id, domain.ActionPending, domain.ActionCancelled, store.TransitionUpdate{})
	if errors.Is(err, store.ErrStaleState) {
		return s.reloadResolved(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	return s.actions.GetPendingAction(ctx, id)
}

// execute runs the confirmed tool and records the terminal state. Execution
// errors never propagate past the tool boundary; they land in the error state.
func (s *Service) execute(ctx context.Context, id string, action *domain.PendingAction) (*domain.PendingAction, error) {
	t, err := s.registry.Get(action.ToolName)
	if err != nil {
		return s.finish(ctx, id, tool.Errorf("tool %s no longer registered", action.ToolName))
	}

	caller := tool.CallerContext{ConversationID: action.ConversationID}
	if conv, cerr := s.conversations.GetConversation(ctx, action.ConversationID); cerr == nil {
		caller.UserID = conv.UserID
		caller.ActiveSubject = conv.ActiveSubject
	}

	execCtx, cancel := context.WithTimeout(ctx, s.executeTimeout)
	defer cancel()
	result := t.Execute(execCtx, caller, action.Input)

	return s.finish(ctx, id, result)
}

func (s *Service) finish(ctx context.Context, id string, result tool.Result) (*domain.PendingAction, error) {
	now := s.clock().UTC()
	upd := store.TransitionUpdate{ExecutedAt: &now}
	to := domain.ActionExecuted
	if result.IsError {
		to = domain.ActionError
		upd.Error = result.Content
	} else {
		upd.Result = result.Content
	}

	if err := s.actions.TransitionPendingAction(ctx, id, domain.ActionConfirmed, to, upd); err != nil {
		return nil, fmt.Errorf("recording execution outcome: %w", err)
	}
	return s.actions.GetPendingAction(ctx, id)
}

// SweepExpired transitions every pending action past its TTL to expired.
// Idempotent; safe to run from multiple callers.
func (s *Service) SweepExpired(ctx context.Context) (int, error) {
	return s.actions.ExpireDue(ctx, s.clock().UTC())
}

// StartSweeper runs SweepExpired on an interval until the context ends.
func (s *Service) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SweepExpired(ctx)
			if err != nil {
				slog.Error("Expiry sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("Expired pending actions", "count", n)
			}
		}
	}
}

// resolvedError maps a non-pending state to the API error callers see.
func (s *Service) resolvedError(action *domain.PendingAction) error {
	if action.State == domain.ActionExpired {
		return fmt.Errorf("action %s: %w", action.ID, ErrExpired)
	}
	return fmt.Errorf("action %s: %w", action.ID, ErrAlreadyResolved)
}

func (s *Service) reload(ctx context.Context, id string, resultErr error) (*domain.PendingAction, error) {
	action, err := s.actions.GetPendingAction(ctx, id)
	if err != nil {
		return nil, err
	}
	return action, resultErr
}

// reloadResolved reports the right error after losing a transition race.
func (s *Service) reloadResolved(ctx context.Context, id string) (*domain.PendingAction, error) {
	action, err := s.actions.GetPendingAction(ctx, id)
	if err != nil {
		return nil, err
	}
	return action, s.resolvedError(action)
}
