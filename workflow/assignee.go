package workflow

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/logger"
	"github.com/songzhibin97/cmms-cartable/rules"
	"github.com/songzhibin97/cmms-cartable/types"
)

// resolveAssignee picks the role that owns step for item.
// INITIATOR steps go to the initiator's current role; when the directory cannot
// say, the actor's role is used if the actor is the initiator, and the literal
// sentinel is kept otherwise.
func (e *WorkflowEngine) resolveAssignee(ctx context.Context, step types.WorkflowStep, item types.CartableItem, actor types.User) types.Role {
	if step.AssigneeRole != types.RoleInitiator {
		return step.AssigneeRole
	}

	if e.directory != nil {
		u, err := e.directory.Lookup(ctx, item.InitiatorID)
		if err == nil && u.Role != "" {
			return u.Role
		}
		logger.Debug("initiator not resolved from directory",
			zap.String("item", item.ID),
			zap.String("initiator", item.InitiatorID),
			zap.Error(err))
	}

	if actor.ID == item.InitiatorID && actor.Role != "" {
		return actor.Role
	}
	return types.RoleInitiator
}

// ownsStep reports whether actor may act on item while it sits on step.
func ownsStep(step types.WorkflowStep, item types.CartableItem, actor types.User) bool {
	switch {
	case item.AssigneeID != "" && actor.ID == item.AssigneeID:
		return true
	case step.AssigneeRole == types.RoleInitiator:
		return actor.ID == item.InitiatorID
	default:
		return actor.Role == step.AssigneeRole
	}
}

// authorize checks that actor may take action on item.
func (e *WorkflowEngine) authorize(step types.WorkflowStep, action types.WorkflowAction, item types.CartableItem, actor types.User) error {
	if !e.permissive {
		if item.Status != types.StatusPending {
			return fmt.Errorf("%w: item %s is %s", ErrItemClosed, item.ID, item.Status)
		}
		if !ownsStep(step, item, actor) {
			return fmt.Errorf("%w: user %s (%s) on step %s owned by %s", ErrUnauthorized, actor.ID, actor.Role, step.ID, step.AssigneeRole)
		}
		if action.RequiredRole != "" && actor.Role != action.RequiredRole {
			return fmt.Errorf("%w: action %s requires role %s", ErrUnauthorized, action.ID, action.RequiredRole)
		}
	}

	ok, err := e.evaluator.Evaluate(action.Condition, conditionEnv(item, actor))
	if err != nil {
		return fmt.Errorf("failed to evaluate condition of action %s: %w", action.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: action %s", ErrConditionNotMet, action.ID)
	}
	return nil
}

// defaultEvaluator adds is_initiator to every condition environment.
func defaultEvaluator() *rules.ExprEvaluator {
	ev := rules.NewExprEvaluator()
	ev.AddDerived("is_initiator", func(env map[string]interface{}) interface{} {
		item, _ := env["item"].(map[string]interface{})
		actor, _ := env["actor"].(map[string]interface{})
		id, _ := actor["id"].(string)
		return id != "" && id == item["initiator_id"]
	})
	return ev
}

// conditionEnv exposes the payload, item metadata and actor to action conditions.
func conditionEnv(item types.CartableItem, actor types.User) map[string]interface{} {
	return map[string]interface{}{
		"data": item.Data,
		"item": map[string]interface{}{
			"id":              item.ID,
			"module":          item.Module,
			"tracking_code":   item.TrackingCode,
			"status":          string(item.Status),
			"current_step_id": item.CurrentStepID,
			"assignee_role":   string(item.AssigneeRole),
			"assignee_id":     item.AssigneeID,
			"initiator_id":    item.InitiatorID,
		},
		"actor": map[string]interface{}{
			"id":        actor.ID,
			"role":      string(actor.Role),
			"full_name": actor.FullName,
		},
	}
}

// visibleTo reports whether a pending item belongs in user's cartable.
func visibleTo(item types.CartableItem, user types.User) bool {
	if item.Status != types.StatusPending {
		return false
	}
	return item.AssigneeRole == user.Role ||
		(item.AssigneeRole == types.RoleInitiator && item.InitiatorID == user.ID) ||
		(item.AssigneeID != "" && item.AssigneeID == user.ID)
}
