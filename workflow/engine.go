package workflow

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/events"
	"github.com/songzhibin97/cmms-cartable/identity"
	"github.com/songzhibin97/cmms-cartable/logger"
	"github.com/songzhibin97/cmms-cartable/rules"
	"github.com/songzhibin97/cmms-cartable/storage"
	"github.com/songzhibin97/cmms-cartable/types"
)

// History action IDs recorded for operations that are not definition actions.
const (
	HistoryStart  = "start"
	HistoryAssign = "assign"
)

// DisplayStatusMap maps a step title to the display status written into
// CartableItem.Data when an item enters that step.
type DisplayStatusMap map[string]string

// StartRequest describes a new cartable item.
type StartRequest struct {
	Module       string
	Data         map[string]interface{}
	User         types.User
	TrackingCode string
	Title        string
}

// ActionRequest takes an action on the item's current step.
// ExpectedVersion, when non-zero, must equal the stored version.
type ActionRequest struct {
	ItemID          string
	ActionID        string
	User            types.User
	Comment         string
	ExpectedVersion int64
}

// AssignRequest sets or clears the single-user assignment of an item.
type AssignRequest struct {
	ItemID          string
	AssigneeID      string
	User            types.User
	Comment         string
	ExpectedVersion int64
}

// WorkflowEngine creates cartable items and moves them between steps.
type WorkflowEngine struct {
	storage      storage.Storage
	generate     generator.Generator
	evaluator    rules.Evaluator
	directory    identity.Directory
	eventBus     *events.EventBus
	clock        Clock
	definitions  *cache.Cache
	cacheTTL     time.Duration
	cacheGen     uint64
	cacheMu      sync.Mutex
	permissive   bool
	display      map[string]DisplayStatusMap
	displayMu    sync.RWMutex
	bootstrapped bool
	bootstrapMu  sync.Mutex
}

// NewEngine creates a WorkflowEngine. A nil store defaults to in-memory storage.
func NewEngine(generate generator.Generator, store storage.Storage, opts ...Option) (*WorkflowEngine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}

	e := &WorkflowEngine{
		storage:   store,
		generate:  generate,
		evaluator: defaultEvaluator(),
		clock:     systemClock{},
		cacheTTL:  5 * time.Minute,
		display:   make(map[string]DisplayStatusMap),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.eventBus == nil {
		e.eventBus = events.NewEventBus()
	}
	if e.cacheTTL > 0 {
		e.definitions = cache.New(e.cacheTTL, 2*e.cacheTTL)
	} else {
		e.definitions = cache.New(cache.NoExpiration, 0)
	}
	return e, nil
}

// SubscribeEvent subscribes an event handler to a specific event type, or to
// all of them with events.AllEvents. Call the returned function to unsubscribe.
func (e *WorkflowEngine) SubscribeEvent(eventType string, handler events.EventHandler) (unsubscribe func()) {
	return e.eventBus.Subscribe(eventType, handler)
}

// SetDisplayStatus registers the step-title lookup for a module.
func (e *WorkflowEngine) SetDisplayStatus(module string, m DisplayStatusMap) {
	c := make(DisplayStatusMap, len(m))
	for k, v := range m {
		c[k] = v
	}
	e.displayMu.Lock()
	defer e.displayMu.Unlock()
	e.display[module] = c
}

func (e *WorkflowEngine) displayStatus(module, stepTitle string) (string, bool) {
	e.displayMu.RLock()
	defer e.displayMu.RUnlock()
	status, ok := e.display[module][stepTitle]
	return status, ok
}

// publishEvent queues an event on the bus. Failures are logged, never returned.
func (e *WorkflowEngine) publishEvent(eventType, itemID, module, actorID string, data map[string]interface{}) {
	err := e.eventBus.Publish(context.Background(), events.Event{
		Type:    eventType,
		ItemID:  itemID,
		Module:  module,
		ActorID: actorID,
		Data:    data,
	})
	if err != nil && !errors.Is(err, events.ErrNoHandler) {
		logger.Warn("failed to publish event",
			zap.String("type", eventType),
			zap.String("item", itemID),
			zap.Error(err))
	}
}

func (e *WorkflowEngine) recordHistory(ctx context.Context, entry types.HistoryEntry) {
	entry.ID = uuid.NewString()
	if err := e.storage.AppendHistory(ctx, entry); err != nil {
		logger.Error("failed to record history",
			zap.String("item", entry.ItemID),
			zap.String("action", entry.ActionID),
			zap.Error(err))
	}
}

// StartWorkflow creates a pending item on the entry step of the module's
// active definition. A module without a usable definition gets a
// single-step pass-through definition instead of an error.
func (e *WorkflowEngine) StartWorkflow(ctx context.Context, req StartRequest) (*types.CartableItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if req.Module == "" {
		return nil, fmt.Errorf("%w: module is required", ErrInvalidRequest)
	}
	if req.User.ID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidRequest)
	}
	if err := e.ensureBootstrap(ctx); err != nil {
		return nil, err
	}

	def, err := e.activeDefinition(ctx, req.Module)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	entry, ok := def.EntryStep()
	if err != nil || !ok {
		logger.Debug("using fallback definition", zap.String("module", req.Module))
		e.publishEvent(events.DefinitionMissing, "", req.Module, req.User.ID, nil)
		def = FallbackDefinition(req.Module)
		entry, _ = def.EntryStep()
	}

	rawID, err := e.generate.NextID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate ID: %w", err)
	}

	data := types.CloneMap(req.Data)
	if data == nil {
		data = make(map[string]interface{})
	}
	data[types.DataStatusKey] = types.DisplayRequest

	now := e.clock.Now()
	item := types.CartableItem{
		ID:            strconv.FormatUint(rawID, 10),
		WorkflowID:    def.ID,
		TrackingCode:  req.TrackingCode,
		Module:        req.Module,
		Title:         req.Title,
		Description:   "ایجاد شده توسط " + req.User.FullName,
		CurrentStepID: entry.ID,
		InitiatorID:   req.User.ID,
		Status:        types.StatusPending,
		Version:       1,
		CreatedAt:     now,
		UpdatedAt:     now,
		Data:          data,
	}
	item.AssigneeRole = e.resolveAssignee(ctx, entry, item, req.User)

	if err := e.storage.CreateItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to create item: %w", err)
	}

	e.recordHistory(ctx, types.HistoryEntry{
		ItemID:    item.ID,
		StepID:    entry.ID,
		ActorID:   req.User.ID,
		ActionID:  HistoryStart,
		Timestamp: now,
	})
	e.publishEvent(events.ItemStarted, item.ID, item.Module, req.User.ID, map[string]interface{}{
		"step":          item.CurrentStepID,
		"assignee_role": string(item.AssigneeRole),
		"title":         item.Title,
	})

	return &item, nil
}

// resolved bundles an item with the definition pieces it currently points at.
type resolved struct {
	item types.CartableItem
	def  types.WorkflowDefinition
	step types.WorkflowStep
}

func (e *WorkflowEngine) resolveItem(ctx context.Context, itemID string) (resolved, error) {
	item, err := e.storage.GetItem(ctx, itemID)
	if err != nil {
		return resolved{}, err
	}
	def, err := e.getDefinition(ctx, item.WorkflowID)
	if err != nil {
		return resolved{}, err
	}
	step, ok := def.FindStep(item.CurrentStepID)
	if !ok {
		return resolved{}, fmt.Errorf("%w: %s in definition %s", ErrStepNotFound, item.CurrentStepID, def.ID)
	}
	return resolved{item: item, def: def, step: step}, nil
}

// ProcessWorkflowAction takes an action on the item's current step. Unknown
// references return a NotFound error and leave the item untouched.
func (e *WorkflowEngine) ProcessWorkflowAction(ctx context.Context, req ActionRequest) (*types.CartableItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r, err := e.resolveItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	item := r.item
	if req.ExpectedVersion != 0 && req.ExpectedVersion != item.Version {
		return nil, fmt.Errorf("%w: item %s is at version %d, expected %d", ErrConflict, item.ID, item.Version, req.ExpectedVersion)
	}

	action, ok := r.step.FindAction(req.ActionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s on step %s", ErrActionNotFound, req.ActionID, r.step.ID)
	}
	if err := e.authorize(r.step, action, item, req.User); err != nil {
		return nil, err
	}

	next := item.Clone()
	if next.Data == nil {
		next.Data = make(map[string]interface{})
	}
	eventType := events.ItemAdvanced
	var stepOwner types.Role

	switch action.NextStepID {
	case types.FinishStep:
		next.Status = types.StatusDone
		next.AssigneeRole = types.RoleAdmin
		next.AssigneeID = ""
		next.Description = "پایان فرآیند توسط " + req.User.FullName
		next.Data[types.DataStatusKey] = types.DisplayFinished
		eventType = events.ItemFinished
	case types.RejectStep:
		next.Status = types.StatusRejected
		next.AssigneeRole = types.RoleAdmin
		next.AssigneeID = ""
		next.Description = "رد شده توسط " + req.User.FullName
		next.Data[types.DataStatusKey] = types.DisplayRejected
		eventType = events.ItemRejected
	default:
		target, ok := r.def.FindStep(action.NextStepID)
		if !ok {
			return nil, fmt.Errorf("%w: %s targeted by action %s", ErrStepNotFound, action.NextStepID, action.ID)
		}
		next.CurrentStepID = target.ID
		stepOwner = target.AssigneeRole
		next.AssigneeRole = e.resolveAssignee(ctx, target, item, req.User)
		next.AssigneeID = ""
		next.Description = fmt.Sprintf("ارجاع شده به %s توسط %s", next.AssigneeRole, req.User.FullName)
		if status, ok := e.displayStatus(item.Module, target.Title); ok {
			next.Data[types.DataStatusKey] = status
		}
	}

	now := e.clock.Now()
	next.Version = item.Version + 1
	next.UpdatedAt = now

	if err := e.storage.UpdateItem(ctx, next, item.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, fmt.Errorf("failed to update item: %w", err)
	}

	e.recordHistory(ctx, types.HistoryEntry{
		ItemID:    item.ID,
		StepID:    item.CurrentStepID,
		ToStepID:  action.NextStepID,
		ActorID:   req.User.ID,
		ActionID:  action.ID,
		Comment:   req.Comment,
		Timestamp: now,
	})
	e.publishEvent(eventType, next.ID, next.Module, req.User.ID, map[string]interface{}{
		"from":          item.CurrentStepID,
		"to":            action.NextStepID,
		"action":        action.ID,
		"assignee_role": string(next.AssigneeRole),
		"step_owner":    string(stepOwner),
		"initiator_id":  next.InitiatorID,
		"title":         next.Title,
		"tracking_code": next.TrackingCode,
	})

	return &next, nil
}

// AvailableActions lists the actions user may take on the item right now.
func (e *WorkflowEngine) AvailableActions(ctx context.Context, itemID string, user types.User) ([]types.WorkflowAction, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r, err := e.resolveItem(ctx, itemID)
	if err != nil {
		return nil, err
	}

	out := make([]types.WorkflowAction, 0, len(r.step.Actions))
	for _, action := range r.step.Actions {
		err := e.authorize(r.step, action, r.item, user)
		switch {
		case err == nil:
			out = append(out, action)
		case errors.Is(err, ErrUnauthorized), errors.Is(err, ErrConditionNotMet), errors.Is(err, ErrItemClosed):
		default:
			logger.Warn("action condition failed",
				zap.String("item", itemID),
				zap.String("action", action.ID),
				zap.Error(err))
		}
	}
	return out, nil
}

// AssignItem sets or clears the explicit assignee of a pending item. Only an
// ADMIN or whoever owns the current step may do so.
func (e *WorkflowEngine) AssignItem(ctx context.Context, req AssignRequest) (*types.CartableItem, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	r, err := e.resolveItem(ctx, req.ItemID)
	if err != nil {
		return nil, err
	}
	item := r.item
	if req.ExpectedVersion != 0 && req.ExpectedVersion != item.Version {
		return nil, fmt.Errorf("%w: item %s is at version %d, expected %d", ErrConflict, item.ID, item.Version, req.ExpectedVersion)
	}
	if item.Status != types.StatusPending {
		return nil, fmt.Errorf("%w: item %s is %s", ErrItemClosed, item.ID, item.Status)
	}
	if req.User.Role != types.RoleAdmin && !ownsStep(r.step, item, req.User) {
		return nil, fmt.Errorf("%w: user %s cannot assign item %s", ErrUnauthorized, req.User.ID, item.ID)
	}
	if req.AssigneeID != "" && e.directory != nil {
		if _, err := e.directory.Lookup(ctx, req.AssigneeID); err != nil {
			return nil, fmt.Errorf("%w: assignee %s: %v", ErrInvalidRequest, req.AssigneeID, err)
		}
	}

	now := e.clock.Now()
	next := item.Clone()
	next.AssigneeID = req.AssigneeID
	next.Version = item.Version + 1
	next.UpdatedAt = now

	if err := e.storage.UpdateItem(ctx, next, item.Version); err != nil {
		if errors.Is(err, storage.ErrVersionConflict) {
			return nil, fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return nil, fmt.Errorf("failed to update item: %w", err)
	}

	e.recordHistory(ctx, types.HistoryEntry{
		ItemID:    item.ID,
		StepID:    item.CurrentStepID,
		ActorID:   req.User.ID,
		ActionID:  HistoryAssign,
		Comment:   req.Comment,
		Timestamp: now,
	})
	e.publishEvent(events.ItemAssigned, next.ID, next.Module, req.User.ID, map[string]interface{}{
		"assignee_id":   next.AssigneeID,
		"title":         next.Title,
		"tracking_code": next.TrackingCode,
	})

	return &next, nil
}

// History returns the recorded transitions of an item, oldest first.
func (e *WorkflowEngine) History(ctx context.Context, itemID string) ([]types.HistoryEntry, error) {
	if _, err := e.storage.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	entries, err := e.storage.ListHistory(ctx, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	return entries, nil
}

// Stop gracefully stops the workflow engine.
func (e *WorkflowEngine) Stop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		e.eventBus.Stop()
		return nil
	}
}
