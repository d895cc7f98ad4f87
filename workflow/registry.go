package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/definition"
	"github.com/songzhibin97/cmms-cartable/events"
	"github.com/songzhibin97/cmms-cartable/logger"
	"github.com/songzhibin97/cmms-cartable/types"
)

const (
	// ModuleWorkOrder is the module seeded with a default definition.
	ModuleWorkOrder = "WORK_ORDER"

	// DefaultWorkOrderFlowID is the ID of the seeded WORK_ORDER definition.
	DefaultWorkOrderFlowID = "default-wo-flow"

	fallbackPrefix   = "dummy-"
	fallbackStepID   = "step-start"
	activeKeyPrefix  = "active:"
	definitionPrefix = "def:"
)

// DefaultWorkOrderDefinition returns the four-step maintenance flow:
// request (initiator) -> in progress (USER) -> verify (MANAGER) -> finish (ADMIN).
// The verify step can send the work back to in progress.
func DefaultWorkOrderDefinition() types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:       DefaultWorkOrderFlowID,
		Module:   ModuleWorkOrder,
		Title:    "فرآیند استاندارد تعمیرات",
		IsActive: true,
		Steps: []types.WorkflowStep{
			{
				ID:           "step-request",
				Title:        "درخواست",
				AssigneeRole: types.RoleInitiator,
				Description:  "ثبت درخواست توسط متقاضی",
				Actions: []types.WorkflowAction{
					{ID: "act-submit", Label: "ارسال جهت انجام", NextStepID: "step-inprogress", Style: "primary"},
				},
			},
			{
				ID:           "step-inprogress",
				Title:        "در حال انجام",
				AssigneeRole: types.RoleUser,
				Description:  "دستور کار در کارتابل مجری",
				Actions: []types.WorkflowAction{
					{ID: "act-finish", Label: "اتمام کار و ارسال به تایید", NextStepID: "step-verify", Style: "success"},
				},
			},
			{
				ID:           "step-verify",
				Title:        "تایید",
				AssigneeRole: types.RoleManager,
				Description:  "بررسی کیفیت کار انجام شده",
				Actions: []types.WorkflowAction{
					{ID: "act-approve", Label: "تایید نهایی", NextStepID: "step-finish", Style: "success"},
					{ID: "act-reject", Label: "عدم تایید (بازگشت به اجرا)", NextStepID: "step-inprogress", Style: "danger"},
				},
			},
			{
				ID:           "step-finish",
				Title:        "اتمام",
				AssigneeRole: types.RoleAdmin,
				Description:  "بایگانی درخواست",
				Actions: []types.WorkflowAction{
					{ID: "act-close", Label: "بستن پرونده", NextStepID: types.FinishStep, Style: "neutral"},
				},
			},
		},
	}
}

// FallbackDefinition is the pass-through definition used for modules
// without an active definition: one initiator-owned step and no actions.
func FallbackDefinition(module string) types.WorkflowDefinition {
	return types.WorkflowDefinition{
		ID:       fallbackPrefix + module,
		Module:   module,
		Title:    "فرآیند پیش‌فرض",
		IsActive: true,
		Steps: []types.WorkflowStep{
			{ID: fallbackStepID, Title: "ثبت شده", AssigneeRole: types.RoleInitiator, Actions: []types.WorkflowAction{}},
		},
	}
}

// ensureBootstrap seeds the default WORK_ORDER definition once per engine
// when no WORK_ORDER definition exists. A failed attempt is retried on the next call.
func (e *WorkflowEngine) ensureBootstrap(ctx context.Context) error {
	e.bootstrapMu.Lock()
	defer e.bootstrapMu.Unlock()
	if e.bootstrapped {
		return nil
	}

	defs, err := e.storage.ListDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}
	for _, def := range defs {
		if def.Module == ModuleWorkOrder {
			e.bootstrapped = true
			return nil
		}
	}

	def := DefaultWorkOrderDefinition()
	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		return fmt.Errorf("failed to seed default definition: %w", err)
	}
	e.bootstrapped = true
	e.invalidateDefinitions()

	logger.Info("seeded default definition", zap.String("id", def.ID), zap.String("module", def.Module))
	e.publishEvent(events.DefinitionSeeded, "", def.Module, "", map[string]interface{}{"definition_id": def.ID})
	return nil
}

// GetWorkflows returns all stored definitions in insertion order.
func (e *WorkflowEngine) GetWorkflows(ctx context.Context) ([]types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if err := e.ensureBootstrap(ctx); err != nil {
		return nil, err
	}
	defs, err := e.storage.ListDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}
	return defs, nil
}

// GetWorkflow retrieves a definition by ID. IDs of synthesized fallback
// definitions resolve even though they are never stored.
func (e *WorkflowEngine) GetWorkflow(ctx context.Context, id string) (*types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if err := e.ensureBootstrap(ctx); err != nil {
		return nil, err
	}
	def, err := e.getDefinition(ctx, id)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

// SaveWorkflowDefinition upserts a definition by ID. Structural problems are
// logged but never block the save. A definition without an ID gets a new one.
func (e *WorkflowEngine) SaveWorkflowDefinition(ctx context.Context, def types.WorkflowDefinition) (*types.WorkflowDefinition, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	if def.ID == "" {
		def.ID = uuid.NewString()
	}

	for _, p := range definition.Validate(def) {
		logger.Warn("workflow definition problem",
			zap.String("definition", def.ID),
			zap.String("module", def.Module),
			zap.String("problem", p.String()))
	}

	if err := e.storage.SaveDefinition(ctx, def); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}
	// active lookups depend on every definition of the module
	e.invalidateDefinitions()

	e.publishEvent(events.DefinitionSaved, "", def.Module, "", map[string]interface{}{"definition_id": def.ID})
	return &def, nil
}

// ActiveDefinition returns the first active definition for module.
func (e *WorkflowEngine) ActiveDefinition(ctx context.Context, module string) (*types.WorkflowDefinition, error) {
	if err := e.ensureBootstrap(ctx); err != nil {
		return nil, err
	}
	def, err := e.activeDefinition(ctx, module)
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (e *WorkflowEngine) activeDefinition(ctx context.Context, module string) (types.WorkflowDefinition, error) {
	if cached, ok := e.definitions.Get(activeKeyPrefix + module); ok {
		return cached.(types.WorkflowDefinition).Clone(), nil
	}

	gen := e.cacheGeneration()
	defs, err := e.storage.ListDefinitions(ctx)
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to list definitions: %w", err)
	}
	for _, def := range defs {
		if def.Module == module && def.IsActive {
			e.cacheDefinition(gen, activeKeyPrefix+module, def)
			return def, nil
		}
	}
	return types.WorkflowDefinition{}, fmt.Errorf("%w: no active definition for module %s", ErrDefinitionNotFound, module)
}

// getDefinition resolves a definition by ID, cache first.
func (e *WorkflowEngine) getDefinition(ctx context.Context, id string) (types.WorkflowDefinition, error) {
	if cached, ok := e.definitions.Get(definitionPrefix + id); ok {
		return cached.(types.WorkflowDefinition).Clone(), nil
	}

	gen := e.cacheGeneration()
	def, err := e.storage.GetDefinition(ctx, id)
	if errors.Is(err, ErrNotFound) && strings.HasPrefix(id, fallbackPrefix) {
		def, err = FallbackDefinition(strings.TrimPrefix(id, fallbackPrefix)), nil
	}
	if err != nil {
		return types.WorkflowDefinition{}, fmt.Errorf("failed to get definition: %w", err)
	}

	e.cacheDefinition(gen, definitionPrefix+id, def)
	return def, nil
}

// cacheGeneration must be read before the storage lookup whose result is cached.
func (e *WorkflowEngine) cacheGeneration() uint64 {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	return e.cacheGen
}

// cacheDefinition stores def unless a save invalidated the cache after gen was read.
func (e *WorkflowEngine) cacheDefinition(gen uint64, key string, def types.WorkflowDefinition) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	if gen != e.cacheGen {
		return
	}
	e.definitions.SetDefault(key, def.Clone())
}

func (e *WorkflowEngine) invalidateDefinitions() {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()
	e.cacheGen++
	e.definitions.Flush()
}
