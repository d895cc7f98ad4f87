// Package modules adapts the typed forms of each cartable module to the
// opaque item data the workflow engine stores.
package modules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/songzhibin97/cmms-cartable/logger"
	"github.com/songzhibin97/cmms-cartable/tracking"
	"github.com/songzhibin97/cmms-cartable/types"
	"github.com/songzhibin97/cmms-cartable/workflow"
)

// Module identifiers.
const (
	ModuleWorkOrder   = workflow.ModuleWorkOrder
	ModulePartRequest = "PART_REQUEST"
	ModuleProject     = "PROJECT"
	ModulePurchase    = "PURCHASE"
	ModuleMeeting     = "MEETING"
	ModulePerformance = "PERFORMANCE"
	ModuleSuggestion  = "SUGGESTION"
	ModuleShiftReport = "SHIFT_REPORT"
)

// ErrInvalidPayload wraps every payload validation failure.
var ErrInvalidPayload = fmt.Errorf("%w: invalid payload", workflow.ErrInvalidRequest)

// Payload is the form submitted to start an item of a module.
type Payload interface {
	// Module is the module the payload starts an item in.
	Module() string
	// Kind is the tracking code kind, see the tracking package.
	Kind() string
	// Title is the cartable title of the new item.
	Title() string
	Validate() error
}

// derived payloads fill computed fields (totals, progress) before they are stored.
type derived interface {
	derive() Payload
}

// WorkOrderDisplayStatus maps the default WORK_ORDER step titles to display statuses.
var WorkOrderDisplayStatus = workflow.DisplayStatusMap{
	"درخواست":      types.DisplayRequest,
	"در حال انجام": types.DisplayInProgress,
	"تایید":        types.DisplayVerification,
	"اتمام":        types.DisplayFinished,
}

// Register installs the module display-status maps on engine.
func Register(engine *workflow.WorkflowEngine) {
	engine.SetDisplayStatus(ModuleWorkOrder, WorkOrderDisplayStatus)
}

var now = time.Now

// Submit validates payload, issues a tracking code for its kind and starts
// a workflow item carrying the payload as data.
func Submit[P Payload](ctx context.Context, engine *workflow.WorkflowEngine, codes tracking.Generator, user types.User, payload P) (*types.CartableItem, error) {
	if err := payload.Validate(); err != nil {
		return nil, err
	}

	var p Payload = payload
	if d, ok := p.(derived); ok {
		p = d.derive()
	}

	code, err := codes.Next(ctx, tracking.Prefix(p.Kind(), now()))
	if err != nil {
		return nil, fmt.Errorf("failed to issue tracking code: %w", err)
	}

	data, err := toData(p)
	if err != nil {
		return nil, err
	}

	item, err := engine.StartWorkflow(ctx, workflow.StartRequest{
		Module:       p.Module(),
		Data:         data,
		User:         user,
		TrackingCode: code,
		Title:        p.Title(),
	})
	if err != nil {
		return nil, err
	}
	logger.Info("module item submitted",
		zap.String("module", item.Module),
		zap.String("item", item.ID),
		zap.String("tracking_code", code))
	return item, nil
}

// Decode reads the payload of item back into P.
func Decode[P Payload](item types.CartableItem) (P, error) {
	var p P
	if item.Module != p.Module() {
		return p, fmt.Errorf("item %s belongs to module %s, not %s", item.ID, item.Module, p.Module())
	}
	raw, err := json.Marshal(item.Data)
	if err != nil {
		return p, fmt.Errorf("failed to encode item data: %w", err)
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("failed to decode %s payload: %w", p.Module(), err)
	}
	return p, nil
}

func toData(p Payload) (map[string]interface{}, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Module(), err)
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", p.Module(), err)
	}
	return data, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidPayload, fmt.Sprintf(format, args...))
}

// IsInvalid reports whether err is a payload validation failure.
func IsInvalid(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

// excerpt returns the first n runes of s followed by an ellipsis when s is longer.
func excerpt(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

type submitFunc func(ctx context.Context, engine *workflow.WorkflowEngine, codes tracking.Generator, user types.User, raw []byte) (*types.CartableItem, error)

func submitter[P Payload]() submitFunc {
	return func(ctx context.Context, engine *workflow.WorkflowEngine, codes tracking.Generator, user types.User, raw []byte) (*types.CartableItem, error) {
		var p P
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, invalid("malformed %s payload: %v", p.Module(), err)
		}
		return Submit(ctx, engine, codes, user, p)
	}
}

var (
	submitters = map[string]submitFunc{
		ModuleWorkOrder:   submitter[WorkOrder](),
		ModulePartRequest: submitter[PartRequest](),
		ModuleProject:     submitter[Project](),
		ModulePurchase:    submitter[PurchaseRequest](),
		ModuleMeeting:     submitter[Meeting](),
		ModulePerformance: submitter[Performance](),
		ModuleSuggestion:  submitter[Suggestion](),
		ModuleShiftReport: submitter[ShiftReport](),
	}
	kinds = map[string]string{
		ModuleWorkOrder:   WorkOrder{}.Kind(),
		ModulePartRequest: PartRequest{}.Kind(),
		ModuleProject:     Project{}.Kind(),
		ModulePurchase:    PurchaseRequest{}.Kind(),
		ModuleMeeting:     Meeting{}.Kind(),
		ModulePerformance: Performance{}.Kind(),
		ModuleSuggestion:  Suggestion{}.Kind(),
		ModuleShiftReport: ShiftReport{}.Kind(),
	}
)

// SubmitJSON decodes raw as the payload of module and submits it.
func SubmitJSON(ctx context.Context, engine *workflow.WorkflowEngine, codes tracking.Generator, user types.User, module string, raw []byte) (*types.CartableItem, error) {
	submit, ok := submitters[module]
	if !ok {
		return nil, invalid("unknown module %q", module)
	}
	return submit(ctx, engine, codes, user, raw)
}

// KindFor returns the tracking code kind of module. Unknown modules use the
// first letter of their name.
func KindFor(module string) string {
	if kind, ok := kinds[module]; ok {
		return kind
	}
	r, _ := utf8.DecodeRuneInString(module)
	if r == utf8.RuneError {
		return "X"
	}
	return strings.ToUpper(string(r))
}

// NextCode issues the next tracking code of module.
func NextCode(ctx context.Context, codes tracking.Generator, module string) (string, error) {
	return codes.Next(ctx, tracking.Prefix(KindFor(module), now()))
}
