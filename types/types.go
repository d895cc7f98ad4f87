package types

import "time"

// Role is an authorization label. The engine only compares roles for equality.
type Role string

const (
	RoleAdmin       Role = "ADMIN"
	RoleUser        Role = "USER"
	RoleStorekeeper Role = "STOREKEEPER"
	RoleInspector   Role = "INSPECTOR"
	RoleManager     Role = "MANAGER"
	RoleExpert      Role = "EXPERT"

	// RoleInitiator routes a step to whoever started the instance.
	RoleInitiator Role = "INITIATOR"
)

// Sentinel step targets for WorkflowAction.NextStepID.
const (
	FinishStep = "FINISH"
	RejectStep = "REJECT"
)

// ItemStatus is the lifecycle status of a cartable item.
type ItemStatus string

const (
	StatusPending  ItemStatus = "PENDING"
	StatusDone     ItemStatus = "DONE"
	StatusRejected ItemStatus = "REJECTED"
)

// Display statuses written into CartableItem.Data["status"].
const (
	DisplayRequest      = "REQUEST"
	DisplayInProgress   = "IN_PROGRESS"
	DisplayVerification = "VERIFICATION"
	DisplayFinished     = "FINISHED"
	DisplayRejected     = "REJECTED"
)

// DataStatusKey is the key of the display status inside CartableItem.Data.
const DataStatusKey = "status"

// User is the actor supplied on every engine call.
type User struct {
	ID            string `json:"id" yaml:"id"`
	Username      string `json:"username,omitempty" yaml:"username"`
	FullName      string `json:"full_name" yaml:"full_name"`
	Role          Role   `json:"role" yaml:"role"`
	PersonnelCode string `json:"personnel_code,omitempty" yaml:"personnel_code"`
}

// WorkflowAction is an edge from a step to another step or to a sentinel target.
type WorkflowAction struct {
	ID           string `json:"id" yaml:"id"`
	Label        string `json:"label" yaml:"label"`
	NextStepID   string `json:"next_step_id" yaml:"next_step_id"`
	Style        string `json:"style,omitempty" yaml:"style"`                 // "primary", "danger", "success", "neutral"
	RequiredRole Role   `json:"required_role,omitempty" yaml:"required_role"` // narrows who may take this edge
	Condition    string `json:"condition,omitempty" yaml:"condition"`         // expr guard over {data, item, actor}
}

// WorkflowStep is a named stage owned by one role (or the initiator).
type WorkflowStep struct {
	ID           string           `json:"id" yaml:"id"`
	Title        string           `json:"title" yaml:"title"`
	AssigneeRole Role             `json:"assignee_role" yaml:"assignee_role"`
	Description  string           `json:"description,omitempty" yaml:"description"`
	Actions      []WorkflowAction `json:"actions" yaml:"actions"`
}

// WorkflowDefinition is a process template for one business module.
// Steps[0] is the entry step.
type WorkflowDefinition struct {
	ID       string         `json:"id" yaml:"id"`
	Module   string         `json:"module" yaml:"module"`
	Title    string         `json:"title" yaml:"title"`
	IsActive bool           `json:"is_active" yaml:"is_active"`
	Steps    []WorkflowStep `json:"steps" yaml:"steps"`
}

// EntryStep returns the first step of the definition.
func (d WorkflowDefinition) EntryStep() (WorkflowStep, bool) {
	if len(d.Steps) == 0 {
		return WorkflowStep{}, false
	}
	return d.Steps[0], true
}

// FindStep finds a step by ID.
func (d WorkflowDefinition) FindStep(id string) (WorkflowStep, bool) {
	for _, s := range d.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return WorkflowStep{}, false
}

// FindAction finds an action by ID on the step stepID.
func (d WorkflowDefinition) FindAction(stepID, actionID string) (WorkflowAction, bool) {
	step, ok := d.FindStep(stepID)
	if !ok {
		return WorkflowAction{}, false
	}
	return step.FindAction(actionID)
}

// Clone returns a copy that shares no slices with d.
func (d WorkflowDefinition) Clone() WorkflowDefinition {
	c := d
	if d.Steps != nil {
		c.Steps = make([]WorkflowStep, len(d.Steps))
		for i, step := range d.Steps {
			c.Steps[i] = step
			if step.Actions != nil {
				c.Steps[i].Actions = append(make([]WorkflowAction, 0, len(step.Actions)), step.Actions...)
			}
		}
	}
	return c
}

// FindAction finds an action by ID within the step.
func (s WorkflowStep) FindAction(id string) (WorkflowAction, bool) {
	for _, a := range s.Actions {
		if a.ID == id {
			return a, true
		}
	}
	return WorkflowAction{}, false
}

// CartableItem is a running instance of a workflow definition.
type CartableItem struct {
	ID            string                 `json:"id"`
	WorkflowID    string                 `json:"workflow_id"`
	TrackingCode  string                 `json:"tracking_code"`
	Module        string                 `json:"module"`
	Title         string                 `json:"title"`
	Description   string                 `json:"description"`
	CurrentStepID string                 `json:"current_step_id"`
	InitiatorID   string                 `json:"initiator_id"`
	AssigneeRole  Role                   `json:"assignee_role"`
	AssigneeID    string                 `json:"assignee_id,omitempty"`
	Status        ItemStatus             `json:"status"`
	Version       int64                  `json:"version"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	Data          map[string]interface{} `json:"data"`
}

// Clone returns a deep copy so callers never share Data with the store.
func (i CartableItem) Clone() CartableItem {
	c := i
	c.Data = CloneMap(i.Data)
	return c
}

// HistoryEntry records one transition taken on an item.
type HistoryEntry struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"item_id"`
	StepID    string    `json:"step_id"`
	ToStepID  string    `json:"to_step_id,omitempty"`
	ActorID   string    `json:"actor_id"`
	ActionID  string    `json:"action_id"`
	Comment   string    `json:"comment,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CloneMap deep-copies nested maps and slices. Other values are copied by assignment.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		return CloneMap(t)
	case []interface{}:
		if t == nil {
			return t
		}
		s := make([]interface{}, len(t))
		for i := range t {
			s[i] = cloneValue(t[i])
		}
		return s
	case []string:
		if t == nil {
			return t
		}
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}
