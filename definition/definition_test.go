package definition

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cmms-cartable/types"
)

const purchaseFlow = `
workflows:
  - id: purchase-flow
    module: PURCHASE
    title: Purchase approval
    is_active: true
    steps:
      - id: step-request
        title: Request
        assignee_role: INITIATOR
        actions:
          - id: act-send
            label: Send to store
            next_step_id: step-store
      - id: step-store
        title: Store check
        assignee_role: STOREKEEPER
        actions:
          - id: act-approve
            label: Approve
            next_step_id: FINISH
            condition: data.qty < 100
          - id: act-reject
            label: Reject
            next_step_id: REJECT
            required_role: STOREKEEPER
`

func TestLoad(t *testing.T) {
	defs, err := Load(strings.NewReader(purchaseFlow))
	require.NoError(t, err)
	require.Len(t, defs, 1)

	def := defs[0]
	assert.Equal(t, "purchase-flow", def.ID)
	assert.True(t, def.IsActive)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, types.RoleInitiator, def.Steps[0].AssigneeRole)
	assert.Equal(t, "data.qty < 100", def.Steps[1].Actions[0].Condition)
	assert.Equal(t, types.RoleStorekeeper, def.Steps[1].Actions[1].RequiredRole)
	assert.Empty(t, Validate(def))
}

func TestLoadMultipleDocuments(t *testing.T) {
	doc := `
id: a
module: A
steps:
  - id: s1
    assignee_role: USER
---
id: b
module: B
steps:
  - id: s1
    assignee_role: ADMIN
`
	defs, err := Load(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, defs, 2)
	assert.Equal(t, "B", defs[1].Module)

	_, err = Load(strings.NewReader("steps: [unclosed"))
	assert.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flows.yaml")
	require.NoError(t, os.WriteFile(path, []byte(purchaseFlow), 0o600))

	defs, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, defs, 1)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	def := types.WorkflowDefinition{
		ID:     "broken",
		Module: "X",
		Steps: []types.WorkflowStep{
			{ID: "s1", AssigneeRole: types.RoleUser, Actions: []types.WorkflowAction{
				{ID: "a1", NextStepID: "nowhere"},
				{ID: "a1", NextStepID: "s2"},
			}},
			{ID: "s2", AssigneeRole: "JANITOR", Actions: []types.WorkflowAction{
				{ID: "a2", NextStepID: types.FinishStep, RequiredRole: "GHOST"},
			}},
			{ID: "s2", AssigneeRole: types.RoleAdmin},
		},
	}

	problems := Validate(def)
	var msgs []string
	for _, p := range problems {
		msgs = append(msgs, p.String())
	}
	assert.Contains(t, msgs, `step "s2": duplicate step ID`)
	assert.Contains(t, msgs, `step "s1" action "a1": next step "nowhere" does not exist`)
	assert.Contains(t, msgs, `step "s1" action "a1": duplicate action ID`)
	assert.Contains(t, msgs, `step "s2": unknown assignee role "JANITOR"`)
	assert.Contains(t, msgs, `step "s2" action "a2": unknown required role "GHOST"`)

	assert.Equal(t, []Problem{{Message: "module is empty"}, {Message: "definition has no steps"}}, Validate(types.WorkflowDefinition{}))
}
