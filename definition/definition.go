// Package definition loads workflow definitions from YAML and checks their step graphs.
package definition

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/cmms-cartable/identity"
	"github.com/songzhibin97/cmms-cartable/types"
)

type document struct {
	Workflows []types.WorkflowDefinition `yaml:"workflows"`
}

// Load reads every YAML document in r. A document is either a single
// definition or a `workflows:` list.
func Load(r io.Reader) ([]types.WorkflowDefinition, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	var defs []types.WorkflowDefinition
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	for {
		var node yaml.Node
		if err := dec.Decode(&node); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("failed to decode definitions: %w", err)
		}

		var doc document
		if err := node.Decode(&doc); err != nil {
			return nil, fmt.Errorf("failed to decode definitions: %w", err)
		}
		if len(doc.Workflows) > 0 {
			defs = append(defs, doc.Workflows...)
			continue
		}

		var def types.WorkflowDefinition
		if err := node.Decode(&def); err != nil {
			return nil, fmt.Errorf("failed to decode definition: %w", err)
		}
		if def.ID == "" && def.Module == "" && len(def.Steps) == 0 {
			continue
		}
		defs = append(defs, def)
	}
	return defs, nil
}

// LoadFile loads definitions from a YAML file.
func LoadFile(path string) ([]types.WorkflowDefinition, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	defs, err := Load(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return defs, nil
}

// Problem is a defect found in a definition's step graph.
type Problem struct {
	StepID   string
	ActionID string
	Message  string
}

func (p Problem) String() string {
	switch {
	case p.ActionID != "":
		return fmt.Sprintf("step %q action %q: %s", p.StepID, p.ActionID, p.Message)
	case p.StepID != "":
		return fmt.Sprintf("step %q: %s", p.StepID, p.Message)
	default:
		return p.Message
	}
}

// Validate reports graph defects. Definitions with problems are still usable;
// the engine treats unresolved edges as not found when they are taken.
func Validate(def types.WorkflowDefinition) []Problem {
	var problems []Problem
	if def.Module == "" {
		problems = append(problems, Problem{Message: "module is empty"})
	}
	if len(def.Steps) == 0 {
		problems = append(problems, Problem{Message: "definition has no steps"})
		return problems
	}

	stepIDs := make(map[string]bool, len(def.Steps))
	for _, s := range def.Steps {
		if s.ID == types.FinishStep || s.ID == types.RejectStep {
			problems = append(problems, Problem{StepID: s.ID, Message: "step ID collides with a terminal target"})
		}
		if stepIDs[s.ID] {
			problems = append(problems, Problem{StepID: s.ID, Message: "duplicate step ID"})
		}
		stepIDs[s.ID] = true
	}

	for _, s := range def.Steps {
		if s.AssigneeRole != types.RoleInitiator && !identity.Valid(s.AssigneeRole) {
			problems = append(problems, Problem{StepID: s.ID, Message: fmt.Sprintf("unknown assignee role %q", s.AssigneeRole)})
		}
		actionIDs := make(map[string]bool, len(s.Actions))
		for _, a := range s.Actions {
			if actionIDs[a.ID] {
				problems = append(problems, Problem{StepID: s.ID, ActionID: a.ID, Message: "duplicate action ID"})
			}
			actionIDs[a.ID] = true

			if a.NextStepID != types.FinishStep && a.NextStepID != types.RejectStep && !stepIDs[a.NextStepID] {
				problems = append(problems, Problem{StepID: s.ID, ActionID: a.ID, Message: fmt.Sprintf("next step %q does not exist", a.NextStepID)})
			}
			if a.RequiredRole != "" && !identity.Valid(a.RequiredRole) {
				problems = append(problems, Problem{StepID: s.ID, ActionID: a.ID, Message: fmt.Sprintf("unknown required role %q", a.RequiredRole)})
			}
		}
	}
	return problems
}
