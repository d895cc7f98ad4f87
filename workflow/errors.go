package workflow

import (
	"errors"
	"fmt"

	"github.com/songzhibin97/cmms-cartable/storage"
)

// Standard error definitions
var (
	// ErrNotFound matches every unresolved reference below.
	ErrNotFound           = storage.ErrNotFound
	ErrItemNotFound       = storage.ErrItemNotFound
	ErrDefinitionNotFound = storage.ErrDefinitionNotFound
	ErrStepNotFound       = fmt.Errorf("workflow step %w", ErrNotFound)
	ErrActionNotFound     = fmt.Errorf("workflow action %w", ErrNotFound)

	ErrUnauthorized    = errors.New("actor is not allowed to act on this step")
	ErrConditionNotMet = errors.New("action condition not met")
	ErrConflict        = errors.New("cartable item was modified concurrently")
	ErrItemClosed      = errors.New("cartable item is no longer pending")
	ErrInvalidRequest  = errors.New("invalid request")
)
