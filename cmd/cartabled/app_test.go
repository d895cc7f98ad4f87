package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cmms-cartable/config"
	"github.com/songzhibin97/cmms-cartable/types"
	"github.com/songzhibin97/cmms-cartable/workflow"
)

const usersYAML = `
users:
  - id: u1
    full_name: Ali Rezaei
    role: user
  - id: s1
    full_name: Store
    role: STOREKEEPER
`

const partsYAML = `
workflows:
  - id: parts-flow
    module: PART_REQUEST
    title: Part issue
    is_active: true
    steps:
      - id: step-issue
        title: Issue
        assignee_role: STOREKEEPER
        actions:
          - id: act-issue
            label: Issue part
            next_step_id: FINISH
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func memoryConfig(t *testing.T) config.Config {
	cfg := config.Default()
	cfg.UsersFile = writeFile(t, "users.yaml", usersYAML)
	return cfg
}

func TestNewApp(t *testing.T) {
	ctx := context.Background()

	t.Run("DefaultAdminWithoutUsersFile", func(t *testing.T) {
		a, err := newApp(config.Default())
		require.NoError(t, err)
		defer a.close()

		u, err := a.directory.Lookup(ctx, "admin")
		require.NoError(t, err)
		assert.Equal(t, types.RoleAdmin, u.Role)
	})

	t.Run("MissingUsersFile", func(t *testing.T) {
		cfg := config.Default()
		cfg.UsersFile = filepath.Join(t.TempDir(), "nope.yaml")
		_, err := newApp(cfg)
		assert.Error(t, err)
	})

	t.Run("RedisUnavailable", func(t *testing.T) {
		cfg := config.Default()
		cfg.StorageType = config.STORAGE_TYPE_REDIS
		cfg.RedisConfig.Addr = "localhost:1"
		_, err := newApp(cfg)
		assert.Error(t, err)
	})
}

func TestSeedAndServe(t *testing.T) {
	ctx := context.Background()
	a, err := newApp(memoryConfig(t))
	require.NoError(t, err)
	defer a.close()

	n, err := a.seed(ctx, writeFile(t, "defs.yaml", partsYAML))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	def, err := a.engine.ActiveDefinition(ctx, "PART_REQUEST")
	require.NoError(t, err)
	assert.Equal(t, "parts-flow", def.ID)

	_, err = a.seed(ctx, filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	requester, err := a.directory.Lookup(ctx, "u1")
	require.NoError(t, err)
	item, err := a.engine.StartWorkflow(ctx, workflow.StartRequest{Module: "PART_REQUEST", User: requester, Title: "Bearing", TrackingCode: "P2610001"})
	require.NoError(t, err)
	assert.Equal(t, types.RoleStorekeeper, item.AssigneeRole)

	// finishing notifies nobody, advancing notifies the next role
	storekeeper, err := a.directory.Lookup(ctx, "s1")
	require.NoError(t, err)
	_, err = a.engine.ProcessWorkflowAction(ctx, workflow.ActionRequest{ItemID: item.ID, ActionID: "act-issue", User: storekeeper})
	require.NoError(t, err)

	wo, err := a.engine.StartWorkflow(ctx, workflow.StartRequest{Module: workflow.ModuleWorkOrder, User: requester, Title: "Pump"})
	require.NoError(t, err)
	_, err = a.engine.ProcessWorkflowAction(ctx, workflow.ActionRequest{ItemID: wo.ID, ActionID: "act-submit", User: requester})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, err := a.messages.UnreadCount(ctx, requester)
		return err == nil && n == 1
	}, time.Second, 10*time.Millisecond)
}
