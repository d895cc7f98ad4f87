package identity

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/cmms-cartable/types"
)

func TestParseRole(t *testing.T) {
	tests := []struct {
		in      string
		want    types.Role
		wantErr bool
	}{
		{in: "ADMIN", want: types.RoleAdmin},
		{in: "manager", want: types.RoleManager},
		{in: " expert ", want: types.RoleExpert},
		{in: "INITIATOR", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRole)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMemoryDirectory(t *testing.T) {
	ctx := context.Background()
	d := NewMemoryDirectory(types.User{ID: "u1", FullName: "Reza", Role: types.RoleUser})

	u, err := d.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleUser, u.Role)

	_, err = d.Lookup(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)

	// role changes are visible on the next lookup
	require.NoError(t, d.Put(types.User{ID: "u1", FullName: "Reza", Role: types.RoleManager}))
	u, err = d.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, types.RoleManager, u.Role)

	assert.Error(t, d.Put(types.User{ID: "", Role: types.RoleUser}))
	assert.ErrorIs(t, d.Put(types.User{ID: "u2", Role: types.RoleInitiator}), ErrInvalidRole)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = d.Lookup(cancelled, "u1")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoadUsers(t *testing.T) {
	doc := `
users:
  - id: u1
    full_name: Sara
    role: user
  - id: m1
    full_name: Ali
    role: MANAGER
`
	users, err := LoadUsers(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, types.RoleUser, users[0].Role)
	assert.Equal(t, "Ali", users[1].FullName)

	_, err = LoadUsers(strings.NewReader("users:\n  - id: x\n    role: janitor\n"))
	assert.ErrorIs(t, err, ErrInvalidRole)

	users, err = LoadUsers(strings.NewReader(""))
	assert.NoError(t, err)
	assert.Empty(t, users)
}
