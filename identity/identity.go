package identity

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/cmms-cartable/types"
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrInvalidRole  = errors.New("invalid role")
)

var allRoles = []types.Role{
	types.RoleAdmin,
	types.RoleUser,
	types.RoleStorekeeper,
	types.RoleInspector,
	types.RoleManager,
	types.RoleExpert,
}

// AllRoles returns the fixed role set.
func AllRoles() []types.Role {
	return append([]types.Role(nil), allRoles...)
}

// Valid reports whether r is one of the fixed roles.
func Valid(r types.Role) bool {
	for _, role := range allRoles {
		if r == role {
			return true
		}
	}
	return false
}

// ParseRole parses a role label, case-insensitively.
func ParseRole(s string) (types.Role, error) {
	r := types.Role(strings.ToUpper(strings.TrimSpace(s)))
	if !Valid(r) {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
	return r, nil
}

// Directory resolves users by ID. The engine uses it to find an initiator's current role.
type Directory interface {
	Lookup(ctx context.Context, userID string) (types.User, error)
}

// MemoryDirectory is an in-memory Directory.
type MemoryDirectory struct {
	users map[string]types.User
	mu    sync.RWMutex
}

// NewMemoryDirectory creates a directory holding the given users.
func NewMemoryDirectory(users ...types.User) *MemoryDirectory {
	d := &MemoryDirectory{users: make(map[string]types.User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces a user.
func (d *MemoryDirectory) Put(u types.User) error {
	if u.ID == "" {
		return errors.New("user ID cannot be empty")
	}
	if !Valid(u.Role) {
		return fmt.Errorf("%w: %q for user %s", ErrInvalidRole, u.Role, u.ID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
	return nil
}

// Lookup implements Directory.
func (d *MemoryDirectory) Lookup(ctx context.Context, userID string) (types.User, error) {
	select {
	case <-ctx.Done():
		return types.User{}, ctx.Err()
	default:
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[userID]
	if !ok {
		return types.User{}, fmt.Errorf("%w: id=%s", ErrUserNotFound, userID)
	}
	return u, nil
}

// List returns all users ordered by ID.
func (d *MemoryDirectory) List() []types.User {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]types.User, 0, len(d.users))
	for _, u := range d.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

type usersFile struct {
	Users []types.User `yaml:"users"`
}

// LoadUsers reads a YAML document of the form `users: [{id, full_name, role}, ...]`.
func LoadUsers(r io.Reader) ([]types.User, error) {
	var f usersFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to decode users: %w", err)
	}
	for i, u := range f.Users {
		role, err := ParseRole(string(u.Role))
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", u.ID, err)
		}
		f.Users[i].Role = role
	}
	return f.Users, nil
}

// LoadUsersFile loads users from a YAML file into a new MemoryDirectory.
func LoadUsersFile(path string) (*MemoryDirectory, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	users, err := LoadUsers(fh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	d := NewMemoryDirectory()
	for _, u := range users {
		if err := d.Put(u); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	return d, nil
}
