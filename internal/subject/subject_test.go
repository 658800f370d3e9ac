package subject

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type userProps struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func userSchema(properties any) (any, error) {
	m, ok := properties.(map[string]any)
	if !ok {
		if p, ok := properties.(userProps); ok {
			return p, nil
		}
		return nil, fmt.Errorf("expected object, got %T", properties)
	}
	email, _ := m["email"].(string)
	if email == "" {
		return nil, errors.New("email is required")
	}
	name, _ := m["name"].(string)
	return userProps{Email: email, Name: name}, nil
}

func newTestRegistry() *Registry {
	return NewRegistry(Schemas{"user": userSchema})
}

func TestRegistry_Validate(t *testing.T) {
	r := newTestRegistry()

	s, err := r.Validate("user", "u-1", map[string]any{"email": "a@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "user", s.Type)
	assert.Equal(t, "u-1", s.ID)
	assert.Equal(t, userProps{Email: "a@example.com"}, s.Properties)
}

func TestRegistry_ValidateRejectsUnknownType(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Validate("machine", "", map[string]any{})
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestRegistry_ValidateRejectsBadProperties(t *testing.T) {
	r := newTestRegistry()

	_, err := r.Validate("user", "", map[string]any{"name": "no email"})
	assert.Error(t, err)
}

func TestRegistry_DerivedIDIsDeterministic(t *testing.T) {
	r := newTestRegistry()

	a, err := r.Validate("user", "", map[string]any{"email": "a@example.com", "name": "A"})
	require.NoError(t, err)
	b, err := r.Validate("user", "", map[string]any{"name": "A", "email": "a@example.com"})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID)
	assert.Equal(t, a.ID, b.ID, "field order must not change the derived ID")

	c, err := r.Validate("user", "", map[string]any{"email": "c@example.com", "name": "A"})
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestRegistry_Types(t *testing.T) {
	r := NewRegistry(Schemas{
		"user":    userSchema,
		"machine": func(p any) (any, error) { return p, nil },
	})
	assert.Equal(t, []string{"machine", "user"}, r.Types())
}
