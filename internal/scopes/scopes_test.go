package scopes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParse(t *testing.T) {
	assert.Equal(t, []string{"foo", "bar"}, Parse("foo bar"))
	assert.Equal(t, []string{"foo"}, Parse("  foo  "))
	assert.Nil(t, Parse(""))
	assert.Nil(t, Parse("   "))
}

func TestNarrow(t *testing.T) {
	t.Run("intersects requested with authorized", func(t *testing.T) {
		assert.Equal(t, []string{"foo"}, Narrow([]string{"foo", "bar"}, []string{"foo"}))
	})

	t.Run("no overlap yields empty", func(t *testing.T) {
		assert.Equal(t, []string{}, Narrow([]string{"bar"}, []string{"foo"}))
	})

	t.Run("nil requested grants all authorized", func(t *testing.T) {
		assert.Equal(t, []string{"foo"}, Narrow(nil, []string{"foo"}))
	})

	t.Run("nil authorized means unrestricted", func(t *testing.T) {
		assert.Nil(t, Narrow([]string{"foo"}, nil))
	})

	t.Run("order follows the request", func(t *testing.T) {
		assert.Equal(t, []string{"b", "a"}, Narrow([]string{"b", "a"}, []string{"a", "b", "c"}))
	})
}

func TestJoin(t *testing.T) {
	assert.Equal(t, "foo bar", Join([]string{"foo", "bar"}))
	assert.Equal(t, "", Join(nil))
}
