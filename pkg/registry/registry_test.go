package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndLookup(t *testing.T) {
	r := New()
	r.Register("double", func(ctx context.Context, inputs any) (any, error) {
		return inputs, nil
	})

	h, err := r.Lookup("double")
	require.NoError(t, err)
	out, err := h(context.Background(), 21)
	require.NoError(t, err)
	assert.Equal(t, 21, out)
}

func TestLookupMissingHandlerErrors(t *testing.T) {
	r := New()
	_, err := r.Lookup("missing")
	assert.Error(t, err)
}

func TestNamesListsRegisteredHandlers(t *testing.T) {
	r := New()
	r.Register("a", func(ctx context.Context, inputs any) (any, error) { return nil, nil })
	r.Register("b", func(ctx context.Context, inputs any) (any, error) { return nil, nil })
	assert.ElementsMatch(t, []string{"a", "b"}, r.Names())
}
