package cyclectx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFrom_ReturnsZeroWhenUnset(t *testing.T) {
	require.Equal(t, int64(0), From(context.Background()))
}

func TestWithFrom_RoundTrips(t *testing.T) {
	ctx := With(context.Background(), 42)
	require.Equal(t, int64(42), From(ctx))
}

func TestWith_DoesNotLeakIntoParent(t *testing.T) {
	parent := context.Background()
	child := With(parent, 7)
	require.Equal(t, int64(0), From(parent))
	require.Equal(t, int64(7), From(child))
}
