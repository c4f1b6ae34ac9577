package image

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFixedAllocatorRejectsOverCapacity(t *testing.T) {
	a := NewFixedAllocator("test_partition", 100)
	ctx := context.Background()

	space, err := a.AllocateSpace(ctx, 60)
	require.NoError(t, err)
	require.Equal(t, uint64(60), space.Size())

	_, err = a.AllocateSpace(ctx, 50)
	require.Error(t, err)
}

func TestFixedAllocatorResizeAndRelease(t *testing.T) {
	a := NewFixedAllocator("test_partition", 100)
	ctx := context.Background()

	space, err := a.AllocateSpace(ctx, 60)
	require.NoError(t, err)

	require.NoError(t, space.Resize(ctx, 40))
	require.Equal(t, uint64(40), space.Size())

	other, err := a.AllocateSpace(ctx, 55)
	require.NoError(t, err)
	require.Equal(t, uint64(55), other.Size())

	require.NoError(t, space.Release(ctx))

	_, err = a.AllocateSpace(ctx, 40)
	require.NoError(t, err)
}

func TestFixedAllocatorUnboundedWhenCapacityZero(t *testing.T) {
	a := NewFixedAllocator("unbounded", 0)
	ctx := context.Background()

	_, err := a.AllocateSpace(ctx, 1<<40)
	require.NoError(t, err)
}
