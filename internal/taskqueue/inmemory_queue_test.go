package taskqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convergehq/converge/pkg/api"
)

func TestInMemoryQueueFIFO(t *testing.T) {
	q := NewInMemoryQueue(8)
	ctx := context.Background()
	scope := api.TenantScope{ClientID: "client-1", EngagementID: "eng-1"}

	for _, id := range []string{"t1", "t2", "t3"} {
		require.NoError(t, q.Enqueue(ctx, Task{
			ID:     id,
			Type:   TaskTypeStartFlow,
			FlowID: "flow-" + id,
			Scope:  scope,
		}))
	}
	assert.Equal(t, 3, q.Len())

	for _, want := range []string{"t1", "t2", "t3"} {
		got, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got.ID)
		assert.Equal(t, scope, got.Scope)
	}
	assert.Zero(t, q.Len())
}

func TestInMemoryQueueDequeueRespectsContext(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestInMemoryQueueEnqueueBlocksWhenFull(t *testing.T) {
	q := NewInMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{ID: "t1", Type: TaskTypeStartFlow}))

	blocked, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	err := q.Enqueue(blocked, Task{ID: "t2", Type: TaskTypeStartFlow})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
