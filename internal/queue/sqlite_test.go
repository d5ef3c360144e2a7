package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// testClock is a manually advanced clock for lease expiry tests.
type testClock struct{ t time.Time }

func (c *testClock) now() time.Time          { return c.t }
func (c *testClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestSQLiteQueue(t *testing.T) (*SQLiteQueue, *testClock) {
	t.Helper()
	q, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() }) //nolint:errcheck
	clock := &testClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	q.nowFunc = clock.now
	return q, clock
}

func TestSQLite_EnqueueLeaseAck(t *testing.T) {
	q, _ := newTestSQLiteQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "jobs", map[string]string{"k": "v"}, 0)
	require.NoError(t, err)

	msgs, err := q.Lease(ctx, "jobs", time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)
	assert.Equal(t, 1, msgs[0].DeliveryCount)
	assert.JSONEq(t, `{"k":"v"}`, string(msgs[0].Payload))

	var payload map[string]string
	require.NoError(t, msgs[0].Decode(&payload))
	assert.Equal(t, "v", payload["k"])

	require.NoError(t, q.Ack(ctx, "jobs", id))
	assert.ErrorIs(t, q.Ack(ctx, "jobs", id), ErrNotFound)

	depth, err := q.Depth(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSQLite_LeaseRedeliveryAfterVisibilityTimeout(t *testing.T) {
	q, clock := newTestSQLiteQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "jobs", "payload", 0)
	require.NoError(t, err)

	first, err := q.Lease(ctx, "jobs", 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, first, 1)

	// Still hidden inside the lease window.
	clock.advance(29 * time.Second)
	hidden, err := q.Lease(ctx, "jobs", 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, hidden)

	// Reappears exactly once after expiry.
	clock.advance(2 * time.Second)
	second, err := q.Lease(ctx, "jobs", 30*time.Second, 10)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, id, second[0].ID)
	assert.Equal(t, 2, second[0].DeliveryCount)

	third, err := q.Lease(ctx, "jobs", 30*time.Second, 10)
	require.NoError(t, err)
	assert.Empty(t, third)
}

func TestSQLite_DelayedEnqueue(t *testing.T) {
	q, clock := newTestSQLiteQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "jobs", "later", 10*time.Second)
	require.NoError(t, err)

	msgs, err := q.Lease(ctx, "jobs", time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	clock.advance(10 * time.Second)
	msgs, err = q.Lease(ctx, "jobs", time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestSQLite_LeaseRespectsBatchAndQueue(t *testing.T) {
	q, _ := newTestSQLiteQueue(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := q.Enqueue(ctx, "a", i, 0)
		require.NoError(t, err)
	}
	_, err := q.Enqueue(ctx, "b", "other", 0)
	require.NoError(t, err)

	first, err := q.Lease(ctx, "a", time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, first, 3)
	second, err := q.Lease(ctx, "a", time.Minute, 3)
	require.NoError(t, err)
	require.Len(t, second, 2)

	seen := map[int64]bool{}
	for _, m := range append(first, second...) {
		assert.False(t, seen[m.ID], "message %d leased twice", m.ID)
		seen[m.ID] = true
		assert.Equal(t, "a", m.Queue)
	}
}

func TestSQLite_Archive(t *testing.T) {
	q, _ := newTestSQLiteQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "jobs", map[string]int{"n": 1}, 0)
	require.NoError(t, err)
	_, err = q.Lease(ctx, "jobs", time.Minute, 1)
	require.NoError(t, err)

	require.NoError(t, q.Archive(ctx, "jobs", id, "stale"))
	assert.ErrorIs(t, q.Archive(ctx, "jobs", id, "stale"), ErrNotFound)

	archived, err := q.ListArchived(ctx, "jobs", 10)
	require.NoError(t, err)
	require.Len(t, archived, 1)
	assert.Equal(t, id, archived[0].ID)
	assert.Equal(t, "stale", archived[0].Reason)
	assert.Equal(t, 1, archived[0].DeliveryCount)

	depth, err := q.Depth(ctx, "jobs")
	require.NoError(t, err)
	assert.Zero(t, depth)
}
