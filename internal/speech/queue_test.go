package speech

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Unit{Text: "a"}, Unit{Text: "b"})
	q.Enqueue(Unit{Text: "c"})
	require.Equal(t, 3, q.Len())

	var got []string
	for {
		u, ok := q.Next()
		if !ok {
			break
		}
		got = append(got, u.Text)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_NextOnEmpty(t *testing.T) {
	q := NewQueue()
	_, ok := q.Next()
	assert.False(t, ok)
}

func TestQueue_Clear(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Unit{Text: "a"}, Unit{Text: "b"})

	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Len())

	q.Enqueue(Unit{Text: "c"})
	u, ok := q.Next()
	require.True(t, ok)
	assert.Equal(t, "c", u.Text)
}

func TestQueue_Stats(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Unit{Text: "a"}, Unit{Text: "b"}, Unit{Text: "c"})
	q.Next()
	q.Clear()

	st := q.Stats()
	assert.EqualValues(t, 3, st.TotalEnqueued)
	assert.EqualValues(t, 1, st.TotalDequeued)
	assert.EqualValues(t, 2, st.TotalDropped)
	assert.Equal(t, 3, st.PeakSize)
	assert.False(t, st.LastDequeue.IsZero())
}

func TestQueue_SnapshotIsCopy(t *testing.T) {
	q := NewQueue()
	q.Enqueue(Unit{Text: "a"})
	snap := q.Snapshot()
	snap[0].Text = "mutated"

	u, _ := q.Next()
	assert.Equal(t, "a", u.Text)
}
