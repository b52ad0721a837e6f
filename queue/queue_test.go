package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/streamstore/streamstore"
)

func streamID(tag string) streamstore.StreamID {
	var h [32]byte
	copy(h[:], tag)
	return streamstore.StreamID{Type: "test", Hash: h}
}

func TestSubmitRunsTaskAndReturnsResult(t *testing.T) {
	q := New("t", 4)
	v, err := q.Submit(context.Background(), streamID("a"), func(ctx context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}

func TestSameKeyTasksRunInSubmissionOrder(t *testing.T) {
	q := New("t", 4)
	id := streamID("a")

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			_, err := q.Submit(context.Background(), id, func(ctx context.Context) (interface{}, error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil, nil
			})
			require.NoError(t, err)
		}()
		// Ensure submissions are issued in order; the queue itself then
		// guarantees execution order matches submission order per key.
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1], order[i], "tasks for the same key must run in submission order")
	}
}

func TestDifferentKeysRunConcurrently(t *testing.T) {
	q := New("t", 4)
	start := make(chan struct{})
	var wg sync.WaitGroup
	running := make(chan struct{}, 2)

	for _, tag := range []string{"a", "b"} {
		wg.Add(1)
		tag := tag
		go func() {
			defer wg.Done()
			_, _ = q.Submit(context.Background(), streamID(tag), func(ctx context.Context) (interface{}, error) {
				running <- struct{}{}
				<-start
				return nil, nil
			})
		}()
	}

	<-running
	<-running
	close(start)
	wg.Wait()
}

func TestCloseRejectsNewSubmissions(t *testing.T) {
	q := New("t", 1)
	q.Close()

	_, err := q.Submit(context.Background(), streamID("a"), func(ctx context.Context) (interface{}, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, streamstore.ErrQueueClosed)
}

func TestCloseIsIdempotent(t *testing.T) {
	q := New("t", 1)
	q.Close()
	q.Close()
}

func TestFailureOfOneTaskDoesNotCancelSiblings(t *testing.T) {
	q := New("t", 1)
	id := streamID("a")

	_, err1 := q.Submit(context.Background(), id, func(ctx context.Context) (interface{}, error) {
		return nil, assert.AnError
	})
	v2, err2 := q.Submit(context.Background(), id, func(ctx context.Context) (interface{}, error) {
		return "ok", nil
	})

	assert.Error(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, "ok", v2)
}
