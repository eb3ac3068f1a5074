package queue

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testPayload struct {
	N int `json:"n"`
}

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_EnqueueDequeueAck(t *testing.T) {
	s := openStore(t)
	id, err := s.Enqueue("send", testPayload{N: 7})
	require.NoError(t, err)

	job, err := s.Dequeue("send", time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
	var p testPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, 7, p.N)

	st, err := s.Stats("send")
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 0, Active: 1}, st)

	require.NoError(t, s.Ack("send", job.ID))
	st, _ = s.Stats("send")
	assert.Equal(t, Stats{}, st)

	job, err = s.Dequeue("send", time.Now())
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestStore_FIFOAndDelay(t *testing.T) {
	s := openStore(t)
	_, err := s.Enqueue("q", testPayload{N: 1}, WithDelay(time.Hour))
	require.NoError(t, err)
	_, err = s.Enqueue("q", testPayload{N: 2})
	require.NoError(t, err)
	_, err = s.Enqueue("q", testPayload{N: 3})
	require.NoError(t, err)

	var got []int
	for {
		job, err := s.Dequeue("q", time.Now())
		require.NoError(t, err)
		if job == nil {
			break
		}
		var p testPayload
		require.NoError(t, job.Decode(&p))
		got = append(got, p.N)
	}
	assert.Equal(t, []int{2, 3}, got)

	at, ok := s.NextRunAt("q")
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(time.Hour), at, time.Minute)

	job, err := s.Dequeue("q", time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestStore_NackRetriesThenDies(t *testing.T) {
	s := openStore(t)
	_, err := s.Enqueue("q", testPayload{}, WithMaxAttempts(2))
	require.NoError(t, err)

	job, _ := s.Dequeue("q", time.Now())
	dead, err := s.Nack("q", job, errors.New("first"), time.Minute)
	require.NoError(t, err)
	assert.False(t, dead)
	assert.WithinDuration(t, time.Now().Add(time.Minute), job.RunAt, 5*time.Second)

	job, _ = s.Dequeue("q", time.Now().Add(2*time.Minute))
	require.NotNil(t, job)
	assert.Equal(t, 1, job.Attempts)
	dead, err = s.Nack("q", job, errors.New("second"), time.Minute)
	require.NoError(t, err)
	assert.True(t, dead)

	st, _ := s.Stats("q")
	assert.Equal(t, Stats{Dead: 1}, st)
	deadJobs, err := s.DeadJobs("q")
	require.NoError(t, err)
	require.Len(t, deadJobs, 1)
	assert.Equal(t, "second", deadJobs[0].LastError)
}

func TestStore_PermanentSkipsRetries(t *testing.T) {
	s := openStore(t)
	_, err := s.Enqueue("q", testPayload{}, WithMaxAttempts(5))
	require.NoError(t, err)
	job, _ := s.Dequeue("q", time.Now())

	dead, err := s.Nack("q", job, Permanent(errors.New("not connected")), time.Second)
	require.NoError(t, err)
	assert.True(t, dead)
}

func TestStore_RecoverAfterRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	s, err := Open(path)
	require.NoError(t, err)
	id, err := s.Enqueue("q", testPayload{N: 1})
	require.NoError(t, err)
	job, err := s.Dequeue("q", time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	n, err := s.Recover("q")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	job, err = s.Dequeue("q", time.Now())
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, id, job.ID)
}

func TestBackoff(t *testing.T) {
	assert.Equal(t, 2*time.Second, Backoff(2*time.Second, 1))
	assert.Equal(t, 4*time.Second, Backoff(2*time.Second, 2))
	assert.Equal(t, 8*time.Second, Backoff(2*time.Second, 3))
	assert.Equal(t, 5*time.Minute, Backoff(2*time.Second, 20))
}

func TestPool_RateLimitAndTerminalStates(t *testing.T) {
	s := openStore(t)
	const jobs = 26
	for i := 0; i < jobs; i++ {
		_, err := s.Enqueue("send", testPayload{N: i}, WithMaxAttempts(1))
		require.NoError(t, err)
	}

	var mu sync.Mutex
	done := map[int]bool{}
	var running, peak int32
	handler := func(ctx context.Context, job *Job) error {
		cur := atomic.AddInt32(&running, 1)
		defer atomic.AddInt32(&running, -1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		var p testPayload
		if err := job.Decode(&p); err != nil {
			return err
		}
		mu.Lock()
		done[p.N] = true
		mu.Unlock()
		if p.N%5 == 0 {
			return errors.New("remote rejected")
		}
		return nil
	}

	pool, err := NewPool(s, "send", handler, PoolConfig{Concurrency: 5, Rate: 50})
	require.NoError(t, err)
	start := time.Now()
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		st, err := s.Stats("send")
		return err == nil && st.Pending == 0 && st.Active == 0
	}, 5*time.Second, 10*time.Millisecond)
	elapsed := time.Since(start)

	// 26 starts at 50/s with a burst of one need at least 25 intervals
	assert.GreaterOrEqual(t, elapsed, 450*time.Millisecond)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(5))

	mu.Lock()
	assert.Len(t, done, jobs)
	mu.Unlock()
	st, err := s.Stats("send")
	require.NoError(t, err)
	assert.Equal(t, 6, st.Dead) // 0,5,10,15,20,25
}

func TestPool_RetriesUntilSuccess(t *testing.T) {
	s := openStore(t)
	_, err := s.Enqueue("q", testPayload{}, WithMaxAttempts(3))
	require.NoError(t, err)

	var calls int32
	pool, err := NewPool(s, "q", func(ctx context.Context, job *Job) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("flaky")
		}
		return nil
	}, PoolConfig{Concurrency: 1, Backoff: 10 * time.Millisecond, PollInterval: 20 * time.Millisecond})
	require.NoError(t, err)
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 3 }, 3*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		st, _ := s.Stats("q")
		return st == Stats{}
	}, time.Second, 5*time.Millisecond)
}

func TestPool_HandlerPanicCountsAsFailure(t *testing.T) {
	s := openStore(t)
	_, err := s.Enqueue("q", testPayload{}, WithMaxAttempts(1))
	require.NoError(t, err)

	pool, err := NewPool(s, "q", func(ctx context.Context, job *Job) error {
		panic("boom")
	}, PoolConfig{Concurrency: 1})
	require.NoError(t, err)
	pool.Start(context.Background())
	defer pool.Stop()

	require.Eventually(t, func() bool {
		st, _ := s.Stats("q")
		return st.Dead == 1
	}, 2*time.Second, 5*time.Millisecond)
}
