package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portal28/academy/internal/automation"
	"github.com/portal28/academy/internal/pkg/distlock"
	"github.com/portal28/academy/internal/segmentation"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRunner_AddValidates(t *testing.T) {
	r := NewRunner(nil, newTestRedis(t))
	noop := func(context.Context) error { return nil }

	assert.Error(t, r.Add(Job{Interval: time.Second, Run: noop}))
	assert.Error(t, r.Add(Job{Name: "x", Run: noop}))
	assert.Error(t, r.Add(Job{Name: "x", Interval: time.Second}))
	require.NoError(t, r.Add(Job{Name: "x", Interval: time.Second, Run: noop}))
	assert.Error(t, r.Add(Job{Name: "x", Interval: time.Second, Run: noop}), "duplicate name")
}

func TestRunner_StartRunsImmediatelyAndStops(t *testing.T) {
	r := NewRunner(nil, newTestRedis(t))
	var calls int64
	require.NoError(t, r.Add(Job{Name: "tick", Interval: time.Hour, Run: func(context.Context) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}}))

	require.NoError(t, r.Start())
	assert.Error(t, r.Start(), "double start")

	require.Eventually(t, func() bool { return atomic.LoadInt64(&calls) == 1 }, 2*time.Second, 10*time.Millisecond)
	r.Stop()
	r.Stop()

	s := r.Stats()["tick"]
	assert.Equal(t, int64(1), s.Runs)
	assert.False(t, s.LastRun.IsZero())
}

func TestRunner_RunNowSkipsWhenLockHeld(t *testing.T) {
	client := newTestRedis(t)
	r := NewRunner(nil, client)
	var calls int64
	require.NoError(t, r.Add(Job{Name: "scheduler", Interval: time.Minute, Run: func(context.Context) error {
		atomic.AddInt64(&calls, 1)
		return nil
	}}))

	other := distlock.NewRedisLock(client, "job:scheduler", time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	ran, err := r.RunNow(context.Background(), "scheduler")
	require.NoError(t, err)
	assert.False(t, ran)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls))
	assert.Equal(t, int64(1), r.Stats()["scheduler"].Skipped)

	require.NoError(t, other.Release(context.Background()))
	ran, err = r.RunNow(context.Background(), "scheduler")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.Equal(t, int64(1), atomic.LoadInt64(&calls))
}

func TestRunner_RunNowCountsErrors(t *testing.T) {
	r := NewRunner(nil, newTestRedis(t))
	boom := errors.New("boom")
	require.NoError(t, r.Add(Job{Name: "bad", Interval: time.Minute, Run: func(context.Context) error { return boom }}))

	ran, err := r.RunNow(context.Background(), "bad")
	assert.True(t, ran)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int64(1), r.Stats()["bad"].Errors)

	_, err = r.RunNow(context.Background(), "missing")
	assert.Error(t, err)
}

type stubEvaluator struct {
	batch *segmentation.BatchResult
	err   error
}

func (s stubEvaluator) EvaluateAll(context.Context) (*segmentation.BatchResult, error) {
	return s.batch, s.err
}

type stubSteps struct {
	calls int
	err   error
}

func (s *stubSteps) RunOnce(context.Context) (*automation.RunResult, error) {
	s.calls++
	return &automation.RunResult{Processed: 2, Sent: 2}, s.err
}

func TestSegmentJob(t *testing.T) {
	job := SegmentJob(stubEvaluator{batch: &segmentation.BatchResult{
		Results:  []segmentation.EvaluationResult{{SegmentID: "s1", Entered: []segmentation.Transition{{PersonID: "p1"}}}},
		Failures: []segmentation.SegmentFailure{{SegmentID: "s2", Error: "bad operator"}},
	}}, time.Minute)

	assert.Equal(t, SegmentJobName, job.Name)
	assert.NoError(t, job.Run(context.Background()), "per-segment failures do not fail the tick")

	failing := SegmentJob(stubEvaluator{err: errors.New("db down")}, time.Minute)
	assert.Error(t, failing.Run(context.Background()))
}

func TestSchedulerJob(t *testing.T) {
	steps := &stubSteps{}
	job := SchedulerJob(steps, 30*time.Second)

	assert.Equal(t, SchedulerJobName, job.Name)
	assert.Equal(t, 30*time.Second, job.Interval)
	require.NoError(t, job.Run(context.Background()))
	assert.Equal(t, 1, steps.calls)
}
