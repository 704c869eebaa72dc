package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScaledIntervalFloorsAtOneMinute(t *testing.T) {
	r := NewJobRunner(nil, func() float64 { return 0.01 })
	d := r.scaledInterval(5 * time.Minute)
	assert.Equal(t, time.Minute, d)
}

func TestScaledIntervalAppliesMultiplier(t *testing.T) {
	r := NewJobRunner(nil, func() float64 { return 2.0 })
	d := r.scaledInterval(5 * time.Minute)
	assert.Equal(t, 10*time.Minute, d)
}

func TestScaledIntervalTreatsNonPositiveMultiplierAsOne(t *testing.T) {
	r := NewJobRunner(nil, func() float64 { return -1 })
	d := r.scaledInterval(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, d)
}

func TestNewJobRunnerDefaultsNilMultiplierToOne(t *testing.T) {
	r := NewJobRunner(nil, nil)
	d := r.scaledInterval(5 * time.Minute)
	assert.Equal(t, 5*time.Minute, d)
}

func TestRunOnceRecoversFromPanic(t *testing.T) {
	r := NewJobRunner(nil, nil)
	j := &job{name: "panicky", fn: func(ctx context.Context) { panic("boom") }}

	assert.NotPanics(t, func() {
		r.runOnce(context.Background(), j)
	})
}

func TestRunOnceInvokesJobFunc(t *testing.T) {
	r := NewJobRunner(nil, nil)
	called := false
	j := &job{name: "ok", fn: func(ctx context.Context) { called = true }}

	r.runOnce(context.Background(), j)
	assert.True(t, called)
}

func TestRegisterAddsJobBeforeStart(t *testing.T) {
	r := NewJobRunner(nil, nil)
	r.Register("test-job", time.Minute, func(ctx context.Context) {})
	assert.Len(t, r.jobs, 1)
	assert.Equal(t, "test-job", r.jobs[0].name)
}

func TestStartAndStopCancelsAllJobLoops(t *testing.T) {
	r := NewJobRunner(nil, nil)
	ran := make(chan struct{}, 1)
	r.Register("fast-job", time.Minute, func(ctx context.Context) {
		select {
		case ran <- struct{}{}:
		default:
		}
	})

	ctx := context.Background()
	r.Start(ctx)
	r.Stop()

	for _, j := range r.jobs {
		assert.NotNil(t, j.cancel)
	}
}
