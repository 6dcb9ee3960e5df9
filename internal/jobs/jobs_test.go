package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lazypower/memcore/internal/errs"
)

func TestRunnerRejectsConcurrentSameName(t *testing.T) {
	r := NewRunner(nil, nil)
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		_, err := r.Run(context.Background(), Consolidation, func(context.Context) (any, error) {
			close(started)
			<-release
			return "first", nil
		})
		done <- err
	}()
	<-started
	assert.True(t, r.Running(Consolidation))

	_, err := r.Run(context.Background(), Consolidation, func(context.Context) (any, error) { return "second", nil })
	assert.True(t, errs.IsConflict(err))

	// a different name is not blocked
	res, err := r.Run(context.Background(), QualitySweep, func(context.Context) (any, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, res)

	close(release)
	require.NoError(t, <-done)
	assert.False(t, r.Running(Consolidation))

	res, err = r.Run(context.Background(), Consolidation, func(context.Context) (any, error) { return "again", nil })
	require.NoError(t, err)
	assert.Equal(t, "again", res)
}

func TestRunnerReleasesOnError(t *testing.T) {
	r := NewRunner(nil, nil)
	boom := errors.New("boom")
	_, err := r.Run(context.Background(), EmbedMissing, func(context.Context) (any, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
	assert.False(t, r.Running(EmbedMissing))
}

func TestSchedulerFiresOnInterval(t *testing.T) {
	s := NewScheduler(NewRunner(nil, nil), nil)
	var n atomic.Int32
	require.NoError(t, s.Register(QualitySweep, 10*time.Millisecond, func(context.Context) (any, error) {
		n.Add(1)
		return nil, nil
	}))
	require.NoError(t, s.Register(LifecycleSweep, 0, func(context.Context) (any, error) {
		t.Error("zero interval must not fire")
		return nil, nil
	}))

	s.Start(context.Background())
	defer s.Stop()
	assert.Eventually(t, func() bool { return n.Load() >= 2 }, time.Second, 5*time.Millisecond)
}

func TestSchedulerTriggerAndReschedule(t *testing.T) {
	s := NewScheduler(NewRunner(nil, nil), nil)
	var n atomic.Int32
	require.NoError(t, s.Register(Consolidation, 0, func(context.Context) (any, error) {
		return n.Add(1), nil
	}))
	assert.Error(t, s.Register(Consolidation, 0, nil))
	assert.Equal(t, []string{Consolidation}, s.Names())

	s.Start(context.Background())
	defer s.Stop()

	res, err := s.Trigger(context.Background(), Consolidation)
	require.NoError(t, err)
	assert.Equal(t, int32(1), res)

	_, err = s.Trigger(context.Background(), "nope")
	assert.True(t, errs.IsValidation(err))

	s.SetInterval(Consolidation, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, 5*time.Millisecond)

	assert.Error(t, s.Register(EmbedMissing, time.Minute, nil), "registration closes at start")
}

func TestTriggerRestartsTicker(t *testing.T) {
	s := NewScheduler(NewRunner(nil, nil), nil)
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	require.NoError(t, s.Register(QualitySweep, time.Hour, func(context.Context) (any, error) {
		started <- struct{}{}
		<-release
		return "swept", nil
	}))
	j := s.jobs[QualitySweep]

	done := make(chan error, 1)
	go func() {
		_, err := s.Trigger(context.Background(), QualitySweep)
		done <- err
	}()
	<-started

	// an overlapping trigger is refused and leaves the ticker alone
	_, err := s.Trigger(context.Background(), QualitySweep)
	assert.True(t, errs.IsConflict(err))
	assert.Empty(t, j.reset)

	close(release)
	require.NoError(t, <-done)
	select {
	case d := <-j.reset:
		assert.Equal(t, time.Hour, d)
	default:
		t.Fatal("trigger did not restart the ticker")
	}

	s.SetInterval(QualitySweep, time.Minute)
	s.SetInterval(QualitySweep, 2*time.Minute)
	assert.Len(t, j.reset, 1, "only the newest interval is pending")
	assert.Equal(t, 2*time.Minute, <-j.reset)
}
