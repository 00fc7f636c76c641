package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkItemStartRunsBodyOnce(t *testing.T) {
	var calls atomic.Int32
	item := NewWorkItem(context.Background(), Position{Offset: 1}, func(context.Context) Outcome {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return Success
	})

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			item.Start()
		}()
	}
	wg.Wait()

	outcome, err := item.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Success, outcome)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, Completed, item.State())

	item.Start()
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkItemPanicBecomesFailed(t *testing.T) {
	item := NewWorkItem(context.Background(), Position{}, func(context.Context) Outcome {
		panic("boom")
	})
	item.Start()

	outcome, err := item.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Failed, outcome)
	assert.Equal(t, "boom", item.Panic())
}

func TestWorkItemCancelBeforeStart(t *testing.T) {
	ran := false
	item := NewWorkItem(context.Background(), Position{}, func(context.Context) Outcome {
		ran = true
		return Success
	})

	assert.True(t, item.Cancel())
	item.Start()
	<-item.Done()
	assert.False(t, ran)
	assert.Equal(t, Cancelled, item.State())
	assert.False(t, item.Cancel())
}

func TestWorkItemCannotCancelAfterStart(t *testing.T) {
	release := make(chan struct{})
	item := NewWorkItem(context.Background(), Position{}, func(context.Context) Outcome {
		<-release
		return SentToDeadLetter
	})
	item.Start()
	assert.False(t, item.Cancel())
	close(release)

	outcome, err := item.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SentToDeadLetter, outcome)
}

func TestWorkItemContextSurvivesParentCancel(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var bodyErr error
	item := NewWorkItem(parent, Position{}, func(ctx context.Context) Outcome {
		<-release
		bodyErr = ctx.Err()
		return Success
	})
	item.Start()
	cancel()
	close(release)
	<-item.Done()
	assert.NoError(t, bodyErr)
}

func TestWorkItemWaitHonoursContext(t *testing.T) {
	item := NewWorkItem(context.Background(), Position{}, func(context.Context) Outcome { return Success })
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := item.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOutcomeSettled(t *testing.T) {
	assert.True(t, Success.Settled())
	assert.True(t, SentToDeadLetter.Settled())
	assert.True(t, Dropped.Settled())
	assert.False(t, Failed.Settled())
	assert.Equal(t, "dead_lettered", SentToDeadLetter.String())
}
