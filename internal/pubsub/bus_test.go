package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanOutInOrder(t *testing.T) {
	bus := NewBus[int](16)
	a := bus.Subscribe("a")
	b := bus.Subscribe("b")
	assert.Equal(t, a, bus.Subscribe("a"))

	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, bus.Publish(ctx, i))
	}

	for _, ch := range []<-chan int{a, b} {
		for i := 1; i <= 5; i++ {
			assert.Equal(t, i, <-ch)
		}
	}
}

func TestBus_PublishRespectsContext(t *testing.T) {
	bus := NewBus[string](1)
	_ = bus.Subscribe("slow")

	require.NoError(t, bus.Publish(context.Background(), "first"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bus.Publish(ctx, "second"), context.DeadlineExceeded)
}

func TestBus_Close(t *testing.T) {
	bus := NewBus[int](4)
	ch := bus.Subscribe("x")

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, bus.Publish(context.Background(), 1), ErrBusClosed)

	late := bus.Subscribe("late")
	_, ok = <-late
	assert.False(t, ok)
}

func TestBus_LossySubscriberNeverBlocks(t *testing.T) {
	bus := NewBus[int](2)
	reliable := bus.Subscribe("reliable")
	lossy := bus.SubscribeLossy("lossy")
	assert.Equal(t, lossy, bus.SubscribeLossy("lossy"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 6; i++ {
			assert.NoError(t, bus.Publish(ctx, i))
		}
	}()

	for i := 1; i <= 6; i++ {
		assert.Equal(t, i, <-reliable)
	}
	<-done

	assert.Equal(t, 1, <-lossy)
	assert.Equal(t, 2, <-lossy)
	assert.Equal(t, uint64(4), bus.Dropped("lossy"))
	assert.Zero(t, bus.Dropped("reliable"))
}
