package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	loggerCfg "gitlab.com/nevasik7/alerting/config"
	"gitlab.com/nevasik7/alerting/logger"

	"hcfstream/internal/domain"
)

func testLogger() logger.Logger {
	return logger.New(loggerCfg.LoggerCfg{Level: "error", Format: "json"})
}

type fakeServer struct {
	stop     chan struct{}
	once     sync.Once
	shutdown atomic.Bool
}

func newFakeServer() *fakeServer { return &fakeServer{stop: make(chan struct{})} }

func (s *fakeServer) Start() error {
	<-s.stop
	return nil
}

func (s *fakeServer) Shutdown(context.Context) error {
	s.shutdown.Store(true)
	s.once.Do(func() { close(s.stop) })
	return nil
}

func TestApp_RunStopsOnCancel(t *testing.T) {
	a := New(testLogger(), time.Second)
	srv := newFakeServer()
	a.Serve(srv)

	var ran atomic.Int32
	for i := 0; i < 3; i++ {
		a.Go(fmt.Sprintf("task-%d", i), func(ctx context.Context) error {
			ran.Add(1)
			<-ctx.Done()
			return ctx.Err()
		})
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	require.Eventually(t, func() bool { return ran.Load() == 3 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("app did not stop")
	}
	assert.True(t, srv.shutdown.Load())
}

func TestApp_StoreLostStopsEverything(t *testing.T) {
	a := New(testLogger(), time.Second)
	srv := newFakeServer()
	a.Serve(srv)

	a.Go("feed", func(ctx context.Context) error {
		return fmt.Errorf("listen channel closed: %w", domain.ErrStoreLost)
	})
	var peerStopped atomic.Bool
	a.Go("peer", func(ctx context.Context) error {
		<-ctx.Done()
		peerStopped.Store(true)
		return nil
	})

	err := a.Run(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrStoreLost))
	assert.True(t, peerStopped.Load())
	assert.True(t, srv.shutdown.Load())
}

func TestScheduler_RunsJobsUntilCancel(t *testing.T) {
	s := newScheduler(testLogger())

	var calls atomic.Int32
	var sawDeadline atomic.Bool
	require.NoError(t, s.add("tick", "@every 1s", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			sawDeadline.Store(true)
		}
		calls.Add(1)
		return errors.New("rpc unavailable")
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)
	assert.True(t, sawDeadline.Load())
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestScheduler_RejectsBadSpec(t *testing.T) {
	s := newScheduler(testLogger())
	err := s.add("broken", "every now and then", func(context.Context) error { return nil })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")
}

func TestFormatKV(t *testing.T) {
	assert.Equal(t, "entry=3 next=later", formatKV([]interface{}{"entry", 3, "next", "later"}))
	assert.Equal(t, "", formatKV([]interface{}{"dangling"}))
}
