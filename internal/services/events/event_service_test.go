package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/meta/internal/interfaces"
)

func TestPublishSync_DeliversToAllSubscribers(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	var calls int32
	handler := func(ctx context.Context, event interfaces.Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	require.NoError(t, svc.Subscribe(interfaces.EventSubJobStatus, handler))
	require.NoError(t, svc.Subscribe(interfaces.EventSubJobStatus, handler))

	err := svc.PublishSync(context.Background(), interfaces.Event{
		Type:    interfaces.EventSubJobStatus,
		Payload: map[string]interface{}{"job_id": "job-1", "status": "COMPLETED"},
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestPublishSync_ReportsHandlerErrors(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	require.NoError(t, svc.Subscribe(interfaces.EventUserJobStatus, func(ctx context.Context, event interfaces.Event) error {
		return errors.New("boom")
	}))

	err := svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventUserJobStatus})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestPublish_Async(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	done := make(chan struct{})
	require.NoError(t, svc.Subscribe(interfaces.EventUserJobSubmitted, func(ctx context.Context, event interfaces.Event) error {
		close(done)
		return nil
	}))

	require.NoError(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventUserJobSubmitted}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestSubscribe_NilHandler(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	defer svc.Close()

	assert.Error(t, svc.Subscribe(interfaces.EventSubJobStatus, nil))
}

func TestClose_RejectsLaterUse(t *testing.T) {
	svc := NewService(arbor.NewLogger())
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())

	noop := func(ctx context.Context, event interfaces.Event) error { return nil }
	assert.ErrorIs(t, svc.Subscribe(interfaces.EventSubJobStatus, noop), ErrClosed)
	assert.ErrorIs(t, svc.Publish(context.Background(), interfaces.Event{Type: interfaces.EventSubJobStatus}), ErrClosed)
	assert.ErrorIs(t, svc.PublishSync(context.Background(), interfaces.Event{Type: interfaces.EventSubJobStatus}), ErrClosed)
}
