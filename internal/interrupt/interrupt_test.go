package interrupt

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRaiseClearIsSet(t *testing.T) {
	p := New()
	assert.False(t, p.IsSet())
	p.Raise()
	assert.True(t, p.IsSet())
	p.Clear()
	assert.False(t, p.IsSet())
}

func TestSubscribersNotifiedOnRaise(t *testing.T) {
	p := New()
	var calls int32
	done := make(chan struct{})
	p.Subscribe(func(SubscriptionID) {
		atomic.AddInt32(&calls, 1)
		close(done)
	})
	p.Raise()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestUnsubscribeStopsNotifications(t *testing.T) {
	p := New()
	var calls int32
	id := p.Subscribe(func(SubscriptionID) {
		atomic.AddInt32(&calls, 1)
	})
	p.Unsubscribe(id)
	p.Raise()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&calls))
}

func TestDoubleRaiseRenotifies(t *testing.T) {
	p := New()
	notifications := make(chan struct{}, 4)
	p.Subscribe(func(SubscriptionID) {
		notifications <- struct{}{}
	})
	p.Raise()
	p.Raise()

	require.Eventually(t, func() bool {
		return len(notifications) >= 2
	}, time.Second, 10*time.Millisecond)
}
