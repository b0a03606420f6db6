package iopub

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/ark/internal/kernel"
)

type recordedWrite struct {
	msgType string
	content any
}

func newTestPublisher(t *testing.T) (*Publisher, *[]recordedWrite, *sync.Mutex) {
	t.Helper()
	var mu sync.Mutex
	var writes []recordedWrite
	p := New("sess-1", func(parent kernel.ComposedMsg, msgType string, content any) error {
		mu.Lock()
		defer mu.Unlock()
		writes = append(writes, recordedWrite{msgType, content})
		return nil
	})
	p.Run()
	t.Cleanup(p.Close)
	return p, &writes, &mu
}

func TestPublishStatus(t *testing.T) {
	p, writes, mu := newTestPublisher(t)
	require.NoError(t, p.PublishStatus(kernel.ComposedMsg{}, kernel.StatusBusy))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *writes, 1)
	assert.Equal(t, "status", (*writes)[0].msgType)
}

func TestWriteFlushesImmediatelyPastCoalesceBytes(t *testing.T) {
	p, writes, mu := newTestPublisher(t)
	big := make([]byte, CoalesceBytes)
	require.NoError(t, p.Write(kernel.ComposedMsg{}, "stdout", big))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *writes, 1)
	assert.Equal(t, "stream", (*writes)[0].msgType)
}

func TestWriteFlushesOnTimerWindow(t *testing.T) {
	p, writes, mu := newTestPublisher(t)
	require.NoError(t, p.Write(kernel.ComposedMsg{}, "stdout", []byte("hi")))

	mu.Lock()
	assert.Empty(t, *writes)
	mu.Unlock()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(*writes) == 1
	}, CoalesceWindow*5, 5*time.Millisecond)
}

func TestFlushAllForcesPendingBuffers(t *testing.T) {
	p, writes, mu := newTestPublisher(t)
	require.NoError(t, p.Write(kernel.ComposedMsg{}, "stderr", []byte("partial")))
	p.FlushAll()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, *writes, 1)
	assert.Equal(t, "stream", (*writes)[0].msgType)
}

func TestPublishAfterCloseErrors(t *testing.T) {
	p := New("sess-1", func(kernel.ComposedMsg, string, any) error { return nil })
	p.Run()
	p.Close()
	err := p.Publish(kernel.ComposedMsg{}, "status", nil)
	assert.Error(t, err)
}
