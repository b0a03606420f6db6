package streamcapture

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/posit-dev/ark/internal/kernel"
)

type fakeSink struct {
	writes []struct {
		streamName string
		data       string
	}
}

func (f *fakeSink) Write(parent kernel.ComposedMsg, streamName string, data []byte) error {
	f.writes = append(f.writes, struct {
		streamName string
		data       string
	}{streamName, string(data)})
	return nil
}

func TestOnConsoleWriteDroppedWithoutCurrent(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink)
	c.OnConsoleWrite([]byte("hello"), false)
	assert.Empty(t, sink.writes)
}

func TestOnConsoleWriteAttributedToCurrent(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink)
	parent := kernel.ComposedMsg{Header: kernel.MsgHeader{MsgID: "m1"}}
	c.SetCurrent(parent, true)

	c.OnConsoleWrite([]byte("output"), false)
	c.OnConsoleWrite([]byte("oops"), true)

	require.Len(t, sink.writes, 2)
	assert.Equal(t, "stdout", sink.writes[0].streamName)
	assert.Equal(t, "output", sink.writes[0].data)
	assert.Equal(t, "stderr", sink.writes[1].streamName)
	assert.Equal(t, "oops", sink.writes[1].data)
}

func TestOnConsoleWriteStopsAfterCleared(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink)
	c.SetCurrent(kernel.ComposedMsg{}, true)
	c.SetCurrent(kernel.ComposedMsg{}, false)
	c.OnConsoleWrite([]byte("late"), false)
	assert.Empty(t, sink.writes)
}

func TestOnConsoleWriteIgnoresEmptyData(t *testing.T) {
	sink := &fakeSink{}
	c := New(sink)
	c.SetCurrent(kernel.ComposedMsg{}, true)
	c.OnConsoleWrite(nil, false)
	assert.Empty(t, sink.writes)
}
