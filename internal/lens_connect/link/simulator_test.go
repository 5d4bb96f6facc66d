package link

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heartneyes/lenslink/internal/lens_connect/radio"
)

func TestSimulatorEndToEnd(t *testing.T) {
	opts := radio.DefaultSimulatorOptions()
	opts.ChunkInterval = 5 * time.Millisecond
	opts.ChunkSize = 64
	opts.KeyframeEvery = 4
	opts.StatusInterval = 20 * time.Millisecond
	sim := radio.NewSimulator(opts)
	addr, err := sim.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer sim.Close()

	lopts := DefaultOptions()
	lopts.BackoffBase = 10 * time.Millisecond
	lopts.BackoffCap = 50 * time.Millisecond
	m := NewManager(radio.NewTCPRadio(addr), lopts)
	defer m.Close(context.Background())
	events := m.Subscribe("test", 256)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	found, err := m.Scan(ctx, radio.DefaultScanFilter())
	require.NoError(t, err)
	require.Len(t, found, 1)
	require.NoError(t, m.Connect(ctx, found[0].Address))

	tel := nextEvent(t, events, EventTelemetry)
	require.NotNil(t, tel.Telemetry)
	assert.Equal(t, opts.DeviceID, tel.Telemetry.DeviceID)

	sink := &captureSink{name: "capture"}
	require.NoError(t, m.StartRecording(ctx, sink))
	assert.Equal(t, Recording, m.State())
	require.Eventually(t, func() bool { return len(sink.Frames()) >= 3 }, 3*time.Second, 10*time.Millisecond)

	frames := sink.Frames()
	for i, f := range frames {
		assert.True(t, f.Keyframe, "frame %d", i)
		assert.Equal(t, 4, f.ChunkCount(), "frame %d", i)
		if i > 0 {
			assert.Equal(t, frames[i-1].LastChunkID+1, f.FirstChunkID)
		}
	}
	rec, _ := sim.Media()
	assert.True(t, rec)

	require.NoError(t, m.StopRecording(ctx))
	require.Eventually(t, func() bool {
		rec, _ := sim.Media()
		return !rec
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, sink.Closed, 3*time.Second, 10*time.Millisecond)

	// the link comes back after the lens drops it
	sim.DropLinks()
	nextEvent(t, events, EventReconnecting)
	require.Eventually(t, func() bool { return m.State() == Ready }, 3*time.Second, 10*time.Millisecond)

	sim.SetBattery(3)
	require.Eventually(t, func() bool { return m.State() == Suspended }, 3*time.Second, 10*time.Millisecond)
	sim.SetBattery(90)
	require.Eventually(t, func() bool { return m.State() == Ready }, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, m.Disconnect(ctx))
	assert.Equal(t, Disconnected, m.State())
}
