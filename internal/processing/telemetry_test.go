package processing

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// shortWriter accepts at most n bytes per call.
type shortWriter struct {
	n     int
	buf   bytes.Buffer
	calls int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	w.calls++
	if len(p) > w.n {
		p = p[:w.n]
	}
	return w.buf.Write(p)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("connection refused") }

func TestFormatInflux(t *testing.T) {
	at := time.Unix(1700000000, 5)
	assert.Equal(t, "wheel clicks=-42i,accepted=10i,dropped=2i 1700000000000000005", FormatInflux(-42, 10, 2, at))
}

func TestTelemetryWritesWholeLineAndKeepsStore(t *testing.T) {
	store := NewClickStore(CountDelta, RangeCheck{})
	store.Publish(7)

	out := &shortWriter{n: 8}
	telemetry, err := NewTelemetry(time.Second, out, store, func() (uint64, uint64) { return 3, 1 }, zap.NewNop())
	require.NoError(t, err)

	at := time.Unix(0, 99)
	telemetry.SampleAndLog(at)

	assert.Equal(t, FormatInflux(7, 3, 1, at), out.buf.String())
	assert.Greater(t, out.calls, 1)
	assert.Equal(t, int64(7), store.Take(), "sampling does not drain the store")
}

func TestTelemetrySurvivesWriteErrors(t *testing.T) {
	telemetry, err := NewTelemetry(time.Second, failingWriter{}, NewClickStore(CountLatest, RangeCheck{}), nil, zap.NewNop())
	require.NoError(t, err)
	assert.NotPanics(t, func() { telemetry.SampleAndLog(time.Now()) })
}

func TestTelemetryRunStopsOnCancel(t *testing.T) {
	var out bytes.Buffer
	store := NewClickStore(CountLatest, RangeCheck{})
	telemetry, err := NewTelemetry(time.Millisecond, &out, store, nil, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		telemetry.Run(ctx)
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("telemetry did not stop")
	}
	assert.Contains(t, out.String(), "wheel clicks=0i")
}

func TestTelemetryRejectsNonPositiveInterval(t *testing.T) {
	store := NewClickStore(CountLatest, RangeCheck{})
	for _, interval := range []time.Duration{0, -time.Second} {
		_, err := NewTelemetry(interval, nil, store, nil, zap.NewNop())
		assert.Error(t, err, "interval %s", interval)
	}
}
