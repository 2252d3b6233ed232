package rserial

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
	"go.uber.org/zap"

	"sleepywoodpecker/rp-wheel-serial/internal/processing"
)

// scriptedPort returns one chunk per Read and then behaves like a serial read
// timeout (0 bytes, no error) once the script is exhausted.
type scriptedPort struct {
	mu          sync.Mutex
	chunks      [][]byte
	readTimeout time.Duration
	resets      int
	closes      int
}

func newScriptedPort(chunks ...string) *scriptedPort {
	p := &scriptedPort{}
	for _, c := range chunks {
		p.chunks = append(p.chunks, []byte(c))
	}
	return p
}

func (p *scriptedPort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	if len(p.chunks) == 0 {
		timeout := p.readTimeout
		p.mu.Unlock()
		time.Sleep(timeout)
		return 0, nil
	}
	chunk := p.chunks[0]
	n := copy(buf, chunk)
	if n < len(chunk) {
		p.chunks[0] = chunk[n:]
	} else {
		p.chunks = p.chunks[1:]
	}
	p.mu.Unlock()
	return n, nil
}

func (p *scriptedPort) SetReadTimeout(t time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readTimeout = t
	return nil
}

func (p *scriptedPort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	return nil
}

func (p *scriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closes++
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	values []int64
}

func (r *recordingPublisher) Publish(reading int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, reading)
	return nil
}

func openerFor(port Port) OpenFunc {
	return func(string, *serial.Mode) (Port, error) { return port, nil }
}

func newTestReader(t *testing.T, port Port, store Publisher) *RSerial {
	t.Helper()
	r, err := NewRSerial(Options{
		PortName:    "/dev/fake",
		BaudRate:    57600,
		ReadTimeout: time.Millisecond,
		Open:        openerFor(port),
	}, store, zap.NewNop())
	require.NoError(t, err)
	return r
}

func drain(t *testing.T, r *RSerial, reads int) {
	t.Helper()
	for i := 0; i < reads; i++ {
		require.NoError(t, r.ReadLines())
	}
}

func TestReadLinesDecodesSplitLines(t *testing.T) {
	port := newScriptedPort("12\n-", "7\r\n3", "0\n\n")
	store := &recordingPublisher{}
	r := newTestReader(t, port, store)

	drain(t, r, 3)

	assert.Equal(t, []int64{12, -7, 30}, store.values)
	assert.Equal(t, Stats{Accepted: 3}, r.Stats())
}

func TestMalformedLinesAreDroppedSilently(t *testing.T) {
	port := newScriptedPort("5\nabc\n1.5\n\x00\x01\n-3\n")
	store := &recordingPublisher{}
	r := newTestReader(t, port, store)

	drain(t, r, 1)

	assert.Equal(t, []int64{5, -3}, store.values)
	assert.Equal(t, Stats{Accepted: 2, Dropped: 3}, r.Stats())
}

func TestReadingsRejectedByStoreAreDropped(t *testing.T) {
	port := newScriptedPort("50\n5000\n-5000\n")
	store := processing.NewClickStore(processing.CountDelta, processing.RangeCheck{MaxAbs: 100, Policy: processing.RangeReject})
	r := newTestReader(t, port, store)

	drain(t, r, 1)
	assert.Equal(t, int64(50), store.Take())
	assert.Equal(t, Stats{Accepted: 1, Dropped: 2}, r.Stats())
}

func TestCumulativeCounterPastLimitStillMoves(t *testing.T) {
	for _, policy := range []processing.RangePolicy{processing.RangeReject, processing.RangeClamp} {
		t.Run(string(policy), func(t *testing.T) {
			port := newScriptedPort("1000\n1010\n1030\n")
			store := processing.NewClickStore(processing.CountCumulative, processing.RangeCheck{MaxAbs: 100, Policy: policy})
			r := newTestReader(t, port, store)

			drain(t, r, 1)
			assert.Equal(t, Stats{Accepted: 3}, r.Stats())
			assert.Equal(t, int64(30), store.Take())
		})
	}
}

func TestOversizedLineIsDiscarded(t *testing.T) {
	junk := strings.Repeat("1", maxLineLength+10)

	t.Run("newline after the overflow", func(t *testing.T) {
		port := newScriptedPort(junk[:maxLineLength], junk[maxLineLength:], "\n42\n")
		store := &recordingPublisher{}
		r := newTestReader(t, port, store)

		drain(t, r, 3)

		assert.Equal(t, uint64(1), r.Stats().Dropped)
		assert.Equal(t, []int64{42}, store.values)
	})

	t.Run("tail of the line is skipped", func(t *testing.T) {
		port := newScriptedPort(junk[:60], junk[60:70], "5\n", "7\n")
		store := &recordingPublisher{}
		r := newTestReader(t, port, store)

		drain(t, r, 4)

		assert.Equal(t, Stats{Accepted: 1, Dropped: 1}, r.Stats())
		assert.Equal(t, []int64{7}, store.values)
	})

	t.Run("tail and next line in one read", func(t *testing.T) {
		port := newScriptedPort(junk[:maxLineLength], junk[maxLineLength:]+"99\n-4\n")
		store := &recordingPublisher{}
		r := newTestReader(t, port, store)

		drain(t, r, 2)

		assert.Equal(t, []int64{-4}, store.values)
	})
}

func TestDecodeErrorUnwraps(t *testing.T) {
	_, err := decodeLine([]byte("x1"))
	var decodeErr *DecodeError
	require.True(t, errors.As(err, &decodeErr))
	assert.Equal(t, []byte("x1"), decodeErr.Line)
	assert.NotNil(t, errors.Unwrap(err))
}

func TestOpenFailureIsFatal(t *testing.T) {
	_, err := NewRSerial(Options{
		PortName: "/dev/missing",
		Open: func(string, *serial.Mode) (Port, error) {
			return nil, errors.New("no such file or directory")
		},
	}, &recordingPublisher{}, zap.NewNop())

	assert.ErrorIs(t, err, ErrPortUnavailable)
}

func TestRunStopsOnCancelAndClosesPort(t *testing.T) {
	port := newScriptedPort("1\n", "2\n", "3\n")
	store := processing.NewClickStore(processing.CountLatest, processing.RangeCheck{})
	r := newTestReader(t, port, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return store.Load() == 3 }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("reader did not stop after cancel")
	}

	assert.NoError(t, r.Close(), "closing again is a no-op")

	port.mu.Lock()
	defer port.mu.Unlock()
	assert.Equal(t, 1, port.closes)
	assert.Equal(t, 1, port.resets)
	assert.Equal(t, time.Millisecond, port.readTimeout)
}
