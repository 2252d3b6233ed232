// r in rserial stands for "robust"
package rserial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// longest line we are willing to buffer while waiting for a newline
const maxLineLength = 64

var ErrPortUnavailable = errors.New("[rserial] serial port unavailable")

// Port is the part of serial.Port the reader needs.
type Port interface {
	io.ReadCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

type OpenFunc func(portName string, mode *serial.Mode) (Port, error)

func OpenSerial(portName string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// Publisher receives every decoded reading. A returned error drops the reading.
type Publisher interface {
	Publish(reading int64) error
}

type DecodeError struct {
	Line []byte
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("[rserial] could not decode line %q: %v", e.Line, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

type Options struct {
	PortName    string
	BaudRate    int
	ReadTimeout time.Duration
	// Open defaults to OpenSerial.
	Open OpenFunc
}

type Stats struct {
	Accepted uint64
	Dropped  uint64
}

// RSerial owns the encoder's serial port. Run reads newline-delimited ASCII integers
// and publishes each one; lines that fail to decode or are rejected by the store are
// dropped and counted.
type RSerial struct {
	Port
	store       Publisher
	logger      *zap.Logger
	portName    string
	readTimeout time.Duration
	tempBuff    []byte
	pending     []byte
	discarding  bool // skipping the rest of an oversized line
	accepted    atomic.Uint64
	dropped     atomic.Uint64
	closeOnce   sync.Once
	closeErr    error
}

// NewRSerial opens the port. Failing to open it is fatal for the session, so the
// error is returned to the caller wrapped in ErrPortUnavailable.
func NewRSerial(opts Options, store Publisher, logger *zap.Logger) (*RSerial, error) {
	open := opts.Open
	if open == nil {
		open = OpenSerial
	}

	mode := &serial.Mode{
		BaudRate: opts.BaudRate,
	}

	port, err := open(opts.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrPortUnavailable, opts.PortName, err)
	}

	logger.Info("[rserial] opened serial port", zap.String("portName", opts.PortName), zap.Int("baudRate", opts.BaudRate))

	return &RSerial{
		Port:        port,
		store:       store,
		logger:      logger,
		portName:    opts.PortName,
		readTimeout: opts.ReadTimeout,
		tempBuff:    make([]byte, maxLineLength),
		pending:     make([]byte, 0, 2*maxLineLength),
	}, nil
}

func (r *RSerial) initialize() {
	if err := r.SetReadTimeout(r.readTimeout); err != nil {
		r.logger.Warn("[rserial] could not set read timeout", zap.Error(err), zap.String("portName", r.portName))
	}
	if err := r.ResetInputBuffer(); err != nil {
		r.logger.Warn("[rserial] could not reset input buffer", zap.Error(err), zap.String("portName", r.portName))
	}
}

// Run is the acquisition loop. It returns once ctx is cancelled; the bounded read
// timeout limits how long that takes. The port is closed on return.
func (r *RSerial) Run(ctx context.Context) error {
	defer r.Close()

	r.initialize()

	for {
		select {
		case <-ctx.Done():
			stats := r.Stats()
			r.logger.Info(
				"[rserial] exiting from rserial read loop",
				zap.String("portName", r.portName),
				zap.Uint64("accepted", stats.Accepted),
				zap.Uint64("dropped", stats.Dropped),
			)
			return nil
		default:
		}

		if err := r.ReadLines(); err != nil {
			r.logger.Warn("[rserial] error while reading from serial", zap.Error(err), zap.String("portName", r.portName))

			// back off so a dead port does not spin
			select {
			case <-ctx.Done():
			case <-time.After(r.readTimeout):
			}
		}
	}
}

// ReadLines performs one read and handles every complete line it finishes.
// A read that times out with no data returns nil.
func (r *RSerial) ReadLines() error {
	n, err := r.Read(r.tempBuff)
	if n > 0 {
		r.pending = append(r.pending, r.tempBuff[:n]...)
		r.drainLines()
	}
	return err
}

func (r *RSerial) drainLines() {
	if r.discarding {
		idx := bytes.IndexByte(r.pending, '\n')
		if idx < 0 {
			r.pending = r.pending[:0]
			return
		}
		r.pending = append(r.pending[:0], r.pending[idx+1:]...)
		r.discarding = false
	}

	consumed := 0
	for {
		idx := bytes.IndexByte(r.pending[consumed:], '\n')
		if idx < 0 {
			break
		}
		r.handleLine(r.pending[consumed : consumed+idx])
		consumed += idx + 1
	}
	r.pending = append(r.pending[:0], r.pending[consumed:]...)

	// resync on the next newline, the tail of this line is garbage too
	if len(r.pending) > maxLineLength {
		r.dropped.Add(1)
		r.logger.Debug("[rserial] discarding oversized line", zap.String("portName", r.portName), zap.ByteString("payload", r.pending))
		r.pending = r.pending[:0]
		r.discarding = true
	}
}

func (r *RSerial) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}

	reading, err := decodeLine(line)
	if err == nil {
		err = r.store.Publish(reading)
	}
	if err != nil {
		r.dropped.Add(1)
		r.logger.Debug("[rserial] dropping reading", zap.Error(err), zap.String("portName", r.portName))
		return
	}

	r.accepted.Add(1)
}

func decodeLine(line []byte) (int64, error) {
	clicks, err := strconv.ParseInt(string(line), 10, 64)
	if err != nil {
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)
		return 0, &DecodeError{Line: lineCopy, Err: err}
	}
	return clicks, nil
}

func (r *RSerial) Stats() Stats {
	return Stats{
		Accepted: r.accepted.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Close releases the port. It is safe to call more than once and concurrently with Run.
func (r *RSerial) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.Port.Close()
	})
	return r.closeErr
}
