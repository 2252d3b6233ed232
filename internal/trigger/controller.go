package trigger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrDeviceUnavailable = errors.New("[trigger] digital device unavailable")
	ErrNotOpen           = errors.New("[trigger] controller is not open")
	ErrTriggerTimeout    = errors.New("[trigger] timed out waiting for external trigger")
)

const DefaultPollInterval = 10 * time.Millisecond

// Lines is an open set of digital channels on one device.
type Lines interface {
	// Write sets one level per output channel, in channel order.
	Write(levels []bool) error
	// Read samples the input channel.
	Read() (bool, error)
	Close() error
}

// Driver binds channels on a digital I/O device. Implementations must return an
// error wrapping ErrDeviceUnavailable when the device or a channel cannot be bound.
type Driver interface {
	Open(device string, channels []string, input string) (Lines, error)
}

type Settings struct {
	Device   string
	Channels []string
	Input    string // optional, needed for WaitForRisingEdge
}

// Controller owns the digital channels for as long as it is open. It moves between
// Closed and Open only; every other operation requires Open. A Controller is not
// safe for concurrent use.
type Controller struct {
	driver   Driver
	settings Settings
	lines    Lines
	logger   *zap.Logger
}

func NewController(driver Driver, settings Settings, logger *zap.Logger) *Controller {
	return &Controller{
		driver:   driver,
		settings: settings,
		logger:   logger,
	}
}

func (c *Controller) IsOpen() bool {
	return c.lines != nil
}

// Open binds the channels. Opening an open controller does nothing.
func (c *Controller) Open() error {
	if c.lines != nil {
		return nil
	}

	lines, err := c.driver.Open(c.settings.Device, c.settings.Channels, c.settings.Input)
	if err != nil {
		if !errors.Is(err, ErrDeviceUnavailable) {
			err = fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		return err
	}

	c.lines = lines
	c.logger.Debug("[trigger] opened channels", zap.String("device", c.settings.Device), zap.Strings("channels", c.settings.Channels))
	return nil
}

// Close releases the channel handles. It is a no-op on a closed controller.
func (c *Controller) Close() error {
	if c.lines == nil {
		return nil
	}

	err := c.lines.Close()
	c.lines = nil
	c.logger.Debug("[trigger] closed channels", zap.String("device", c.settings.Device))
	return err
}

func (c *Controller) Set(levels []bool) error {
	if c.lines == nil {
		return ErrNotOpen
	}
	if len(levels) != len(c.settings.Channels) {
		return fmt.Errorf("[trigger] got %d levels for %d channels", len(levels), len(c.settings.Channels))
	}

	if err := c.lines.Write(levels); err != nil {
		return fmt.Errorf("[trigger] write levels: %w", err)
	}

	c.logger.Info(
		"[trigger] set output levels",
		zap.String("device", c.settings.Device),
		zap.Strings("channels", c.settings.Channels),
		zap.Bools("levels", levels),
	)
	return nil
}

// Trigger drives every output channel to state.
func (c *Controller) Trigger(state bool) error {
	levels := make([]bool, len(c.settings.Channels))
	for i := range levels {
		levels[i] = state
	}
	return c.Set(levels)
}

// Pulse drives all outputs high, holds for hold, then drives them low. The low
// edge is written even if ctx ends the hold early.
func (c *Controller) Pulse(ctx context.Context, hold time.Duration) error {
	if err := c.Trigger(true); err != nil {
		return err
	}

	timer := time.NewTimer(hold)
	defer timer.Stop()

	var holdErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		holdErr = ctx.Err()
	}

	return multierr.Append(c.Trigger(false), holdErr)
}

// WaitForRisingEdge polls the input channel every poll until it reads high.
// A zero timeout waits until ctx is done.
func (c *Controller) WaitForRisingEdge(ctx context.Context, poll, timeout time.Duration) error {
	if c.lines == nil {
		return ErrNotOpen
	}
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	c.logger.Info("[trigger] waiting for external trigger", zap.String("device", c.settings.Device), zap.String("input", c.settings.Input))
	started := time.Now()

	for {
		high, err := c.lines.Read()
		if err != nil {
			return fmt.Errorf("[trigger] read input: %w", err)
		}
		if high {
			c.logger.Info("[trigger] external trigger received", zap.Duration("waited", time.Since(started)))
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w after %s", ErrTriggerTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// Within opens c, runs fn and closes c on every exit path, including panics.
func Within(c *Controller, fn func(*Controller) error) (err error) {
	defer func() {
		err = multierr.Append(err, c.Close())
	}()

	if err := c.Open(); err != nil {
		return err
	}
	return fn(c)
}
