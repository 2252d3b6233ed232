package processing

import (
	"fmt"
	"sync"
)

// ClickStore is the single-slot cell between the serial reader goroutine and the
// aggregator. It has latest-value semantics: the consumer sees whatever was
// published last, which may reflect zero, one or many serial reads since the
// previous window. How a published value becomes a window's click count is decided
// here and only here, by the CountMode.

type CountMode string

const (
	// CountLatest hands the most recent reading to every window as-is.
	CountLatest CountMode = "latest"
	// CountDelta sums per-read deltas and drains the sum on every window.
	CountDelta CountMode = "delta"
	// CountCumulative treats readings as a running firmware counter and hands each
	// window the difference from the previous window. The first reading is the baseline.
	CountCumulative CountMode = "cumulative"
)

func ParseCountMode(s string) (CountMode, error) {
	switch mode := CountMode(s); mode {
	case CountLatest, CountDelta, CountCumulative:
		return mode, nil
	}
	return "", fmt.Errorf("[processing] unknown count mode %q", s)
}

type ClickStore struct {
	mode       CountMode
	check      RangeCheck
	clicks     int64
	last       int64
	primed     bool
	clickMutex sync.Mutex
}

// NewClickStore builds the cell. check bounds the motion carried by each reading:
// the reading itself in latest and delta mode, the step from the previous reading in
// cumulative mode.
func NewClickStore(mode CountMode, check RangeCheck) *ClickStore {
	return &ClickStore{mode: mode, check: check}
}

func (c *ClickStore) Mode() CountMode {
	return c.mode
}

// Publish is called by the reader goroutine for every decoded reading. A reading
// rejected by the range check leaves the window's count untouched and is returned
// as an *ImplausibleReadingError.
func (c *ClickStore) Publish(reading int64) error {
	c.clickMutex.Lock()
	defer c.clickMutex.Unlock()

	if c.mode != CountCumulative {
		clicks, err := c.check.Apply(reading)
		if err != nil {
			return err
		}
		if c.mode == CountDelta {
			c.clicks += clicks
		} else {
			c.clicks = clicks
		}
		return nil
	}

	if !c.primed {
		c.last = reading
		c.primed = true
		return nil
	}
	step := reading - c.last
	// the counter is re-anchored even when the step is rejected, so one glitch
	// does not poison every following reading
	c.last = reading
	step, err := c.check.Apply(step)
	if err != nil {
		return err
	}
	c.clicks += step
	return nil
}

// Load returns the stored value without consuming it: the last raw counter value in
// cumulative mode, the window's count otherwise.
func (c *ClickStore) Load() int64 {
	c.clickMutex.Lock()
	defer c.clickMutex.Unlock()

	if c.mode == CountCumulative {
		return c.last
	}
	return c.clicks
}

// Take returns the click count for the window that is closing now.
func (c *ClickStore) Take() int64 {
	c.clickMutex.Lock()
	defer c.clickMutex.Unlock()

	if c.mode == CountLatest {
		return c.clicks
	}
	clicks := c.clicks
	c.clicks = 0
	return clicks
}
