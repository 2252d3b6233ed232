package processing

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

const TelemetryMeasurement = "wheel"

// CounterSource is the read-only view of the shared counter.
type CounterSource interface {
	Load() int64
}

// StatsSource reports the reader's accepted and dropped line counts.
type StatsSource func() (accepted, dropped uint64)

// Telemetry periodically snapshots the latest shared value and writes it as an
// influx line, for example to a telegraf UDP listener. The snapshot never drains
// the store, so it can run next to an aggregator.
type Telemetry struct {
	interval time.Duration
	out      io.Writer
	store    CounterSource
	stats    StatsSource
	logger   *zap.Logger
}

// NewTelemetry fails on a non-positive interval. out may be nil, samples are then
// only logged.
func NewTelemetry(interval time.Duration, out io.Writer, store CounterSource, stats StatsSource, logger *zap.Logger) (*Telemetry, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("[telemetry] sampling interval must be > 0, got %s", interval)
	}
	return &Telemetry{
		interval: interval,
		out:      out,
		store:    store,
		stats:    stats,
		logger:   logger,
	}, nil
}

func FormatInflux(clicks int64, accepted, dropped uint64, at time.Time) string {
	return fmt.Sprintf("%s clicks=%di,accepted=%di,dropped=%di %d", TelemetryMeasurement, clicks, accepted, dropped, at.UnixNano())
}

func (t *Telemetry) SampleAndLog(at time.Time) {
	var accepted, dropped uint64
	if t.stats != nil {
		accepted, dropped = t.stats()
	}
	line := FormatInflux(t.store.Load(), accepted, dropped, at)

	if t.out == nil {
		t.logger.Info("[telemetry] collected sample", zap.String("influxString", line))
		return
	}
	if err := t.write(line); err != nil {
		t.logger.Warn("[telemetry] Error writing sample", zap.Error(err))
		return
	}
	t.logger.Debug("[telemetry] collected sample", zap.String("influxString", line))
}

func (t *Telemetry) Run(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t.SampleAndLog(now)
		}
	}
}

func (t *Telemetry) write(line string) error {
	data := []byte(line)
	for len(data) > 0 {
		n, err := t.out.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}
