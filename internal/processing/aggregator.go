package processing

import (
	"math"
	"time"

	"go.uber.org/zap"
)

type Direction int

const (
	Stationary Direction = iota
	Forward
	Backward
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	default:
		return "stationary"
	}
}

func DirectionOf(clicks int64) Direction {
	switch {
	case clicks > 0:
		return Forward
	case clicks < 0:
		return Backward
	default:
		return Stationary
	}
}

// KinematicRecord is one aggregation window. Timestamp is seconds since session start,
// Speed is m/s and Distance is the cumulative distance in meters.
type KinematicRecord struct {
	Timestamp float64
	Speed     float64
	Distance  float64
	Direction Direction
}

// Geometry converts encoder clicks to wheel travel.
type Geometry struct {
	WheelDiameter       float64 // meters
	CountsPerRevolution float64
}

func (g Geometry) Distance(clicks int64) float64 {
	rotations := float64(clicks) / g.CountsPerRevolution
	return rotations * math.Pi * g.WheelDiameter
}

type ClickSource interface {
	Take() int64
}

// RowSink receives every record as soon as it is produced.
type RowSink interface {
	LogRow(KinematicRecord) error
}

// Aggregator turns the shared click count into kinematic records, at most once per
// sample window. It is driven from the scheduler goroutine only.
type Aggregator struct {
	source        ClickSource
	geometry      Geometry
	sampleWindow  float64
	prevTime      float64
	totalDistance float64
	records       []KinematicRecord
	sink          RowSink
	logger        *zap.Logger
}

// NewAggregator builds an aggregator whose window starts at time zero. sink may be nil.
func NewAggregator(source ClickSource, geometry Geometry, sampleWindow time.Duration, sink RowSink, logger *zap.Logger) *Aggregator {
	return &Aggregator{
		source:       source,
		geometry:     geometry,
		sampleWindow: sampleWindow.Seconds(),
		sink:         sink,
		logger:       logger,
	}
}

// Reset re-arms the window to start at now. Records and total distance are kept.
func (a *Aggregator) Reset(now float64) {
	a.prevTime = now
}

// Tick is called once per scheduler tick. It reports whether a record was appended.
func (a *Aggregator) Tick(now float64) bool {
	timeInterval := now - a.prevTime
	if timeInterval < a.sampleWindow || timeInterval <= 0 {
		return false
	}

	clicks := a.source.Take()

	distance := a.geometry.Distance(clicks)
	speed := distance / timeInterval
	a.totalDistance += distance

	record := KinematicRecord{
		Timestamp: now,
		Speed:     speed,
		Distance:  a.totalDistance,
		Direction: DirectionOf(clicks),
	}
	a.records = append(a.records, record)
	a.prevTime = now

	if a.sink != nil {
		if err := a.sink.LogRow(record); err != nil {
			a.logger.Warn("[aggregator] error writing record", zap.Error(err), zap.Float64("timestamp", now))
		}
	}

	a.logger.Debug(
		"[aggregator] window closed",
		zap.Float64("timestamp", now),
		zap.Int64("clicks", clicks),
		zap.Float64("speed", speed),
		zap.Float64("totalDistance", a.totalDistance),
		zap.Stringer("direction", record.Direction),
	)
	return true
}

func (a *Aggregator) PrevTime() float64 {
	return a.prevTime
}

func (a *Aggregator) TotalDistance() float64 {
	return a.totalDistance
}

// Records returns a copy of the records produced so far, in production order.
func (a *Aggregator) Records() []KinematicRecord {
	out := make([]KinematicRecord, len(a.records))
	copy(out, a.records)
	return out
}
