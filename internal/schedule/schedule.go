package schedule

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

var ErrAborted = errors.New("[scheduler] aborted by escape key")

const EscapeKey = "escape"

var DefaultOrientations = []float64{0, 45, 90, 135, 180, 225, 270, 315}

// Clock is the session time base: monotonic seconds since session start.
type Clock interface {
	Now() float64
}

type SessionClock struct {
	start time.Time
}

func NewSessionClock() *SessionClock {
	return &SessionClock{start: time.Now()}
}

// Now uses the monotonic reading carried by start.
func (c *SessionClock) Now() float64 {
	return time.Since(c.start).Seconds()
}

func (c *SessionClock) Started() time.Time {
	return c.start
}

type Phase int

const (
	PhaseIdle Phase = iota
	PhaseBlank
	PhaseGrating
)

func (p Phase) String() string {
	switch p {
	case PhaseBlank:
		return "blank"
	case PhaseGrating:
		return "grating"
	default:
		return "idle"
	}
}

// Frame is what the presentation layer draws on one refresh.
type Frame struct {
	Now         float64 // session seconds
	FrameIndex  int     // 0 is the first frame of the trial
	Trial       int
	Phase       Phase
	Orientation float64
	DriftPhase  float64 // seconds since trial start, drives the grating drift
}

// Presenter draws a frame and returns once it is on screen, which paces the loop.
type Presenter interface {
	PresentFrame(ctx context.Context, frame Frame) error
}

// KeySource is polled once per frame for pending key names.
type KeySource interface {
	Keys() []string
}

// Sampler is called exactly once per tick, including the tick that ends a trial.
type Sampler interface {
	Reset(now float64)
	Tick(now float64) bool
}

// Plan times one trial relative to its start.
type Plan struct {
	Trials         int
	Orientations   []float64
	BlankOnset     time.Duration
	GratingOnset   time.Duration
	TrialDuration  time.Duration
	FrameTolerance time.Duration
}

// Reached reports whether a transition scheduled at at fires on a tick at now.
func Reached(now, at, tolerance float64) bool {
	return now >= at-tolerance
}

type OrientationCycle struct {
	angles []float64
	next   int
}

func NewOrientationCycle(angles []float64) *OrientationCycle {
	if len(angles) == 0 {
		angles = DefaultOrientations
	}
	return &OrientationCycle{angles: angles}
}

func (o *OrientationCycle) Next() float64 {
	angle := o.angles[o.next]
	o.next = (o.next + 1) % len(o.angles)
	return angle
}

type TrialResult struct {
	Trial        int
	Orientation  float64
	Start        float64
	GratingStart float64
	End          float64
	Frames       int
}

type Scheduler struct {
	plan         Plan
	clock        Clock
	presenter    Presenter
	keys         KeySource
	sampler      Sampler
	orientations *OrientationCycle
	logger       *zap.Logger
}

// NewScheduler wires the frame loop. keys may be nil.
func NewScheduler(plan Plan, clock Clock, presenter Presenter, keys KeySource, sampler Sampler, logger *zap.Logger) *Scheduler {
	return &Scheduler{
		plan:         plan,
		clock:        clock,
		presenter:    presenter,
		keys:         keys,
		sampler:      sampler,
		orientations: NewOrientationCycle(plan.Orientations),
		logger:       logger,
	}
}

// Run plays every trial in order. The results of completed trials are returned even
// when a later trial fails or is aborted.
func (s *Scheduler) Run(ctx context.Context) ([]TrialResult, error) {
	results := make([]TrialResult, 0, s.plan.Trials)
	for trial := 0; trial < s.plan.Trials; trial++ {
		result, err := s.runTrial(ctx, trial)
		if err != nil {
			return results, err
		}
		results = append(results, result)
	}
	return results, nil
}

func (s *Scheduler) runTrial(ctx context.Context, trial int) (TrialResult, error) {
	tolerance := s.plan.FrameTolerance.Seconds()
	blankOnset := s.plan.BlankOnset.Seconds()
	gratingOnset := s.plan.GratingOnset.Seconds()
	duration := s.plan.TrialDuration.Seconds()

	result := TrialResult{
		Trial:       trial,
		Orientation: s.orientations.Next(),
		Start:       s.clock.Now(),
	}
	s.sampler.Reset(result.Start)

	s.logger.Info("[scheduler] starting trial", zap.Int("trial", trial), zap.Float64("orientation", result.Orientation))

	phase := PhaseIdle
	for frameIndex := 0; ; frameIndex++ {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		now := s.clock.Now()
		t := now - result.Start

		// the tick that ends the trial is sampled too
		s.sampler.Tick(now)

		if Reached(t, duration, tolerance) {
			result.End = now
			result.Frames = frameIndex
			break
		}

		next := phase
		if phase < PhaseGrating && Reached(t, gratingOnset, tolerance) {
			next = PhaseGrating
			result.GratingStart = now
		} else if phase < PhaseBlank && Reached(t, blankOnset, tolerance) {
			next = PhaseBlank
		}
		if next != phase {
			s.logger.Debug("[scheduler] phase change", zap.Int("trial", trial), zap.Stringer("phase", next), zap.Int("frame", frameIndex), zap.Float64("t", t))
			phase = next
		}

		if s.escapePressed() {
			s.logger.Warn("[scheduler] escape pressed, ending experiment", zap.Int("trial", trial))
			return result, ErrAborted
		}

		frame := Frame{
			Now:         now,
			FrameIndex:  frameIndex,
			Trial:       trial,
			Phase:       phase,
			Orientation: result.Orientation,
			DriftPhase:  t,
		}
		if err := s.presenter.PresentFrame(ctx, frame); err != nil {
			return result, err
		}
	}

	s.logger.Info("[scheduler] trial finished", zap.Int("trial", trial), zap.Int("frames", result.Frames))
	return result, nil
}

func (s *Scheduler) escapePressed() bool {
	if s.keys == nil {
		return false
	}
	for _, key := range s.keys.Keys() {
		if key == EscapeKey {
			return true
		}
	}
	return false
}
