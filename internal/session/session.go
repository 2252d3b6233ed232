package session

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sleepywoodpecker/rp-wheel-serial/internal/config"
	"sleepywoodpecker/rp-wheel-serial/internal/processing"
	rserial "sleepywoodpecker/rp-wheel-serial/internal/rSerial"
	"sleepywoodpecker/rp-wheel-serial/internal/schedule"
	"sleepywoodpecker/rp-wheel-serial/internal/trigger"
)

const TimestampLayout = "20060102_150405"

// OutputPath composes the per-session wheel data file name.
func OutputPath(root, protocol, subject, session string, started time.Time) string {
	dir := filepath.Join(root, protocol, "sub-"+subject, "ses-"+session, "beh")
	name := fmt.Sprintf("sub-%s_ses-%s_%s_wheeldf.csv", subject, session, started.Format(TimestampLayout))
	return filepath.Join(dir, name)
}

// Deps are the collaborators a session does not build itself.
type Deps struct {
	Presenter schedule.Presenter
	Keys      schedule.KeySource // optional
	Driver    trigger.Driver
	OpenPort  rserial.OpenFunc // nil opens a real serial port
	Clock     schedule.Clock   // nil uses a SessionClock
	Started   time.Time        // zero uses time.Now
}

type Session struct {
	ID         uuid.UUID
	cfg        *config.Config
	logger     *zap.Logger
	reader     *rserial.RSerial
	aggregator *processing.Aggregator
	recorder   *processing.Recorder
	controller *trigger.Controller
	scheduler  *schedule.Scheduler
	results    []schedule.TrialResult
}

// New builds every component, opens the encoder port and checks that the trigger
// channels can be bound. Either failure fails the whole session before anything starts.
func New(cfg *config.Config, deps Deps, logger *zap.Logger) (*Session, error) {
	mode, err := processing.ParseCountMode(cfg.Encoder.CountMode)
	if err != nil {
		return nil, err
	}

	id := uuid.New()
	logger = logger.With(zap.String("sessionID", id.String()))

	clock := deps.Clock
	started := deps.Started
	if clock == nil {
		sessionClock := schedule.NewSessionClock()
		clock = sessionClock
		if started.IsZero() {
			started = sessionClock.Started()
		}
	}
	if started.IsZero() {
		started = time.Now()
	}

	store := processing.NewClickStore(mode, processing.RangeCheck{
		MaxAbs: cfg.Encoder.MaxAbsClicks,
		Policy: processing.RangePolicy(cfg.Encoder.RangePolicy),
	})

	reader, err := rserial.NewRSerial(rserial.Options{
		PortName:    cfg.Serial.Port,
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout,
		Open:        deps.OpenPort,
	}, store, logger)
	if err != nil {
		return nil, err
	}

	exp := cfg.Experiment
	recorder := processing.NewRecorder(OutputPath(exp.OutputRoot, exp.Protocol, exp.Subject, exp.Session, started), logger)

	geometry := processing.Geometry{
		WheelDiameter:       cfg.Encoder.WheelDiameter,
		CountsPerRevolution: float64(cfg.Encoder.CPR),
	}
	aggregator := processing.NewAggregator(store, geometry, cfg.Encoder.SampleWindow, recorder, logger)

	controller := trigger.NewController(deps.Driver, trigger.Settings{
		Device:   cfg.Trigger.Device,
		Channels: cfg.Trigger.Channels,
		Input:    cfg.Trigger.InputChannel,
	}, logger)
	if err := trigger.Within(controller, func(*trigger.Controller) error { return nil }); err != nil {
		return nil, multierr.Append(err, reader.Close())
	}

	plan := schedule.Plan{
		Trials:         exp.Trials,
		Orientations:   exp.Orientations,
		BlankOnset:     exp.BlankOnset,
		GratingOnset:   exp.GratingOnset,
		TrialDuration:  exp.TrialDuration,
		FrameTolerance: exp.FrameTolerance,
	}
	scheduler := schedule.NewScheduler(plan, clock, deps.Presenter, deps.Keys, aggregator, logger)

	return &Session{
		ID:         id,
		cfg:        cfg,
		logger:     logger,
		reader:     reader,
		aggregator: aggregator,
		recorder:   recorder,
		controller: controller,
		scheduler:  scheduler,
	}, nil
}

// Run starts acquisition, gates on the external trigger if configured, plays the
// trials and tears everything down. Acquisition is joined before Run returns.
func (s *Session) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	acquisitionCtx, stopAcquisition := context.WithCancel(gctx)
	defer stopAcquisition()

	g.Go(func() error {
		return s.reader.Run(acquisitionCtx)
	})

	g.Go(func() error {
		defer stopAcquisition()
		return s.runExperiment(gctx)
	})

	err := g.Wait()

	stats := s.reader.Stats()
	s.logger.Info(
		"[session] finished",
		zap.Int("trials", len(s.results)),
		zap.Int("records", s.recorder.Rows()),
		zap.Float64("totalDistance", s.aggregator.TotalDistance()),
		zap.Uint64("accepted", stats.Accepted),
		zap.Uint64("dropped", stats.Dropped),
		zap.Error(err),
	)
	return err
}

func (s *Session) runExperiment(ctx context.Context) (err error) {
	if err := s.recorder.Open(); err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, s.recorder.Close())
	}()

	if s.cfg.Trigger.WaitForTrigger {
		err := trigger.Within(s.controller, func(c *trigger.Controller) error {
			if err := c.Trigger(false); err != nil {
				return err
			}
			return c.WaitForRisingEdge(ctx, s.cfg.Trigger.PollInterval, s.cfg.Trigger.WaitTimeout)
		})
		if err != nil {
			return err
		}
	}

	err = trigger.Within(s.controller, func(c *trigger.Controller) error {
		return c.Trigger(true)
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, trigger.Within(s.controller, func(c *trigger.Controller) error {
			return c.Trigger(false)
		}))
	}()

	s.logger.Info("[session] experiment started", zap.Int("trials", s.cfg.Experiment.Trials))

	s.results, err = s.scheduler.Run(ctx)
	return err
}

// Close releases the encoder port if Run was never called.
func (s *Session) Close() error {
	return s.reader.Close()
}

func (s *Session) Results() []schedule.TrialResult {
	return s.results
}

func (s *Session) Records() []processing.KinematicRecord {
	return s.aggregator.Records()
}

func (s *Session) OutputFile() string {
	return s.recorder.Filename
}

func (s *Session) ReaderStats() rserial.Stats {
	return s.reader.Stats()
}
