package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"sleepywoodpecker/rp-wheel-serial/internal/config"
	"sleepywoodpecker/rp-wheel-serial/internal/logger"
	"sleepywoodpecker/rp-wheel-serial/internal/schedule"
	"sleepywoodpecker/rp-wheel-serial/internal/session"
	"sleepywoodpecker/rp-wheel-serial/internal/trigger"
)

func main() {
	configPath := flag.String("config", "", "path to a wheelsync yaml file")
	protocol := flag.String("protocol", "", "protocol name, overrides experiment.protocol")
	subject := flag.String("subject", "", "subject id, overrides experiment.subject")
	sessionID := flag.String("session", "", "session id, overrides experiment.session")
	trials := flag.Int("trials", 0, "number of trials, overrides experiment.trials")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *protocol != "" {
		cfg.Experiment.Protocol = *protocol
	}
	if *subject != "" {
		cfg.Experiment.Subject = *subject
	}
	if *sessionID != "" {
		cfg.Experiment.Session = *sessionID
	}
	if *trials > 0 {
		cfg.Experiment.Trials = *trials
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	// first initialize the main logger
	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}

	code := run(cfg, log)
	_ = log.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, log *zap.Logger) int {
	// context handler for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver, err := trigger.NewDriver(cfg.Trigger.Driver, cfg.Trigger.BaudRate, log)
	if err != nil {
		log.Error("[main] could not build trigger driver", zap.Error(err))
		return 1
	}

	presenter := schedule.NewPacedPresenter(cfg.Experiment.FrameRate, log)
	defer presenter.Stop()

	sess, err := session.New(cfg, session.Deps{
		Presenter: presenter,
		Keys:      schedule.NewLineKeys(os.Stdin),
		Driver:    driver,
	}, log)
	if err != nil {
		log.Error("[main] could not start session", zap.Error(err))
		return 1
	}
	defer sess.Close()

	log.Info(
		"[main] session ready",
		zap.String("sessionID", sess.ID.String()),
		zap.String("output", sess.OutputFile()),
		zap.String("serialPort", cfg.Serial.Port),
	)

	err = sess.Run(ctx)
	switch {
	case err == nil:
		return 0
	case errors.Is(err, schedule.ErrAborted), errors.Is(err, context.Canceled):
		log.Warn("[main] session ended early", zap.Error(err))
		return 0
	default:
		log.Error("[main] session failed", zap.Error(err))
		return 1
	}
}
