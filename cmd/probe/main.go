package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sleepywoodpecker/rp-wheel-serial/internal/config"
	"sleepywoodpecker/rp-wheel-serial/internal/logger"
	"sleepywoodpecker/rp-wheel-serial/internal/processing"
	rserial "sleepywoodpecker/rp-wheel-serial/internal/rSerial"
	"sleepywoodpecker/rp-wheel-serial/internal/trigger"
)

func main() {
	configPath := flag.String("config", "", "path to a wheelsync yaml file")
	pulse := flag.Bool("pulse", false, "emit one trigger pulse of trigger.pulse_hold before probing")
	telegrafAddr := flag.String("telegraf", "", "udp address of a telegraf listener, e.g. 127.0.0.1:4020")
	interval := flag.Duration("interval", time.Second, "sampling interval")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if cfg.Serial.Port == "" {
		fmt.Fprintln(os.Stderr, "serial.port must not be empty")
		os.Exit(2)
	}
	if *interval <= 0 {
		fmt.Fprintln(os.Stderr, "-interval must be > 0")
		os.Exit(2)
	}

	log, err := logger.NewLogger(cfg.Log)
	if err != nil {
		panic(err)
	}

	code := run(cfg, log, *pulse, *telegrafAddr, *interval)
	_ = log.Sync()
	os.Exit(code)
}

func run(cfg *config.Config, log *zap.Logger, pulse bool, telegrafAddr string, interval time.Duration) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if pulse {
		driver, err := trigger.NewDriver(cfg.Trigger.Driver, cfg.Trigger.BaudRate, log)
		if err != nil {
			log.Error("[probe] could not build trigger driver", zap.Error(err))
			return 1
		}
		controller := trigger.NewController(driver, trigger.Settings{
			Device:   cfg.Trigger.Device,
			Channels: cfg.Trigger.Channels,
			Input:    cfg.Trigger.InputChannel,
		}, log)
		err = trigger.Within(controller, func(c *trigger.Controller) error {
			return c.Pulse(ctx, cfg.Trigger.PulseHold)
		})
		if err != nil {
			log.Error("[probe] trigger pulse failed", zap.Error(err))
			return 1
		}
	}

	mode, err := processing.ParseCountMode(cfg.Encoder.CountMode)
	if err != nil {
		log.Error("[probe] bad count mode", zap.Error(err))
		return 1
	}
	store := processing.NewClickStore(mode, processing.RangeCheck{
		MaxAbs: cfg.Encoder.MaxAbsClicks,
		Policy: processing.RangePolicy(cfg.Encoder.RangePolicy),
	})

	reader, err := rserial.NewRSerial(rserial.Options{
		PortName:    cfg.Serial.Port,
		BaudRate:    cfg.Serial.BaudRate,
		ReadTimeout: cfg.Serial.ReadTimeout,
	}, store, log)
	if err != nil {
		log.Error("[probe] could not open encoder port", zap.Error(err))
		return 1
	}
	defer reader.Close()

	// initialize UDP connection to telegraf
	var out io.Writer
	if telegrafAddr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", telegrafAddr)
		if err != nil {
			log.Error("[probe] bad telegraf address", zap.Error(err))
			return 1
		}
		udpConn, err := net.DialUDP("udp", nil, udpAddr)
		if err != nil {
			log.Error("[probe] could not dial telegraf", zap.Error(err))
			return 1
		}
		defer udpConn.Close()
		out = udpConn
	}

	stats := func() (uint64, uint64) {
		s := reader.Stats()
		return s.Accepted, s.Dropped
	}
	telemetry, err := processing.NewTelemetry(interval, out, store, stats, log)
	if err != nil {
		log.Error("[probe] bad sampling interval", zap.Error(err))
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reader.Run(gctx)
	})
	g.Go(func() error {
		telemetry.Run(gctx)
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("[probe] stopped", zap.Error(err))
		return 1
	}
	return 0
}
