package schedule

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PacedPresenter is a headless presenter: it draws nothing, logs what would be on
// screen whenever it changes and paces frames at a fixed refresh rate.
type PacedPresenter struct {
	ticker    *time.Ticker
	logger    *zap.Logger
	lastTrial int
	lastPhase Phase
}

func NewPacedPresenter(frameRate float64, logger *zap.Logger) *PacedPresenter {
	return &PacedPresenter{
		ticker:    time.NewTicker(time.Duration(float64(time.Second) / frameRate)),
		logger:    logger,
		lastTrial: -1,
	}
}

func (p *PacedPresenter) PresentFrame(ctx context.Context, frame Frame) error {
	if frame.Trial != p.lastTrial || frame.Phase != p.lastPhase {
		p.logger.Info(
			"[presenter] showing",
			zap.Int("trial", frame.Trial),
			zap.Stringer("phase", frame.Phase),
			zap.Float64("orientation", frame.Orientation),
			zap.Float64("t", frame.Now),
		)
		p.lastTrial, p.lastPhase = frame.Trial, frame.Phase
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-p.ticker.C:
		return nil
	}
}

func (p *PacedPresenter) Stop() {
	p.ticker.Stop()
}

// LineKeys turns lines read from r (for example a terminal) into key presses.
// "esc", "q" and "escape" all map to EscapeKey.
type LineKeys struct {
	mu      sync.Mutex
	pending []string
}

func NewLineKeys(r io.Reader) *LineKeys {
	k := &LineKeys{}
	go k.scan(r)
	return k
}

func (k *LineKeys) scan(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		key := strings.ToLower(strings.TrimSpace(scanner.Text()))
		switch key {
		case "":
			continue
		case "esc", "q":
			key = EscapeKey
		}

		k.mu.Lock()
		k.pending = append(k.pending, key)
		k.mu.Unlock()
	}
}

// Keys returns and clears the keys seen since the last call.
func (k *LineKeys) Keys() []string {
	k.mu.Lock()
	defer k.mu.Unlock()

	keys := k.pending
	k.pending = nil
	return keys
}
