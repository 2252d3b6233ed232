package trigger

import (
	"fmt"

	"go.uber.org/zap"
)

// NewDriver returns the driver named in the configuration.
func NewDriver(name string, baudRate int, logger *zap.Logger) (Driver, error) {
	switch name {
	case "dlpio8":
		return NewDLPIO8(baudRate, logger), nil
	case "none":
		return NullDriver{logger: logger}, nil
	}
	return nil, fmt.Errorf("[trigger] unknown driver %q", name)
}

// NullDriver stands in for missing hardware: writes are only logged and the input
// line always reads high.
type NullDriver struct {
	logger *zap.Logger
}

func (n NullDriver) Open(device string, channels []string, input string) (Lines, error) {
	n.logger.Warn("[trigger] no digital device configured, trigger levels are only logged", zap.Strings("channels", channels))
	return nullLines{logger: n.logger}, nil
}

type nullLines struct {
	logger *zap.Logger
}

func (n nullLines) Write(levels []bool) error {
	n.logger.Debug("[trigger] null write", zap.Bools("levels", levels))
	return nil
}

func (n nullLines) Read() (bool, error) {
	return true, nil
}

func (n nullLines) Close() error {
	return nil
}
