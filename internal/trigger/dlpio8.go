package trigger

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"
)

// DLP-IO8 command bytes. Lines are numbered 1 to 8.
const (
	dlpPing       = 0x27
	dlpPong       = 'Q'
	dlpBinaryMode = 0x5C
	dlpLineCount  = 8
)

var (
	dlpSetHigh = [dlpLineCount]byte{'1', '2', '3', '4', '5', '6', '7', '8'}
	dlpSetLow  = [dlpLineCount]byte{'Q', 'W', 'E', 'R', 'T', 'Y', 'U', 'I'}
	dlpRead    = [dlpLineCount]byte{'A', 'S', 'D', 'F', 'G', 'H', 'J', 'K'}
)

type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

type PortOpener func(device string, mode *serial.Mode) (Port, error)

func openSerial(device string, mode *serial.Mode) (Port, error) {
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// DLPIO8 drives a DLP-IO8 USB digital I/O box over its serial interface.
// The device name is the serial port path.
type DLPIO8 struct {
	BaudRate    int
	ReadTimeout time.Duration
	open        PortOpener
	logger      *zap.Logger
}

func NewDLPIO8(baudRate int, logger *zap.Logger) *DLPIO8 {
	return &DLPIO8{
		BaudRate:    baudRate,
		ReadTimeout: 500 * time.Millisecond,
		open:        openSerial,
		logger:      logger,
	}
}

func (d *DLPIO8) Open(device string, channels []string, input string) (Lines, error) {
	outputs := make([]int, len(channels))
	for i, channel := range channels {
		line, err := ParseLine(channel)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		outputs[i] = line
	}

	inputLine := 0
	if input != "" {
		line, err := ParseLine(input)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
		}
		inputLine = line
	}

	mode := &serial.Mode{
		BaudRate: d.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := d.open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrDeviceUnavailable, device, err)
	}

	if err := d.handshake(port); err != nil {
		port.Close()
		return nil, fmt.Errorf("%w: %s: %v", ErrDeviceUnavailable, device, err)
	}

	d.logger.Debug("[dlpio8] device ready", zap.String("device", device), zap.Ints("outputs", outputs), zap.Int("input", inputLine))
	return &dlpLines{port: port, outputs: outputs, input: inputLine}, nil
}

func (d *DLPIO8) handshake(port Port) error {
	if err := port.SetReadTimeout(d.ReadTimeout); err != nil {
		return err
	}

	if _, err := port.Write([]byte{dlpPing}); err != nil {
		return err
	}
	buf := make([]byte, 1)
	n, err := port.Read(buf)
	if err != nil {
		return err
	}
	if n != 1 || buf[0] != dlpPong {
		return errors.New("device did not respond to ping correctly")
	}

	_, err = port.Write([]byte{dlpBinaryMode})
	return err
}

// ParseLine maps a channel path such as "line3" or "port0/line3" to its line number.
func ParseLine(channel string) (int, error) {
	name := channel
	if idx := strings.LastIndexByte(name, '/'); idx >= 0 {
		name = name[idx+1:]
	}
	name = strings.TrimPrefix(strings.ToLower(name), "line")

	line, err := strconv.Atoi(name)
	if err != nil || line < 1 || line > dlpLineCount {
		return 0, fmt.Errorf("invalid channel %q, want line1 to line%d", channel, dlpLineCount)
	}
	return line, nil
}

type dlpLines struct {
	port    Port
	outputs []int
	input   int
}

func (l *dlpLines) Write(levels []bool) error {
	if len(levels) != len(l.outputs) {
		return fmt.Errorf("got %d levels for %d lines", len(levels), len(l.outputs))
	}

	cmd := make([]byte, len(levels))
	for i, high := range levels {
		if high {
			cmd[i] = dlpSetHigh[l.outputs[i]-1]
		} else {
			cmd[i] = dlpSetLow[l.outputs[i]-1]
		}
	}
	_, err := l.port.Write(cmd)
	return err
}

func (l *dlpLines) Read() (bool, error) {
	if l.input == 0 {
		return false, errors.New("no input channel configured")
	}

	if _, err := l.port.Write([]byte{dlpRead[l.input-1]}); err != nil {
		return false, err
	}

	buf := make([]byte, 1)
	n, err := l.port.Read(buf)
	if err != nil {
		return false, err
	}
	if n != 1 {
		return false, errors.New("no response from device")
	}
	return buf[0] != 0, nil
}

func (l *dlpLines) Close() error {
	return l.port.Close()
}
