package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "WHEELSYNC"

type Config struct {
	Serial     SerialConfig     `mapstructure:"serial"`
	Encoder    EncoderConfig    `mapstructure:"encoder"`
	Trigger    TriggerConfig    `mapstructure:"trigger"`
	Experiment ExperimentConfig `mapstructure:"experiment"`
	Log        LogConfig        `mapstructure:"log"`
}

// SerialConfig describes the link to the encoder microcontroller.
type SerialConfig struct {
	Port        string        `mapstructure:"port"`
	BaudRate    int           `mapstructure:"baud_rate"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// EncoderConfig holds the wheel geometry and the rules applied to raw click readings.
type EncoderConfig struct {
	WheelDiameter float64       `mapstructure:"wheel_diameter"` // meters
	CPR           int           `mapstructure:"cpr"`            // counts per revolution
	SampleWindow  time.Duration `mapstructure:"sample_window"`
	CountMode     string        `mapstructure:"count_mode"`     // latest | delta | cumulative
	MaxAbsClicks  int64         `mapstructure:"max_abs_clicks"` // 0 disables the range check
	RangePolicy   string        `mapstructure:"range_policy"`   // reject | clamp
}

type TriggerConfig struct {
	Driver         string        `mapstructure:"driver"` // dlpio8 | none
	Device         string        `mapstructure:"device"`
	Channels       []string      `mapstructure:"channels"`
	InputChannel   string        `mapstructure:"input_channel"`
	BaudRate       int           `mapstructure:"baud_rate"`
	WaitForTrigger bool          `mapstructure:"wait_for_trigger"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	WaitTimeout    time.Duration `mapstructure:"wait_timeout"` // 0 waits forever
	PulseHold      time.Duration `mapstructure:"pulse_hold"`
}

type ExperimentConfig struct {
	Protocol       string        `mapstructure:"protocol"`
	Subject        string        `mapstructure:"subject"`
	Session        string        `mapstructure:"session"`
	OutputRoot     string        `mapstructure:"output_root"`
	Trials         int           `mapstructure:"trials"`
	Orientations   []float64     `mapstructure:"orientations"`
	BlankOnset     time.Duration `mapstructure:"blank_onset"`
	GratingOnset   time.Duration `mapstructure:"grating_onset"`
	TrialDuration  time.Duration `mapstructure:"trial_duration"`
	FrameRate      float64       `mapstructure:"frame_rate"`
	FrameTolerance time.Duration `mapstructure:"frame_tolerance"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"` // empty logs to the console only
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// Load reads defaults, then the config file (if any), then WHEELSYNC_* environment
// variables. An empty path looks for wheelsync.yaml in the working directory and
// tolerates its absence.
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("wheelsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("serial.port", "/dev/ttyACM0")
	v.SetDefault("serial.baud_rate", 57600)
	v.SetDefault("serial.read_timeout", "100ms")

	v.SetDefault("encoder.wheel_diameter", 0.1)
	v.SetDefault("encoder.cpr", 1200)
	v.SetDefault("encoder.sample_window", "50ms")
	v.SetDefault("encoder.count_mode", "latest")
	v.SetDefault("encoder.max_abs_clicks", 0)
	v.SetDefault("encoder.range_policy", "reject")

	v.SetDefault("trigger.driver", "none")
	v.SetDefault("trigger.device", "/dev/ttyUSB0")
	v.SetDefault("trigger.channels", []string{"line1"})
	v.SetDefault("trigger.input_channel", "line2")
	v.SetDefault("trigger.baud_rate", 9600)
	v.SetDefault("trigger.wait_for_trigger", false)
	v.SetDefault("trigger.poll_interval", "10ms")
	v.SetDefault("trigger.wait_timeout", "0s")
	v.SetDefault("trigger.pulse_hold", "1s")

	v.SetDefault("experiment.protocol", "protocol")
	v.SetDefault("experiment.subject", "000")
	v.SetDefault("experiment.session", "01")
	v.SetDefault("experiment.output_root", "data")
	v.SetDefault("experiment.trials", 8)
	v.SetDefault("experiment.orientations", []float64{0, 45, 90, 135, 180, 225, 270, 315})
	v.SetDefault("experiment.blank_onset", "0s")
	v.SetDefault("experiment.grating_onset", "3s")
	v.SetDefault("experiment.trial_duration", "5s")
	v.SetDefault("experiment.frame_rate", 60.0)
	v.SetDefault("experiment.frame_tolerance", "1ms")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "wheelsync.logs")
	v.SetDefault("log.max_size", 50)
	v.SetDefault("log.max_age", 30)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", false)
}

// Validate checks the invariants the rest of the code relies on.
func (c *Config) Validate() error {
	if c.Serial.Port == "" {
		return errors.New("serial.port must not be empty")
	}
	if c.Serial.BaudRate <= 0 {
		return errors.New("serial.baud_rate must be > 0")
	}
	if c.Serial.ReadTimeout <= 0 {
		return errors.New("serial.read_timeout must be > 0 so the reader can notice shutdown")
	}

	if c.Encoder.WheelDiameter <= 0 {
		return errors.New("encoder.wheel_diameter must be > 0")
	}
	if c.Encoder.CPR <= 0 {
		return errors.New("encoder.cpr must be > 0")
	}
	if c.Encoder.SampleWindow <= 0 {
		return errors.New("encoder.sample_window must be > 0")
	}
	switch c.Encoder.CountMode {
	case "latest", "delta", "cumulative":
	default:
		return fmt.Errorf("encoder.count_mode must be latest, delta or cumulative, got %q", c.Encoder.CountMode)
	}
	if c.Encoder.MaxAbsClicks < 0 {
		return errors.New("encoder.max_abs_clicks must be >= 0")
	}
	if c.Encoder.RangePolicy != "reject" && c.Encoder.RangePolicy != "clamp" {
		return fmt.Errorf("encoder.range_policy must be reject or clamp, got %q", c.Encoder.RangePolicy)
	}

	switch c.Trigger.Driver {
	case "none":
	case "dlpio8":
		if c.Trigger.Device == "" {
			return errors.New("trigger.device must not be empty for the dlpio8 driver")
		}
		if c.Trigger.BaudRate <= 0 {
			return errors.New("trigger.baud_rate must be > 0")
		}
	default:
		return fmt.Errorf("trigger.driver must be dlpio8 or none, got %q", c.Trigger.Driver)
	}
	if len(c.Trigger.Channels) == 0 {
		return errors.New("trigger.channels must not be empty")
	}
	if c.Trigger.WaitForTrigger && c.Trigger.InputChannel == "" {
		return errors.New("trigger.input_channel is required when trigger.wait_for_trigger is set")
	}
	if c.Trigger.PollInterval <= 0 {
		return errors.New("trigger.poll_interval must be > 0")
	}
	if c.Trigger.WaitTimeout < 0 {
		return errors.New("trigger.wait_timeout must be >= 0")
	}

	e := c.Experiment
	if e.Protocol == "" || e.Subject == "" || e.Session == "" {
		return errors.New("experiment.protocol, experiment.subject and experiment.session are required")
	}
	if e.Trials <= 0 {
		return errors.New("experiment.trials must be > 0")
	}
	if len(e.Orientations) == 0 {
		return errors.New("experiment.orientations must not be empty")
	}
	if e.BlankOnset < 0 || e.GratingOnset < e.BlankOnset {
		return errors.New("experiment.grating_onset must be >= experiment.blank_onset >= 0")
	}
	if e.TrialDuration <= e.GratingOnset {
		return errors.New("experiment.trial_duration must be > experiment.grating_onset")
	}
	if e.FrameRate <= 0 || e.FrameRate > 1000 {
		return errors.New("experiment.frame_rate must be between 0 and 1000")
	}
	if e.FrameTolerance < 0 {
		return errors.New("experiment.frame_tolerance must be >= 0")
	}

	if c.Log.Level == "" {
		return errors.New("log.level must not be empty")
	}
	return nil
}
