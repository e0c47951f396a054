package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// SupportedRates are the EEG sampling rates an acquisition may be started with.
var SupportedRates = []int{500, 1000, 2000, 4000, 8000, 16000}

func ValidRate(rate int) bool {
	for _, r := range SupportedRates {
		if r == rate {
			return true
		}
	}
	return false
}

type Config struct {
	Device             string              `yaml:"device"`
	PlaybackLocation   string              `yaml:"playback_location"`
	SamplingRate       int                 `yaml:"sampling_rate"`
	Channels           []int               `yaml:"channels,flow,omitempty"`
	SkipImpedance      bool                `yaml:"skip_impedance"`
	ImpedanceChannels  int                 `yaml:"impedance_channels"`
	LinkOnStart        bool                `yaml:"link_on_start"`
	StallTimeout       time.Duration       `yaml:"stall_timeout"`
	Transport          string              `yaml:"transport"`
	OutputDestinations []OutputDestination `yaml:"output_destinations"`
	ZMQEndpoint        string              `yaml:"zmq_endpoint"`
	AnnounceInterval   time.Duration       `yaml:"announce_interval"`
	RecordLocation     string              `yaml:"record_location"`
	RecordRange        float64             `yaml:"record_range_uv"`
	LogFile            string              `yaml:"log_file"`
	LogLevel           string              `yaml:"log_level"`
	Sim                Sim                 `yaml:"sim"`
	Playback           struct {
		ChunkSize     int `yaml:"chunk_size"`
		TriggerSignal int `yaml:"trigger_signal"`
	} `yaml:"playback"`
	VizServer struct {
		Port           int           `yaml:"port"`
		UpdateInterval time.Duration `yaml:"update_interval_ms"`
		PreviewLength  int           `yaml:"preview_length"`
	} `yaml:"viz_server"`
	APIServer struct {
		Port int `yaml:"port"`
	} `yaml:"api_server"`
	InfluxDB struct {
		Host         string `yaml:"host"`
		Organization string `yaml:"organization"`
		Bucket       string `yaml:"bucket"`
	} `yaml:"influxdb"`
}

type OutputDestination struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type Sim struct {
	Serial        string        `yaml:"serial"`
	Channels      int           `yaml:"channels"`
	ReadInterval  time.Duration `yaml:"read_interval"`
	Amplitude     float64       `yaml:"amplitude_uv"`
	Frequency     float64       `yaml:"frequency_hz"`
	TriggerPeriod int           `yaml:"trigger_period"`
	TriggerWidth  int           `yaml:"trigger_width"`
}

func Default() Config {
	var c Config
	c.Device = "sim"
	c.SamplingRate = 500
	c.ImpedanceChannels = 32
	c.StallTimeout = 5 * time.Second
	c.Transport = "udp"
	c.OutputDestinations = []OutputDestination{{Host: "localhost", Port: 16571}}
	c.ZMQEndpoint = "tcp://*:5560"
	c.AnnounceInterval = 5 * time.Second
	c.LogLevel = "info"
	c.Sim.Channels = 8
	c.Sim.ReadInterval = 20 * time.Millisecond
	c.Sim.TriggerPeriod = 1000
	c.Sim.TriggerWidth = 50
	c.Playback.ChunkSize = 32
	c.Playback.TriggerSignal = -1
	c.VizServer.Port = 8080
	c.VizServer.UpdateInterval = 500 * time.Millisecond
	c.VizServer.PreviewLength = 1024
	c.APIServer.Port = 8081
	return c
}

// Load reads a yaml file on top of the defaults.
func Load(path string) (Config, error) {
	c := Default()
	contents, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("error reading config file: %w", err)
	}
	if err := yaml.Unmarshal(contents, &c); err != nil {
		return c, fmt.Errorf("error unmarshaling yaml file: %w", err)
	}
	return c, c.Validate()
}

func Save(path string, c Config) error {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("could not prepare settings for saving: %w", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("could not write to config file: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	if !ValidRate(c.SamplingRate) {
		return fmt.Errorf("sampling_rate %d not one of %v", c.SamplingRate, SupportedRates)
	}
	switch c.Device {
	case "sim":
	case "file":
		if c.PlaybackLocation == "" {
			return fmt.Errorf("device file requires playback_location")
		}
	default:
		return fmt.Errorf("unknown device %q", c.Device)
	}
	switch c.Transport {
	case "udp":
		if len(c.OutputDestinations) == 0 {
			return fmt.Errorf("transport udp requires output_destinations")
		}
	case "zmq":
		if c.ZMQEndpoint == "" {
			return fmt.Errorf("transport zmq requires zmq_endpoint")
		}
	case "none":
		if c.RecordLocation == "" {
			return fmt.Errorf("transport none requires record_location")
		}
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.ImpedanceChannels < 0 {
		return fmt.Errorf("impedance_channels must not be negative")
	}
	if c.StallTimeout < 0 {
		return fmt.Errorf("stall_timeout must not be negative")
	}
	if c.VizServer.Port != 0 {
		if c.VizServer.PreviewLength <= 0 {
			return fmt.Errorf("viz_server.preview_length must be positive, got %d", c.VizServer.PreviewLength)
		}
		if c.VizServer.UpdateInterval <= 0 {
			return fmt.Errorf("viz_server.update_interval_ms must be positive")
		}
	}
	return nil
}
