package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Config represents the rigbridge configuration
type Config struct {
	Radio struct {
		// Serial link
		Device            string `yaml:"device"`
		PreferredBaud     int    `yaml:"preferred_baud"`
		CandidateBauds    []int  `yaml:"candidate_bauds"`
		ProbeWindowMs     int    `yaml:"probe_window_ms"`
		BusyRetryMs       int    `yaml:"busy_retry_ms"`
		ResponseTimeoutMs int    `yaml:"response_timeout_ms"`
		Tries             int    `yaml:"tries"`
		SettleMs          int    `yaml:"settle_ms"`
		ATUTimeoutMs      int    `yaml:"atu_timeout_ms"`

		// Run against the built-in simulator instead of a serial device
		Simulate       bool   `yaml:"simulate"`
		SimulateFamily string `yaml:"simulate_family"`
	} `yaml:"radio"`

	Locks struct {
		FastMs     int `yaml:"fast_ms"`
		StandardMs int `yaml:"standard_ms"`
		CriticalMs int `yaml:"critical_ms"`
		FT8Ms      int `yaml:"ft8_ms"`
	} `yaml:"locks"`

	FT8 struct {
		SymbolMs       int `yaml:"symbol_ms"`
		ToneSpacingMHz int `yaml:"tone_spacing_mhz"` // milli-Hz
		PowerWatts     int `yaml:"power_watts"`
	} `yaml:"ft8"`

	Web struct {
		Port        int    `yaml:"port"`
		BindAddress string `yaml:"bind_address"`
		SocketPath  string `yaml:"socket_path"`
	} `yaml:"web"`

	Storage struct {
		DatabasePath string `yaml:"database_path"`
		MaxRecords   int    `yaml:"max_records"`
	} `yaml:"storage"`

	Logging struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file"`
		Console    bool   `yaml:"console"`
		Structured bool   `yaml:"structured"`
		MaxSize    int    `yaml:"max_size"`
		MaxBackups int    `yaml:"max_backups"`
		MaxAge     int    `yaml:"max_age"`
		Compress   bool   `yaml:"compress"`
	} `yaml:"logging"`
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyDefaults()
	return &config, nil
}

// Default returns a configuration with every default applied
func Default() *Config {
	var config Config
	config.ApplyDefaults()
	return &config
}

// ApplyDefaults fills in zero values
func (c *Config) ApplyDefaults() {
	if c.Radio.Device == "" {
		c.Radio.Device = "/dev/ttyUSB0"
	}
	if c.Radio.PreferredBaud == 0 {
		c.Radio.PreferredBaud = 38400
	}
	if len(c.Radio.CandidateBauds) == 0 {
		c.Radio.CandidateBauds = []int{38400, 19200, 9600, 4800}
	}
	if c.Radio.ProbeWindowMs == 0 {
		c.Radio.ProbeWindowMs = 100
	}
	if c.Radio.BusyRetryMs == 0 {
		c.Radio.BusyRetryMs = 30
	}
	if c.Radio.ResponseTimeoutMs == 0 {
		c.Radio.ResponseTimeoutMs = 200
	}
	if c.Radio.Tries == 0 {
		c.Radio.Tries = 3
	}
	if c.Radio.SettleMs == 0 {
		c.Radio.SettleMs = 50
	}
	if c.Radio.ATUTimeoutMs == 0 {
		c.Radio.ATUTimeoutMs = 8000
	}
	if c.Radio.SimulateFamily == "" {
		c.Radio.SimulateFamily = "KX3"
	}
	if c.Locks.FastMs == 0 {
		c.Locks.FastMs = 500
	}
	if c.Locks.StandardMs == 0 {
		c.Locks.StandardMs = 2000
	}
	if c.Locks.CriticalMs == 0 {
		c.Locks.CriticalMs = 10000
	}
	if c.Locks.FT8Ms == 0 {
		c.Locks.FT8Ms = 20000
	}
	if c.FT8.SymbolMs == 0 {
		c.FT8.SymbolMs = 160
	}
	if c.FT8.ToneSpacingMHz == 0 {
		c.FT8.ToneSpacingMHz = 6250
	}
	if c.FT8.PowerWatts == 0 {
		c.FT8.PowerWatts = 5
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8080
	}
	if c.Web.BindAddress == "" {
		c.Web.BindAddress = "0.0.0.0"
	}
	if c.Web.SocketPath == "" {
		c.Web.SocketPath = "/tmp/rigbridge.sock"
	}
	if c.Storage.MaxRecords == 0 {
		c.Storage.MaxRecords = 1000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSize == 0 {
		c.Logging.MaxSize = 10
	}
	if c.Logging.MaxBackups == 0 {
		c.Logging.MaxBackups = 3
	}
	if c.Logging.MaxAge == 0 {
		c.Logging.MaxAge = 30
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !c.Radio.Simulate && c.Radio.Device == "" {
		return fmt.Errorf("radio device is required")
	}
	found := false
	for _, baud := range c.Radio.CandidateBauds {
		if baud <= 0 {
			return fmt.Errorf("invalid candidate baud rate %d", baud)
		}
		if baud == c.Radio.PreferredBaud {
			found = true
		}
	}
	if !found {
		return fmt.Errorf("preferred baud rate %d is not among the candidates", c.Radio.PreferredBaud)
	}
	if c.Radio.Tries < 1 {
		return fmt.Errorf("radio tries must be at least 1")
	}
	switch c.Radio.SimulateFamily {
	case "KX2", "KX3", "KH1":
	default:
		return fmt.Errorf("unknown simulate family %q", c.Radio.SimulateFamily)
	}
	if c.Locks.FT8Ms <= 79*c.FT8.SymbolMs {
		return fmt.Errorf("ft8 lock tier %dms does not cover %d symbols of %dms",
			c.Locks.FT8Ms, 79, c.FT8.SymbolMs)
	}
	if c.Web.Port < 0 || c.Web.Port > 65535 {
		return fmt.Errorf("invalid web port %d", c.Web.Port)
	}
	return nil
}

// Tiers returns the lock timeouts as durations: fast, standard, critical, ft8
func (c *Config) Tiers() (fast, standard, critical, ft8 time.Duration) {
	return ms(c.Locks.FastMs), ms(c.Locks.StandardMs), ms(c.Locks.CriticalMs), ms(c.Locks.FT8Ms)
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}
