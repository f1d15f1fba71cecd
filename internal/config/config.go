package config

import "fmt"

const (
	defaultListen = ":5000"
)

// Config represents the main configuration structure
type Config struct {
	Listen    string `json:"listen" mapstructure:"listen"`
	DataDir   string `json:"data_dir" mapstructure:"data-dir"`
	ModelsDir string `json:"models_dir" mapstructure:"models-dir"`

	// GeoIP lookup configuration
	GeoIP *GeoIPConfig `json:"geoip,omitempty" mapstructure:"geoip"`

	// Alert webhook configuration
	Alerts *AlertConfig `json:"alerts,omitempty" mapstructure:"alerts"`

	// Logging configuration
	Logging *LogConfig `json:"logging,omitempty" mapstructure:"logging"`
}

// GeoIPConfig configures source-address attribution.
type GeoIPConfig struct {
	// LookupURL is the HTTP lookup template with one %s for the address.
	LookupURL string `json:"lookup_url,omitempty" mapstructure:"lookup-url"`
	// TimeoutSeconds bounds a single HTTP lookup.
	TimeoutSeconds int `json:"timeout_seconds,omitempty" mapstructure:"timeout-seconds"`
	// MMDBPath points at a local MaxMind city database. Empty disables the
	// local reader.
	MMDBPath string `json:"mmdb_path,omitempty" mapstructure:"mmdb-path"`
}

// AlertConfig configures the webhook notifier.
type AlertConfig struct {
	WebhookURL string  `json:"webhook_url,omitempty" mapstructure:"webhook-url"`
	MinScore   float64 `json:"min_score,omitempty" mapstructure:"min-score"`
	Rule       string  `json:"rule,omitempty" mapstructure:"rule"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"` // Custom log directory
	MaxSize       int    `json:"max_size" mapstructure:"max-size"`         // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`   // number of backup files
	MaxAge        int    `json:"max_age" mapstructure:"max-age"`           // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Listen: defaultListen,
		GeoIP: &GeoIPConfig{
			TimeoutSeconds: 5,
		},
		Alerts: &AlertConfig{
			MinScore: 0.7,
		},
		Logging: &LogConfig{
			Level:         "info",
			EnableFile:    false,
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
			JSONFormat:    false,
		},
	}
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.GeoIP != nil && c.GeoIP.TimeoutSeconds < 0 {
		return fmt.Errorf("geoip timeout cannot be negative")
	}
	if c.Alerts != nil && (c.Alerts.MinScore < 0 || c.Alerts.MinScore > 1) {
		return fmt.Errorf("alert min score must be within [0, 1]")
	}
	return nil
}
