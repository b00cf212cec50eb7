package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // embedded zoneinfo

	"circuit_go/internal/domain"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// InstrumentConfig is one catalog entry as written in the YAML file.
type InstrumentConfig struct {
	Index  string          `yaml:"index"`
	Strike decimal.Decimal `yaml:"strike"`
	Type   string          `yaml:"type"`
	Expiry string          `yaml:"expiry"`
	Active *bool           `yaml:"active"` // nil means active
}

// Key converts the entry into a validated contract key.
func (ic InstrumentConfig) Key() (domain.ContractKey, error) {
	ot, err := domain.ParseOptionType(ic.Type)
	if err != nil {
		return domain.ContractKey{}, err
	}
	expiry, err := domain.ParseDate(ic.Expiry)
	if err != nil {
		return domain.ContractKey{}, fmt.Errorf("%w: %v", domain.ErrInvalidContract, err)
	}
	key := domain.ContractKey{
		IndexName:   strings.ToUpper(strings.TrimSpace(ic.Index)),
		StrikePrice: ic.Strike,
		OptionType:  ot,
		ExpiryDate:  expiry,
	}
	return key, key.Validate()
}

// IsActive reports the entry's active flag, defaulting to true.
func (ic InstrumentConfig) IsActive() bool {
	return ic.Active == nil || *ic.Active
}

// Config holds every application setting.
// File values are loaded first, then environment variables override them.
type Config struct {
	App struct {
		Name    string `yaml:"name"`
		Version string `yaml:"version"`
	} `yaml:"app"`

	Market struct {
		Timezone       string   `yaml:"timezone"`
		SessionOpen    string   `yaml:"session_open"`  // HH:MM, market local time
		SessionClose   string   `yaml:"session_close"` // HH:MM, market local time
		ReferenceIndex string   `yaml:"reference_index"`
		Holidays       []string `yaml:"holidays"` // YYYY-MM-DD
	} `yaml:"market"`

	Instruments []InstrumentConfig `yaml:"instruments"`

	Feed struct {
		WSURL  string `yaml:"ws_url"`
		Buffer int    `yaml:"buffer"`
	} `yaml:"feed"`

	Archive struct {
		Interval time.Duration `yaml:"interval"`
	} `yaml:"archive"`

	Storage struct {
		DBPath string `yaml:"db_path"`
	} `yaml:"storage"`

	HTTP struct {
		Addr      string  `yaml:"addr"`
		RateLimit float64 `yaml:"rate_limit"` // requests per second, 0 means default
		Burst     int     `yaml:"burst"`
	} `yaml:"http"`

	Logging struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"logging"`

	// BusinessDateOverride seeds the tier 2 override at startup (env only).
	BusinessDateOverride string `yaml:"-"`
}

// LoadConfig reads and parses the configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML bytes, applies defaults and env overrides, and validates.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	// Environment wins over the file
	overrideWithEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Name == "" {
		c.App.Name = "circuit_go"
	}
	if c.Market.Timezone == "" {
		c.Market.Timezone = "Asia/Kolkata"
	}
	if c.Market.SessionOpen == "" {
		c.Market.SessionOpen = "09:15"
	}
	if c.Market.SessionClose == "" {
		c.Market.SessionClose = "15:30"
	}
	// Index names are stored upper-case.
	c.Market.ReferenceIndex = strings.ToUpper(strings.TrimSpace(c.Market.ReferenceIndex))
	if c.Market.ReferenceIndex == "" {
		c.Market.ReferenceIndex = "NIFTY"
	}
	if c.Feed.Buffer <= 0 {
		c.Feed.Buffer = 1024
	}
	if c.Archive.Interval <= 0 {
		c.Archive.Interval = time.Hour
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = "127.0.0.1:8080"
	}
	if c.Logging.File == "" {
		c.Logging.File = "logs/app.log"
	}
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if _, err := c.Location(); err != nil {
		return &domain.ConfigError{Field: "market.timezone", Err: err}
	}
	open, err := ParseClock(c.Market.SessionOpen)
	if err != nil {
		return &domain.ConfigError{Field: "market.session_open", Err: err}
	}
	closeAt, err := ParseClock(c.Market.SessionClose)
	if err != nil {
		return &domain.ConfigError{Field: "market.session_close", Err: err}
	}
	if closeAt <= open {
		return &domain.ConfigError{Field: "market.session_close", Err: fmt.Errorf("close %s is not after open %s", c.Market.SessionClose, c.Market.SessionOpen)}
	}
	if _, err := c.HolidayDates(); err != nil {
		return &domain.ConfigError{Field: "market.holidays", Err: err}
	}

	if c.Feed.WSURL != "" && !strings.HasPrefix(c.Feed.WSURL, "ws://") && !strings.HasPrefix(c.Feed.WSURL, "wss://") {
		return &domain.ConfigError{Field: "feed.ws_url", Err: fmt.Errorf("invalid WS URL: %s", c.Feed.WSURL)}
	}

	for i, ic := range c.Instruments {
		if _, err := ic.Key(); err != nil {
			return &domain.ConfigError{Field: "instruments[" + strconv.Itoa(i) + "]", Err: err}
		}
	}

	if c.BusinessDateOverride != "" {
		if _, err := domain.ParseDate(c.BusinessDateOverride); err != nil {
			return &domain.ConfigError{Field: "CIRCUIT_BUSINESS_DATE", Err: err}
		}
	}

	return nil
}

// Location loads the market time zone.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Market.Timezone)
}

// SessionWindow returns the session bounds as offsets from local midnight.
func (c *Config) SessionWindow() (open, close time.Duration, err error) {
	if open, err = ParseClock(c.Market.SessionOpen); err != nil {
		return 0, 0, err
	}
	if close, err = ParseClock(c.Market.SessionClose); err != nil {
		return 0, 0, err
	}
	return open, close, nil
}

// HolidayDates parses market.holidays.
func (c *Config) HolidayDates() ([]domain.Date, error) {
	out := make([]domain.Date, 0, len(c.Market.Holidays))
	for _, h := range c.Market.Holidays {
		d, err := domain.ParseDate(h)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// ParseClock parses "HH:MM" into an offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// overrideWithEnv overwrites settings with environment variables when set.
func overrideWithEnv(cfg *Config) {
	if v := os.Getenv("CIRCUIT_DB_PATH"); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv("CIRCUIT_FEED_URL"); v != "" {
		cfg.Feed.WSURL = v
	}
	if v := os.Getenv("CIRCUIT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("CIRCUIT_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
	if v := os.Getenv("CIRCUIT_BUSINESS_DATE"); v != "" {
		cfg.BusinessDateOverride = v
	}
}
