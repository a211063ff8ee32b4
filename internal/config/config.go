package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"order-planner/internal/core"
	"order-planner/internal/exchange"
	"order-planner/internal/safety"
)

type Config struct {
	Logging        LoggingConfig             `yaml:"logging"`
	HTTP           HTTPConfig                `yaml:"http"`
	CircuitBreaker CircuitBreakerConfig      `yaml:"circuit_breaker"`
	Exchanges      map[string]EndpointConfig `yaml:"exchanges"`
	Markets        []MarketConfig            `yaml:"markets"`
}

type LoggingConfig struct {
	Level            string   `yaml:"level"`
	Encoding         string   `yaml:"encoding"`
	Development      bool     `yaml:"development"`
	OutputPaths      []string `yaml:"output_paths"`
	ErrorOutputPaths []string `yaml:"error_output_paths"`
}

type HTTPConfig struct {
	TimeoutSec int64 `yaml:"timeout_sec"`
}

type CircuitBreakerConfig struct {
	Enabled           bool  `yaml:"enabled"`
	MaxPlaceFailures  int   `yaml:"max_place_failures"`
	MaxCancelFailures int   `yaml:"max_cancel_failures"`
	CooldownSec       int64 `yaml:"cooldown_sec"`
	HalfOpenSuccesses int   `yaml:"half_open_successes"`
}

// EndpointConfig overrides where an exchange adapter connects.
type EndpointConfig struct {
	BaseURL    string `yaml:"base_url"`
	StreamURL  string `yaml:"stream_url"`
	TimeoutSec int64  `yaml:"timeout_sec"`
}

type MarketConfig struct {
	ID             string  `yaml:"id"`
	Exchange       string  `yaml:"exchange"`
	Base           string  `yaml:"base"`
	Counter        string  `yaml:"counter"`
	Fee            Decimal `yaml:"fee"`
	BidFeeIsGain   bool    `yaml:"bid_fee_is_gain"`
	AskFeeIsGain   bool    `yaml:"ask_fee_is_gain"`
	MinPriceUnit   int32   `yaml:"min_price_unit"`
	MinTradeUnit   int32   `yaml:"min_trade_unit"`
	MinTradeAmount Decimal `yaml:"min_trade_amount"`
	// APIAvailableSpanMs is the minimum gap between two calls to the
	// exchange, measured from the end of the previous call.
	APIAvailableSpanMs int64 `yaml:"api_available_span_ms"`
}

func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Join(core.ErrConfiguration, err)
	}
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, errors.Join(core.ErrConfiguration, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("%w: config must contain a single YAML document", core.ErrConfiguration)
		}
		return Config{}, errors.Join(core.ErrConfiguration, err)
	}
	cfg.normalize()
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Encoding = strings.ToLower(strings.TrimSpace(c.Logging.Encoding))
	if len(c.Exchanges) > 0 {
		endpoints := make(map[string]EndpointConfig, len(c.Exchanges))
		for name, ep := range c.Exchanges {
			ep.BaseURL = strings.TrimSpace(ep.BaseURL)
			ep.StreamURL = strings.TrimSpace(ep.StreamURL)
			endpoints[strings.ToLower(strings.TrimSpace(name))] = ep
		}
		c.Exchanges = endpoints
	}
	for i := range c.Markets {
		m := &c.Markets[i]
		m.ID = strings.TrimSpace(m.ID)
		m.Exchange = strings.ToLower(strings.TrimSpace(m.Exchange))
		m.Base = strings.ToLower(strings.TrimSpace(m.Base))
		m.Counter = strings.ToLower(strings.TrimSpace(m.Counter))
	}
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "console"
	}
	if len(c.Logging.OutputPaths) == 0 {
		c.Logging.OutputPaths = []string{"stderr"}
	}
	if len(c.Logging.ErrorOutputPaths) == 0 {
		c.Logging.ErrorOutputPaths = []string{"stderr"}
	}
	if c.HTTP.TimeoutSec == 0 {
		c.HTTP.TimeoutSec = 15
	}
	if c.CircuitBreaker.MaxPlaceFailures == 0 {
		c.CircuitBreaker.MaxPlaceFailures = 5
	}
	if c.CircuitBreaker.MaxCancelFailures == 0 {
		c.CircuitBreaker.MaxCancelFailures = 5
	}
	if c.CircuitBreaker.CooldownSec == 0 {
		c.CircuitBreaker.CooldownSec = 30
	}
	if c.CircuitBreaker.HalfOpenSuccesses == 0 {
		c.CircuitBreaker.HalfOpenSuccesses = 1
	}
	for i := range c.Markets {
		m := &c.Markets[i]
		if m.ID == "" && m.Exchange != "" && m.Base != "" && m.Counter != "" {
			m.ID = m.Exchange + "_" + m.Base + "_" + m.Counter
		}
	}
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("logging.level must be debug, info, warn or error"))
	}
	if c.Logging.Encoding != "console" && c.Logging.Encoding != "json" {
		err = multierr.Append(err, fmt.Errorf("logging.encoding must be console or json"))
	}
	if c.HTTP.TimeoutSec < 1 || c.HTTP.TimeoutSec > 120 {
		err = multierr.Append(err, fmt.Errorf("http.timeout_sec must be between 1 and 120"))
	}
	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.MaxPlaceFailures < 1 {
			err = multierr.Append(err, fmt.Errorf("circuit_breaker.max_place_failures must be >= 1"))
		}
		if c.CircuitBreaker.MaxCancelFailures < 1 {
			err = multierr.Append(err, fmt.Errorf("circuit_breaker.max_cancel_failures must be >= 1"))
		}
		if c.CircuitBreaker.CooldownSec < 1 || c.CircuitBreaker.CooldownSec > 3600 {
			err = multierr.Append(err, fmt.Errorf("circuit_breaker.cooldown_sec must be between 1 and 3600"))
		}
		if c.CircuitBreaker.HalfOpenSuccesses < 1 || c.CircuitBreaker.HalfOpenSuccesses > 20 {
			err = multierr.Append(err, fmt.Errorf("circuit_breaker.half_open_successes must be between 1 and 20"))
		}
	}
	for name, ep := range c.Exchanges {
		if name == "" {
			err = multierr.Append(err, fmt.Errorf("exchanges: empty exchange name"))
		}
		if ep.BaseURL != "" {
			if e := validateURL(ep.BaseURL, "http", "https"); e != nil {
				err = multierr.Append(err, fmt.Errorf("exchanges.%s.base_url %v", name, e))
			}
		}
		if ep.StreamURL != "" {
			if e := validateURL(ep.StreamURL, "ws", "wss"); e != nil {
				err = multierr.Append(err, fmt.Errorf("exchanges.%s.stream_url %v", name, e))
			}
		}
		if ep.TimeoutSec < 0 || ep.TimeoutSec > 120 {
			err = multierr.Append(err, fmt.Errorf("exchanges.%s.timeout_sec must be between 0 and 120", name))
		}
	}
	if len(c.Markets) == 0 {
		err = multierr.Append(err, fmt.Errorf("at least one market is required"))
	}
	seen := make(map[string]bool, len(c.Markets))
	for i, m := range c.Markets {
		if m.ID == "" {
			err = multierr.Append(err, fmt.Errorf("markets[%d].id is required", i))
		} else if seen[m.ID] {
			err = multierr.Append(err, fmt.Errorf("markets[%d]: duplicate id %q", i, m.ID))
		}
		seen[m.ID] = true
		if m.APIAvailableSpanMs < 0 || m.APIAvailableSpanMs > 60000 {
			err = multierr.Append(err, fmt.Errorf("markets[%d].api_available_span_ms must be between 0 and 60000", i))
		}
		if e := m.Market().Validate(); e != nil {
			err = multierr.Append(err, fmt.Errorf("markets[%d]: %v", i, e))
		}
	}
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrConfiguration, err)
	}
	return nil
}

func (m MarketConfig) Market() core.Market {
	return core.Market{
		ID:               m.ID,
		Exchange:         m.Exchange,
		Base:             m.Base,
		Counter:          m.Counter,
		Fee:              m.Fee.Decimal,
		BidFeeIsGain:     m.BidFeeIsGain,
		AskFeeIsGain:     m.AskFeeIsGain,
		MinPriceUnit:     m.MinPriceUnit,
		MinTradeUnit:     m.MinTradeUnit,
		MinTradeAmount:   m.MinTradeAmount.Decimal,
		APIAvailableSpan: time.Duration(m.APIAvailableSpanMs) * time.Millisecond,
	}
}

func (c Config) CoreMarkets() []core.Market {
	out := make([]core.Market, 0, len(c.Markets))
	for _, m := range c.Markets {
		out = append(out, m.Market())
	}
	return out
}

// ExchangeNames lists the distinct exchanges the markets trade on, in market
// order.
func (c Config) ExchangeNames() []string {
	var out []string
	seen := map[string]bool{}
	for _, m := range c.Markets {
		if !seen[m.Exchange] {
			seen[m.Exchange] = true
			out = append(out, m.Exchange)
		}
	}
	return out
}

func (c Config) BreakerSettings() safety.Settings {
	return safety.Settings{
		Enabled:           c.CircuitBreaker.Enabled,
		MaxPlaceFailures:  c.CircuitBreaker.MaxPlaceFailures,
		MaxCancelFailures: c.CircuitBreaker.MaxCancelFailures,
		Cooldown:          time.Duration(c.CircuitBreaker.CooldownSec) * time.Second,
		HalfOpenSuccesses: c.CircuitBreaker.HalfOpenSuccesses,
	}
}

// AdapterOptions resolves per-exchange endpoint overrides for the dispatcher.
func (c Config) AdapterOptions(logger *zap.Logger) exchange.MarketOptions {
	return func(m core.Market) exchange.Options {
		ep := c.Exchanges[m.Exchange]
		timeout := c.HTTP.TimeoutSec
		if ep.TimeoutSec > 0 {
			timeout = ep.TimeoutSec
		}
		return exchange.Options{
			BaseURL:   ep.BaseURL,
			StreamURL: ep.StreamURL,
			Timeout:   time.Duration(timeout) * time.Second,
			Logger:    logger,
		}
	}
}

func validateURL(raw string, schemes ...string) error {
	parsed, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("must be a valid URL: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("must include scheme and host")
	}
	for _, s := range schemes {
		if parsed.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be %s", strings.Join(schemes, " or "))
}
