package main

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"rotating-proxy/logic"
)

const envPrefix = "ROTATOR"

type Config struct {
	Web        WebConfig        `mapstructure:"web" validate:"required"`
	Service    ServiceConfig    `mapstructure:"service" validate:"required"`
	Validation ValidationConfig `mapstructure:"validation" validate:"required"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Rotation   RotationConfig   `mapstructure:"rotation"`
	History    HistoryConfig    `mapstructure:"history"`
	Log        LogConfig        `mapstructure:"log" validate:"required"`
}

type WebConfig struct {
	Listen   string `mapstructure:"listen" validate:"required,listen_addr"`
	BasePath string `mapstructure:"base_path" validate:"required,startswith=/"`
}

type ServiceConfig struct {
	HTTPListen      string        `mapstructure:"http_listen" validate:"required,listen_addr"`
	SOCKS5Listen    string        `mapstructure:"socks5_listen" validate:"required,listen_addr"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout" validate:"required,min=1s,max=2m"`
	RetargetCheck   bool          `mapstructure:"retarget_check"`
	RetargetTimeout time.Duration `mapstructure:"retarget_timeout" validate:"required,min=100ms,max=1m"`
	CheckTarget     string        `mapstructure:"check_target" validate:"required,hostname_port"`
	AutoStart       bool          `mapstructure:"auto_start"`
}

type ValidationConfig struct {
	Concurrency     int           `mapstructure:"concurrency" validate:"required,min=1,max=1000"`
	Timeout         time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=2m"`
	PrecheckTimeout time.Duration `mapstructure:"precheck_timeout" validate:"required,min=100ms,max=30s"`
	PingTarget      string        `mapstructure:"ping_target" validate:"required,hostname_port"`
	AnonymityURL    string        `mapstructure:"anonymity_url" validate:"omitempty,url"`
	IPEchoURL       string        `mapstructure:"ip_echo_url" validate:"omitempty,url"`
	SpeedURL        string        `mapstructure:"speed_url" validate:"omitempty,url"`
	SpeedSample     bool          `mapstructure:"speed_sample"`
	SpeedMaxBytes   int64         `mapstructure:"speed_max_bytes" validate:"required,min=1024"`
	MaxFailures     int           `mapstructure:"max_failures" validate:"required,min=1,max=100"`
	// RetestInterval re-validates the whole pool periodically; 0 disables.
	RetestInterval  time.Duration `mapstructure:"retest_interval" validate:"omitempty,min=10s,max=24h"`
}

type FetchConfig struct {
	Sources      logic.Sources `mapstructure:"sources" validate:"dive"`
	Proxies      []string      `mapstructure:"proxies"`
	Timeout      time.Duration `mapstructure:"timeout" validate:"required,min=1s,max=5m"`
	AutoValidate bool          `mapstructure:"auto_validate"`
	OnStart      bool          `mapstructure:"on_start"`
	// RefreshEvery re-fetches the sources periodically; 0 disables.
	RefreshEvery time.Duration `mapstructure:"refresh_every" validate:"omitempty,min=1m,max=168h"`
}

type RotationConfig struct {
	AutoEnabled  bool          `mapstructure:"auto_enabled"`
	AutoInterval time.Duration `mapstructure:"auto_interval" validate:"required,min=1s,max=24h"`
}

type HistoryConfig struct {
	// Path of the SQLite file; empty keeps history in memory only.
	Path string `mapstructure:"path"`
	Load int    `mapstructure:"load" validate:"min=0"`
}

type LogConfig struct {
	Level       string `mapstructure:"level" validate:"required,oneof=trace debug info warn error"`
	BufferLines int    `mapstructure:"buffer_lines" validate:"required,min=10,max=100000"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("web.listen", "127.0.0.1:8088")
	v.SetDefault("web.base_path", "/api")

	v.SetDefault("service.http_listen", "127.0.0.1:8080")
	v.SetDefault("service.socks5_listen", "127.0.0.1:1080")
	v.SetDefault("service.dial_timeout", "15s")
	v.SetDefault("service.retarget_check", false)
	v.SetDefault("service.retarget_timeout", "5s")
	v.SetDefault("service.check_target", "www.baidu.com:443")
	v.SetDefault("service.auto_start", false)

	v.SetDefault("validation.concurrency", 100)
	v.SetDefault("validation.timeout", "10s")
	v.SetDefault("validation.precheck_timeout", "1500ms")
	v.SetDefault("validation.ping_target", "www.baidu.com:443")
	v.SetDefault("validation.anonymity_url", "http://httpbin.org/get?show_env=1")
	v.SetDefault("validation.ip_echo_url", "https://api.ip.sb/ip")
	v.SetDefault("validation.speed_url", "http://cachefly.cachefly.net/100kb.test")
	v.SetDefault("validation.speed_sample", true)
	v.SetDefault("validation.speed_max_bytes", 100<<10)
	v.SetDefault("validation.max_failures", 3)
	v.SetDefault("validation.retest_interval", "0s")

	sources := make([]map[string]any, 0, 4)
	for _, s := range logic.DefaultSources() {
		sources = append(sources, map[string]any{"url": s.URL, "protocol": s.Protocol})
	}
	v.SetDefault("fetch.sources", sources)
	v.SetDefault("fetch.proxies", []string{})
	v.SetDefault("fetch.timeout", "20s")
	v.SetDefault("fetch.auto_validate", true)
	v.SetDefault("fetch.on_start", false)
	v.SetDefault("fetch.refresh_every", "0s")

	v.SetDefault("rotation.auto_enabled", false)
	v.SetDefault("rotation.auto_interval", "5m")

	v.SetDefault("history.path", "./data/history.db")
	v.SetDefault("history.load", 1000)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.buffer_lines", 1000)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// LoadConfig reads defaults, then the config file (configPath, or
// ./config.yaml when present), then ROTATOR_* environment variables, and
// validates the result.
func LoadConfig(configPath string) (*Config, error) {
	v := newViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	validate := validator.New()
	if err := registerCustomValidators(validate); err != nil {
		return fmt.Errorf("register validators: %w", err)
	}
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if err := c.Fetch.Sources.Validate(); err != nil {
		return fmt.Errorf("fetch.sources: %w", err)
	}
	return nil
}

func registerCustomValidators(validate *validator.Validate) error {
	// host:port where the host may be empty and the port may be 0.
	return validate.RegisterValidation("listen_addr", func(fl validator.FieldLevel) bool {
		_, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(port)
		return err == nil && n >= 0 && n <= 65535
	})
}

// SaveConfigTemplate writes the defaults to path. It refuses to overwrite
// an existing file.
func SaveConfigTemplate(path string) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	if err := v.SafeWriteConfigAs(path); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}

func (c *Config) validatorConfig() logic.ValidatorConfig {
	return logic.ValidatorConfig{
		Concurrency: c.Validation.Concurrency,
		Timeout:     c.Validation.Timeout,
		MaxFailures: c.Validation.MaxFailures,
	}
}

func (c *Config) probeConfig() logic.ProbeConfig {
	return logic.ProbeConfig{
		PrecheckTimeout: c.Validation.PrecheckTimeout,
		PingTarget:      c.Validation.PingTarget,
		AnonymityURL:    c.Validation.AnonymityURL,
		IPEchoURL:       c.Validation.IPEchoURL,
		SpeedURL:        c.Validation.SpeedURL,
		SpeedSample:     c.Validation.SpeedSample,
		SpeedMaxBytes:   c.Validation.SpeedMaxBytes,
	}
}
