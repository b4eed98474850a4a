// Package config loads gateway settings from defaults, an optional YAML file
// and the environment, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Directory DirectoryConfig `yaml:"directory"`
	UserInfo  UserInfoConfig  `yaml:"userinfo"`
	Session   SessionConfig   `yaml:"session"`
	Suggest   SuggestConfig   `yaml:"suggest"`
	Server    ServerConfig    `yaml:"server"`
}

type DirectoryConfig struct {
	URL             string        `yaml:"url"`
	BaseDN          string        `yaml:"base_dn"`
	ServiceUser     string        `yaml:"service_user"`
	ServicePassword string        `yaml:"service_password"`
	AuthGroup       string        `yaml:"auth_group"`
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	PoolIdle        time.Duration `yaml:"pool_idle"`
	PoolMaxIdle     int           `yaml:"pool_max_idle"`
}

type UserInfoConfig struct {
	MailDomain         string `yaml:"mail_domain"`
	PasswordMaxAgeDays int    `yaml:"password_max_age_days"`
	TimeZone           string `yaml:"time_zone"`
}

type SessionConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type SuggestConfig struct {
	PageSize int           `yaml:"page_size"`
	MaxPages int           `yaml:"max_pages"`
	Timeout  time.Duration `yaml:"timeout"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Workers         int           `yaml:"workers"`
	StaticDir       string        `yaml:"static_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Directory: DirectoryConfig{
			ConnectTimeout: 500 * time.Millisecond,
			ReadTimeout:    5 * time.Second,
			PoolIdle:       60 * time.Second,
			PoolMaxIdle:    4,
		},
		UserInfo: UserInfoConfig{PasswordMaxAgeDays: 143},
		Session:  SessionConfig{Timeout: 24 * time.Hour},
		Suggest: SuggestConfig{
			PageSize: 1000,
			MaxPages: 2,
			Timeout:  100 * time.Millisecond,
		},
		Server: ServerConfig{
			Addr:            "0.0.0.0:8431",
			Workers:         16,
			ShutdownTimeout: 5 * time.Second,
		},
	}
}

// Load builds the configuration. path names an optional YAML file; when
// empty, CONFIG_FILE is consulted.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v := os.Getenv(key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("LDAP_URL", &cfg.Directory.URL)
	str("LDAP_BASE_DN", &cfg.Directory.BaseDN)
	str("LDAP_SERVICE_USER", &cfg.Directory.ServiceUser)
	str("LDAP_SERVICE_PASSWORD", &cfg.Directory.ServicePassword)
	str("LDAP_AUTH_GROUP", &cfg.Directory.AuthGroup)
	dur("LDAP_CONNECT_TIMEOUT", &cfg.Directory.ConnectTimeout)
	dur("LDAP_READ_TIMEOUT", &cfg.Directory.ReadTimeout)
	dur("LDAP_POOL_IDLE", &cfg.Directory.PoolIdle)
	num("LDAP_POOL_MAX_IDLE", &cfg.Directory.PoolMaxIdle)

	str("MAIL_DOMAIN", &cfg.UserInfo.MailDomain)
	num("PASSWORD_MAX_AGE_DAYS", &cfg.UserInfo.PasswordMaxAgeDays)
	str("DISPLAY_TIMEZONE", &cfg.UserInfo.TimeZone)

	dur("SESSION_TIMEOUT", &cfg.Session.Timeout)

	num("SUGGEST_PAGE_SIZE", &cfg.Suggest.PageSize)
	num("SUGGEST_MAX_PAGES", &cfg.Suggest.MaxPages)
	dur("SUGGEST_TIMEOUT", &cfg.Suggest.Timeout)

	str("HTTP_ADDR", &cfg.Server.Addr)
	num("WORKERS", &cfg.Server.Workers)
	str("STATIC_DIR", &cfg.Server.StaticDir)

	return errors.Join(errs...)
}

// parseDuration accepts Go durations ("100ms") and bare milliseconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(v)
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	switch {
	case c.Suggest.PageSize <= 0:
		return errors.New("suggest page size must be positive")
	case c.Suggest.MaxPages <= 0:
		return errors.New("suggest max pages must be positive")
	case c.Suggest.Timeout <= 0:
		return errors.New("suggest timeout must be positive")
	case c.Session.Timeout <= 0:
		return errors.New("session timeout must be positive")
	case c.UserInfo.PasswordMaxAgeDays <= 0:
		return errors.New("password max age must be positive")
	case c.Server.Workers <= 0:
		return errors.New("workers must be positive")
	}
	if c.UserInfo.TimeZone != "" {
		if _, err := time.LoadLocation(c.UserInfo.TimeZone); err != nil {
			return fmt.Errorf("time zone: %w", err)
		}
	}
	return nil
}

// Location returns the zone used to display directory timestamps.
func (c Config) Location() *time.Location {
	if c.UserInfo.TimeZone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.UserInfo.TimeZone)
	if err != nil {
		return time.Local
	}
	return loc
}
