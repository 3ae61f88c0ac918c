package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/hengadev/errsx"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBHost      string `mapstructure:"DB_HOST"`
	DBPort      int    `mapstructure:"DB_PORT"`
	DBName      string `mapstructure:"DB_NAME"`
	DBUser      string `mapstructure:"DB_USER"`
	DBPassword  string `mapstructure:"DB_PASSWORD"`
	DBSSLMode   string `mapstructure:"DB_SSLMODE"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuditPath             string `mapstructure:"AUDIT_PATH"`
	AuditIncludeIDSamples bool   `mapstructure:"AUDIT_INCLUDE_ID_SAMPLES"`
	AuditIDSampleSize     int    `mapstructure:"AUDIT_ID_SAMPLE_SIZE"`
	AuditHashSalt         string `mapstructure:"AUDIT_HASH_SALT"`

	TargetTimezone string `mapstructure:"TARGET_TIMEZONE"`
	SourceTimezone string `mapstructure:"SOURCE_TIMEZONE"`

	MetricsTextfile string `mapstructure:"METRICS_TEXTFILE"`

	// EnvFile is the .env file that was loaded, if any.
	EnvFile string `mapstructure:"-"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"DATABASE_URL", "DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD", "DB_SSLMODE",
	"DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUDIT_PATH", "AUDIT_INCLUDE_ID_SAMPLES", "AUDIT_ID_SAMPLE_SIZE", "AUDIT_HASH_SALT",
	"TARGET_TIMEZONE", "SOURCE_TIMEZONE",
	"METRICS_TEXTFILE",
}

// Load reads an optional .env file and resolves the configuration from the
// process environment. Variables already set in the environment win over
// the file. envFile, when given, must exist; otherwise $ENV_PATH and then
// ./.env are tried.
func Load(envFile string) (*Config, error) {
	path, err := locateEnvFile(envFile)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENV", "production")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_SSLMODE", "prefer")
	v.SetDefault("DB_MAX_CONNS", 4)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("AUDIT_PATH", "logs/audit.jsonl")
	v.SetDefault("AUDIT_INCLUDE_ID_SAMPLES", true)
	v.SetDefault("AUDIT_ID_SAMPLE_SIZE", 3)
	v.SetDefault("TARGET_TIMEZONE", "Europe/Berlin")
	v.SetDefault("SOURCE_TIMEZONE", "UTC")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.EnvFile = path
	return cfg, nil
}

func locateEnvFile(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("env file: %w", err)
		}
		return explicit, nil
	}
	if p := os.Getenv("ENV_PATH"); p != "" {
		if _, err := os.Stat(p); err != nil {
			return "", fmt.Errorf("ENV_PATH: %w", err)
		}
		return p, nil
	}
	if _, err := os.Stat(".env"); err == nil {
		return ".env", nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}
	return "", nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// Validate reports every problem at once. Nothing may be extracted from a
// configuration that does not validate.
func (c *Config) Validate() error {
	errs := errsx.Map{}

	if c.DatabaseURL == "" {
		if c.DBHost == "" {
			errs.Set("DB_HOST", "required unless DATABASE_URL is set")
		}
		if c.DBName == "" {
			errs.Set("DB_NAME", "required unless DATABASE_URL is set")
		}
		if c.DBUser == "" {
			errs.Set("DB_USER", "required unless DATABASE_URL is set")
		}
	} else if u, err := url.Parse(c.DatabaseURL); err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		// The URL may carry credentials; never echo it.
		errs.Set("DATABASE_URL", "must be a postgres:// URL")
	}
	if c.DBPort <= 0 || c.DBPort > 65535 {
		errs.Set("DB_PORT", "must be between 1 and 65535")
	}
	if c.DBMaxConns < 1 {
		errs.Set("DB_MAX_CONNS", "must be at least 1")
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		errs.Set("DB_MIN_CONNS", "must be between 0 and DB_MAX_CONNS")
	}

	if c.AuditPath == "" {
		errs.Set("AUDIT_PATH", "required")
	}
	if c.AuditIDSampleSize < 0 {
		errs.Set("AUDIT_ID_SAMPLE_SIZE", "must not be negative")
	}

	if _, err := time.LoadLocation(c.TargetTimezone); err != nil || c.TargetTimezone == "" {
		errs.Set("TARGET_TIMEZONE", fmt.Sprintf("unknown time zone %q", c.TargetTimezone))
	}
	if _, err := time.LoadLocation(c.SourceTimezone); err != nil || c.SourceTimezone == "" {
		errs.Set("SOURCE_TIMEZONE", fmt.Sprintf("unknown time zone %q", c.SourceTimezone))
	}

	return errs.AsError()
}

// DatabaseDSN returns DATABASE_URL, or a URL assembled from the discrete
// DB_* variables.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(c.DBHost, strconv.Itoa(c.DBPort)),
		Path:   "/" + c.DBName,
	}
	if c.DBPassword != "" {
		u.User = url.UserPassword(c.DBUser, c.DBPassword)
	} else {
		u.User = url.User(c.DBUser)
	}
	if c.DBSSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.DBSSLMode}}.Encode()
	}
	return u.String()
}
