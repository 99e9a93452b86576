package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"msgd/auth"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr          string
	HTTPAddr      string // empty disables /ws and /metrics
	ControlSocket string
	DBPath        string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	AuthTimeout   time.Duration
	MaxFrame      int
	MaxPending    int // per destination, 0 means unlimited
	AuthDigest    auth.Algorithm
	LogLevel      string
	LogFormat     string
}

func Default() *Config {
	return &Config{
		Addr:          ":7777",
		HTTPAddr:      ":8080",
		ControlSocket: "/tmp/msgd.sock",
		DBPath:        "msgd.db",
		ReadTimeout:   120 * time.Second,
		WriteTimeout:  30 * time.Second,
		AuthTimeout:   30 * time.Second,
		MaxFrame:      64 * 1024,
		MaxPending:    1000,
		AuthDigest:    auth.SHA256,
		LogLevel:      "info",
		LogFormat:     "console",
	}
}

// Load reads .env (if present) and then the MSGD_* environment variables on
// top of the defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if v, ok := os.LookupEnv("MSGD_ADDR"); ok {
		cfg.Addr = v
	}
	if v, ok := os.LookupEnv("MSGD_HTTP_ADDR"); ok {
		cfg.HTTPAddr = v
	}
	if v, ok := os.LookupEnv("MSGD_CONTROL_SOCKET"); ok {
		cfg.ControlSocket = v
	}
	if v := os.Getenv("MSGD_DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	var err error
	if cfg.ReadTimeout, err = envSeconds("MSGD_READ_TIMEOUT", cfg.ReadTimeout); err != nil {
		return nil, err
	}
	if cfg.WriteTimeout, err = envSeconds("MSGD_WRITE_TIMEOUT", cfg.WriteTimeout); err != nil {
		return nil, err
	}
	if cfg.AuthTimeout, err = envSeconds("MSGD_AUTH_TIMEOUT", cfg.AuthTimeout); err != nil {
		return nil, err
	}
	if cfg.MaxFrame, err = envInt("MSGD_MAX_FRAME", cfg.MaxFrame); err != nil {
		return nil, err
	}
	if cfg.MaxPending, err = envInt("MSGD_MAX_PENDING", cfg.MaxPending); err != nil {
		return nil, err
	}

	if v := os.Getenv("MSGD_AUTH_DIGEST"); v != "" {
		alg, err := auth.ParseAlgorithm(v)
		if err != nil {
			return nil, fmt.Errorf("MSGD_AUTH_DIGEST: %w", err)
		}
		cfg.AuthDigest = alg
	}

	if v := os.Getenv("MSGD_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("MSGD_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("database path is required"))
	}
	if c.ReadTimeout <= 0 || c.WriteTimeout <= 0 || c.AuthTimeout <= 0 {
		errs = append(errs, errors.New("timeouts must be positive"))
	}
	if c.MaxFrame <= 0 {
		errs = append(errs, errors.New("max frame must be positive"))
	}
	if c.MaxPending < 0 {
		errs = append(errs, errors.New("max pending must not be negative"))
	}
	if _, err := auth.ParseAlgorithm(string(c.AuthDigest)); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	return errors.Join(errs...)
}

// envSeconds reads a whole number of seconds, the unit the MSGD_*_TIMEOUT
// variables use.
func envSeconds(name string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return time.Duration(n) * time.Second, nil
}

func envInt(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}
