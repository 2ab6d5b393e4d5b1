package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the api and callpeer processes.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	Calls CallsConfig
	Media MediaConfig
	RTC   RTCConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// CallsConfig carries the signaling tuning constants.
type CallsConfig struct {
	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	ReconnectMin   time.Duration
	ReconnectMax   time.Duration

	// BusyRecency bounds how old a connecting/active record may be and still
	// make the callee busy. BusyStaleGrace drops active records older than it.
	BusyRecency    time.Duration
	BusyStaleGrace time.Duration

	AnswerWait time.Duration

	// FirstTerminalPolicy: transition | strict.
	FirstTerminalPolicy string

	// SweepSchedule is a robfig/cron spec.
	SweepSchedule string

	// MaxCallDuration is when the sweeper gives up on an active record
	// nobody ended.
	MaxCallDuration time.Duration
}

type MediaConfig struct {
	SettleDelay time.Duration
	MaxRetries  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

type RTCConfig struct {
	ICEServers []string
	EnableAV1  bool
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	// Call tuning is optional; defaults are applied in Validate().
	c.Calls.RingTimeout = mustDuration("CALL_RING_TIMEOUT")
	c.Calls.ConnectTimeout = mustDuration("CALL_CONNECT_TIMEOUT")
	c.Calls.ReconnectMin = mustDuration("CALL_RECONNECT_MIN")
	c.Calls.ReconnectMax = mustDuration("CALL_RECONNECT_MAX")
	c.Calls.BusyRecency = mustDuration("CALL_BUSY_RECENCY")
	c.Calls.BusyStaleGrace = mustDuration("CALL_BUSY_STALE_GRACE")
	c.Calls.AnswerWait = mustDuration("CALL_ANSWER_WAIT")
	c.Calls.FirstTerminalPolicy = strings.TrimSpace(os.Getenv("CALL_FIRST_TERMINAL_POLICY"))
	c.Calls.SweepSchedule = strings.TrimSpace(os.Getenv("CALL_SWEEP_SCHEDULE"))
	c.Calls.MaxCallDuration = mustDuration("CALL_MAX_DURATION")

	c.Media.SettleDelay = mustDuration("MEDIA_SETTLE_DELAY")
	c.Media.BackoffBase = mustDuration("MEDIA_BACKOFF_BASE")
	c.Media.BackoffMax = mustDuration("MEDIA_BACKOFF_MAX")
	if v := strings.TrimSpace(os.Getenv("MEDIA_MAX_RETRIES")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("MEDIA_MAX_RETRIES must be an integer, got %q", v))
		}
		c.Media.MaxRetries = n
	}

	c.RTC.ICEServers = splitList(os.Getenv("RTC_ICE_SERVERS"))
	c.RTC.EnableAV1 = strings.EqualFold(strings.TrimSpace(os.Getenv("RTC_ENABLE_AV1")), "true")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	errs = append(errs, c.Calls.applyDefaults()...)
	errs = append(errs, c.Media.applyDefaults()...)

	if len(c.RTC.ICEServers) == 0 {
		c.RTC.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}

	return joinErrors(errs)
}

func (c *CallsConfig) applyDefaults() []error {
	var errs []error
	if c.RingTimeout <= 0 {
		c.RingTimeout = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.ReconnectMin <= 0 {
		c.ReconnectMin = 5 * time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 8 * time.Second
	}
	if c.ReconnectMax < c.ReconnectMin {
		errs = append(errs, errors.New("CALL_RECONNECT_MAX must not be less than CALL_RECONNECT_MIN"))
	}
	if c.BusyRecency <= 0 {
		c.BusyRecency = 5 * time.Minute
	}
	if c.BusyStaleGrace <= 0 {
		c.BusyStaleGrace = 2 * time.Minute
	}
	if c.AnswerWait <= 0 {
		c.AnswerWait = 5 * time.Second
	}
	switch c.FirstTerminalPolicy {
	case "":
		c.FirstTerminalPolicy = "transition"
	case "transition", "strict":
	default:
		errs = append(errs, fmt.Errorf("CALL_FIRST_TERMINAL_POLICY must be one of transition, strict, got %q", c.FirstTerminalPolicy))
	}
	if c.SweepSchedule == "" {
		c.SweepSchedule = "@every 1m"
	}
	if c.MaxCallDuration <= 0 {
		c.MaxCallDuration = 4 * time.Hour
	}
	return errs
}

func (c *MediaConfig) applyDefaults() []error {
	var errs []error
	if c.SettleDelay <= 0 {
		c.SettleDelay = 300 * time.Millisecond
	}
	if c.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("MEDIA_MAX_RETRIES must be >= 0, got %d", c.MaxRetries))
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 4 * time.Second
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
