// Package config loads the immutable service configuration from the
// environment. Configuration is read once at startup and never mutated.
package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Defaults for optional configuration keys.
const (
	DefaultAddr            = ":8080"
	DefaultPrefix          = "ARG"
	DefaultShortName       = "Argan HR Consultancy"
	DefaultTimezone        = "Europe/London"
	DefaultMailEndpoint    = "https://api.sendgrid.com/v3/mail/send"
	DefaultLLMDeadline     = 30 * time.Second
	DefaultStoreDeadline   = 10 * time.Second
	DefaultMailDeadline    = 15 * time.Second
	DefaultRequestDeadline = 120 * time.Second
	DefaultMailRetries     = 3
	DefaultMailBaseDelay   = 2 * time.Second
	DefaultStoreWriteQPS   = 5
	DefaultDedupTTL        = 168 * time.Hour

	// DefaultMarkerPhrase appears in every acknowledgment body and is used by
	// the loop guard to recognise our own outbound mail.
	DefaultMarkerPhrase = "We have received your enquiry and assigned it ticket number"
)

// ErrInvalid is wrapped by every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// prefixPattern restricts the installation prefix to short all-letter tokens.
var prefixPattern = regexp.MustCompile(`^[A-Za-z]{2,8}$`)

// Config is the immutable service configuration.
type Config struct {
	Addr      string
	Prefix    string
	ShortName string
	Timezone  *time.Location

	FromAddr string
	CCAddr   string

	LLMEnabled  bool
	LLMModel    string
	LLMDeadline time.Duration

	StoreTable    string
	StoreDeadline time.Duration
	StoreWriteQPS int

	MailAPIKey    string
	MailEndpoint  string
	MailDeadline  time.Duration
	MailRetries   int
	MailBaseDelay time.Duration

	DedupTTL        time.Duration
	RequestDeadline time.Duration

	MarkerPhrase    string
	AckTemplateText string
	AckTemplateHTML string
}

// Load reads configuration from MAILROOM_* environment variables and
// validates it. The returned Config is complete: every optional key has its
// default applied.
func Load() (*Config, error) {
	return load(os.Getenv)
}

// load is the testable core of Load.
func load(getenv func(string) string) (*Config, error) {
	cfg := &Config{
		Addr:            stringOr(getenv("MAILROOM_ADDR"), DefaultAddr),
		Prefix:          strings.ToUpper(stringOr(getenv("MAILROOM_PREFIX"), DefaultPrefix)),
		ShortName:       stringOr(getenv("MAILROOM_SHORT_NAME"), DefaultShortName),
		FromAddr:        strings.ToLower(strings.TrimSpace(getenv("MAILROOM_FROM_ADDR"))),
		CCAddr:          strings.ToLower(strings.TrimSpace(getenv("MAILROOM_CC_ADDR"))),
		LLMModel:        getenv("MAILROOM_LLM_MODEL"),
		StoreTable:      getenv("MAILROOM_STORE_TABLE"),
		MailAPIKey:      getenv("MAILROOM_MAIL_API_KEY"),
		MailEndpoint:    stringOr(getenv("MAILROOM_MAIL_ENDPOINT"), DefaultMailEndpoint),
		MarkerPhrase:    stringOr(getenv("MAILROOM_ACK_MARKER_PHRASE"), DefaultMarkerPhrase),
		AckTemplateText: getenv("MAILROOM_ACK_TEMPLATE_TEXT"),
		AckTemplateHTML: getenv("MAILROOM_ACK_TEMPLATE_HTML"),
	}

	var err error
	if cfg.LLMEnabled, err = boolOr(getenv("MAILROOM_LLM_ENABLED"), true); err != nil {
		return nil, fmt.Errorf("%w: MAILROOM_LLM_ENABLED: %v", ErrInvalid, err)
	}

	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"MAILROOM_LLM_DEADLINE_MS", &cfg.LLMDeadline, DefaultLLMDeadline},
		{"MAILROOM_STORE_DEADLINE_MS", &cfg.StoreDeadline, DefaultStoreDeadline},
		{"MAILROOM_MAIL_DEADLINE_MS", &cfg.MailDeadline, DefaultMailDeadline},
		{"MAILROOM_MAIL_BASE_DELAY_MS", &cfg.MailBaseDelay, DefaultMailBaseDelay},
		{"MAILROOM_REQUEST_DEADLINE_MS", &cfg.RequestDeadline, DefaultRequestDeadline},
	}
	for _, d := range durations {
		if *d.dst, err = millisOr(getenv(d.key), d.def); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, d.key, err)
		}
	}

	if cfg.MailRetries, err = intOr(getenv("MAILROOM_MAIL_RETRIES"), DefaultMailRetries); err != nil {
		return nil, fmt.Errorf("%w: MAILROOM_MAIL_RETRIES: %v", ErrInvalid, err)
	}
	if cfg.StoreWriteQPS, err = intOr(getenv("MAILROOM_STORE_WRITE_QPS"), DefaultStoreWriteQPS); err != nil {
		return nil, fmt.Errorf("%w: MAILROOM_STORE_WRITE_QPS: %v", ErrInvalid, err)
	}

	ttlHours, err := intOr(getenv("MAILROOM_DEDUP_TTL_HOURS"), int(DefaultDedupTTL/time.Hour))
	if err != nil {
		return nil, fmt.Errorf("%w: MAILROOM_DEDUP_TTL_HOURS: %v", ErrInvalid, err)
	}
	cfg.DedupTTL = time.Duration(ttlHours) * time.Hour

	tzName := stringOr(getenv("MAILROOM_TIMEZONE"), DefaultTimezone)
	if cfg.Timezone, err = time.LoadLocation(tzName); err != nil {
		return nil, fmt.Errorf("%w: MAILROOM_TIMEZONE: unknown time zone %q", ErrInvalid, tzName)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if !prefixPattern.MatchString(c.Prefix) {
		return fmt.Errorf("%w: MAILROOM_PREFIX %q must be 2-8 letters", ErrInvalid, c.Prefix)
	}
	if c.FromAddr == "" {
		return fmt.Errorf("%w: MAILROOM_FROM_ADDR is required", ErrInvalid)
	}
	if !strings.Contains(c.FromAddr, "@") {
		return fmt.Errorf("%w: MAILROOM_FROM_ADDR %q is not an address", ErrInvalid, c.FromAddr)
	}
	if c.CCAddr != "" && !strings.Contains(c.CCAddr, "@") {
		return fmt.Errorf("%w: MAILROOM_CC_ADDR %q is not an address", ErrInvalid, c.CCAddr)
	}
	if c.StoreTable == "" {
		return fmt.Errorf("%w: MAILROOM_STORE_TABLE is required", ErrInvalid)
	}
	if c.StoreWriteQPS <= 0 {
		return fmt.Errorf("%w: MAILROOM_STORE_WRITE_QPS must be positive", ErrInvalid)
	}
	if c.MailRetries < 0 {
		return fmt.Errorf("%w: MAILROOM_MAIL_RETRIES must be non-negative", ErrInvalid)
	}
	if c.DedupTTL <= 0 {
		return fmt.Errorf("%w: MAILROOM_DEDUP_TTL_HOURS must be positive", ErrInvalid)
	}
	return nil
}

func stringOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return strings.TrimSpace(v)
}

func boolOr(v string, def bool) (bool, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strconv.ParseBool(strings.TrimSpace(v))
}

func intOr(v string, def int) (int, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	return strconv.Atoi(strings.TrimSpace(v))
}

func millisOr(v string, def time.Duration) (time.Duration, error) {
	n, err := intOr(v, int(def/time.Millisecond))
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, fmt.Errorf("must be positive, got %d", n)
	}
	return time.Duration(n) * time.Millisecond, nil
}
