package warehouse

import (
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Defaults applied by NewClient to zero-valued settings.
const (
	DefaultBasePath     = "/api/2.0/sql"
	DefaultHTTPTimeout  = 30 * time.Second
	DefaultMaxRetries   = 3
	DefaultPollInterval = time.Second
	DefaultBackoffUnit  = time.Second
	DefaultWaitTimeout  = "10s"
	DefaultUserAgent    = "warehouse-go"
)

// Validator is implemented by every configuration type in this module.
// Constructors call Validate before using a configuration.
type Validator interface {
	Validate() error
}

// Config holds the settings of a Client. It is copied by NewClient and never
// modified afterwards, so a Client can be shared by concurrent queries.
type Config struct {
	// Endpoint is the workspace URL, e.g. https://adb-1234.5.azuredatabricks.net.
	Endpoint string
	// BasePath is the API prefix joined to Endpoint. Defaults to DefaultBasePath.
	BasePath string

	// Exactly one of Token and Credential must be set.
	Token      string
	Credential Credential

	// WarehouseID is used when a query does not name a warehouse.
	WarehouseID string
	// Catalog and Schema are the default namespace for statements.
	Catalog string
	Schema  string

	// HTTPTimeout bounds each individual HTTP request.
	HTTPTimeout time.Duration
	// MaxRetries is the number of retries after a transient failure. Nil
	// selects DefaultMaxRetries; Retries(0) turns retrying off.
	MaxRetries *int
	// PollInterval is the delay between status polls.
	PollInterval time.Duration
	// BackoffUnit scales the retry delays: the k-th retry waits BackoffUnit*2^k.
	BackoffUnit time.Duration
	// WaitTimeout is the server-side wait window sent with each submission,
	// "0s" or between "5s" and "50s".
	WaitTimeout string

	UserAgent string
}

var _ Validator = Config{}

// Retries returns n as a value for Config.MaxRetries.
func Retries(n int) *int { return &n }

var waitTimeoutPattern = regexp.MustCompile(`^\d+s$`)

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	if c.Endpoint == "" {
		return &ConfigurationError{Field: "Endpoint", Reason: "is required"}
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return &ConfigurationError{Field: "Endpoint", Reason: err.Error()}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ConfigurationError{Field: "Endpoint", Reason: "scheme must be http or https"}
	}
	if u.Host == "" {
		return &ConfigurationError{Field: "Endpoint", Reason: "host is required"}
	}

	switch {
	case c.Token == "" && c.Credential == nil:
		return &ConfigurationError{Field: "Credential", Reason: "one of Token or Credential is required"}
	case c.Token != "" && c.Credential != nil:
		return &ConfigurationError{Field: "Credential", Reason: "Token and Credential are mutually exclusive"}
	case c.Credential != nil:
		if err := c.Credential.Validate(); err != nil {
			return &ConfigurationError{Field: "Credential", Reason: err.Error()}
		}
	}

	if c.HTTPTimeout < 0 {
		return &ConfigurationError{Field: "HTTPTimeout", Reason: "must not be negative"}
	}
	if c.MaxRetries != nil && *c.MaxRetries < 0 {
		return &ConfigurationError{Field: "MaxRetries", Reason: "must not be negative"}
	}
	if c.PollInterval < 0 {
		return &ConfigurationError{Field: "PollInterval", Reason: "must not be negative"}
	}
	if c.BackoffUnit < 0 {
		return &ConfigurationError{Field: "BackoffUnit", Reason: "must not be negative"}
	}
	if c.WaitTimeout != "" && !validWaitTimeout(c.WaitTimeout) {
		return &ConfigurationError{Field: "WaitTimeout", Reason: `must be "0s" or between "5s" and "50s"`}
	}
	return nil
}

func validWaitTimeout(v string) bool {
	if !waitTimeoutPattern.MatchString(v) {
		return false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return false
	}
	return d == 0 || (d >= 5*time.Second && d <= 50*time.Second)
}

// withDefaults returns a copy with zero-valued settings filled in.
func (c Config) withDefaults() Config {
	if c.BasePath == "" {
		c.BasePath = DefaultBasePath
	}
	if c.HTTPTimeout == 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	n := DefaultMaxRetries
	if c.MaxRetries != nil {
		n = *c.MaxRetries
	}
	c.MaxRetries = &n
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BackoffUnit == 0 {
		c.BackoffUnit = DefaultBackoffUnit
	}
	if c.WaitTimeout == "" {
		c.WaitTimeout = DefaultWaitTimeout
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	return c
}

// baseURL returns Endpoint joined with BasePath, with a trailing slash so that
// relative references resolve beneath it.
func (c Config) baseURL() (*url.URL, error) {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return nil, err
	}
	return u.JoinPath(strings.Trim(c.BasePath, "/") + "/"), nil
}
