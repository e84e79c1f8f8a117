// Package kerberos provides Kerberos/SPNEGO authentication for the warehouse
// client. It is a separate package to keep the gokrb5 dependency tree opt-in
// for consumers that don't need Kerberos.
package kerberos

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/jcmturner/gokrb5/v8/client"
	"github.com/jcmturner/gokrb5/v8/config"
	"github.com/jcmturner/gokrb5/v8/keytab"
	"github.com/jcmturner/gokrb5/v8/spnego"
	warehouse "github.com/softsense/warehouse-go"
)

// Config holds Kerberos authentication parameters.
type Config struct {
	KeytabPath string // Path to .keytab file
	Principal  string // e.g. "user@EXAMPLE.COM"
	Realm      string // e.g. "EXAMPLE.COM"
	ConfigPath string // Path to krb5.conf
	ServiceSPN string // Service principal name, defaults to "HTTP/<hostname>"
}

var _ warehouse.Validator = (*Config)(nil)

// Validate checks that all required fields are set.
func (c *Config) Validate() error {
	if c.KeytabPath == "" {
		return fmt.Errorf("kerberos: KeytabPath is required")
	}
	if c.Principal == "" {
		return fmt.Errorf("kerberos: Principal is required")
	}
	if c.Realm == "" {
		return fmt.Errorf("kerberos: Realm is required")
	}
	if c.ConfigPath == "" {
		return fmt.Errorf("kerberos: ConfigPath is required")
	}
	return nil
}

// principal splits the configured principal into user name and realm. A
// principal without "@" uses the configured realm.
func (c *Config) principal() (username, realm string) {
	if idx := strings.LastIndex(c.Principal, "@"); idx >= 0 {
		return c.Principal[:idx], c.Principal[idx+1:]
	}
	return c.Principal, c.Realm
}

func (c *Config) spn(req *http.Request) string {
	if c.ServiceSPN != "" {
		return c.ServiceSPN
	}
	return "HTTP/" + req.URL.Hostname()
}

// Credential sets a SPNEGO Negotiate header on every request. It holds a
// logged-in Kerberos client and must be closed when no longer needed.
type Credential struct {
	cfg Config
	cl  *client.Client
}

var (
	_ warehouse.Credential = (*Credential)(nil)
	_ io.Closer            = (*Credential)(nil)
)

// New validates cfg, loads the keytab and krb5.conf it names and logs in.
func New(cfg Config) (*Credential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	kt, err := keytab.Load(cfg.KeytabPath)
	if err != nil {
		return nil, fmt.Errorf("kerberos: failed to load keytab %q: %w", cfg.KeytabPath, err)
	}

	krb5Conf, err := config.Load(cfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("kerberos: failed to load config %q: %w", cfg.ConfigPath, err)
	}

	username, realm := cfg.principal()
	cl := client.NewWithKeytab(username, realm, kt, krb5Conf)
	if err := cl.Login(); err != nil {
		return nil, fmt.Errorf("kerberos: login failed: %w", err)
	}
	return &Credential{cfg: cfg, cl: cl}, nil
}

// Validate implements warehouse.Validator.
func (c *Credential) Validate() error {
	if c == nil || c.cl == nil {
		return errors.New("kerberos: credential is not logged in")
	}
	return nil
}

// Authorize implements warehouse.Credential.
func (c *Credential) Authorize(_ context.Context, req *http.Request) error {
	if err := spnego.SetSPNEGOHeader(c.cl, req, c.cfg.spn(req)); err != nil {
		return fmt.Errorf("kerberos: failed to create SPNEGO token: %w", err)
	}
	return nil
}

// Close destroys the Kerberos client.
func (c *Credential) Close() error {
	c.cl.Destroy()
	return nil
}

// DSN parameter names for Kerberos configuration.
const (
	dsnKeytab     = "kerberos_keytab"
	dsnPrincipal  = "kerberos_principal"
	dsnRealm      = "kerberos_realm"
	dsnConfig     = "kerberos_config"
	dsnServiceSPN = "kerberos_service_spn"
)

// kerberosDSNParams is the set of DSN query parameters consumed by this package.
var kerberosDSNParams = []string{
	dsnKeytab, dsnPrincipal, dsnRealm, dsnConfig, dsnServiceSPN,
}

// parseDSN extracts Kerberos parameters from a DSN URL and returns
// the Config and a cleaned DSN with Kerberos params removed.
func parseDSN(dsn string) (*Config, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("kerberos: invalid DSN: %w", err)
	}

	q := u.Query()
	cfg := &Config{
		KeytabPath: q.Get(dsnKeytab),
		Principal:  q.Get(dsnPrincipal),
		Realm:      q.Get(dsnRealm),
		ConfigPath: q.Get(dsnConfig),
		ServiceSPN: q.Get(dsnServiceSPN),
	}

	for _, key := range kerberosDSNParams {
		q.Del(key)
	}
	u.RawQuery = q.Encode()

	return cfg, u.String(), nil
}

// NewConnector creates a driver.Connector with Kerberos/SPNEGO authentication.
// It parses Kerberos parameters from the DSN, strips them, and passes the
// cleaned DSN to warehouse.NewConnector with the credential attached.
//
// The returned io.Closer must be called to destroy the Kerberos client
// (typically via defer). The connector remains usable until Close is called.
func NewConnector(dsn string, opts ...warehouse.ConnectorOption) (driver.Connector, io.Closer, error) {
	cfg, cleanDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, nil, err
	}

	cred, err := New(*cfg)
	if err != nil {
		return nil, nil, err
	}

	opts = append([]warehouse.ConnectorOption{warehouse.WithCredential(cred)}, opts...)
	connector, err := warehouse.NewConnector(cleanDSN, opts...)
	if err != nil {
		cred.Close()
		return nil, nil, err
	}
	return connector, cred, nil
}
