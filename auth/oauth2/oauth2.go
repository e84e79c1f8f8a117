// Package oauth2 provides OAuth2 machine-to-machine credentials for the
// warehouse client. It is a separate package to keep the oauth2 dependency
// opt-in.
package oauth2

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	warehouse "github.com/softsense/warehouse-go"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// AzureDatabricksScope is the scope that grants Entra ID tokens access to
// Azure Databricks workspaces.
const AzureDatabricksScope = "2ff814a6-3304-4ab8-85cb-cd0e6f879c1d/.default"

// WorkspaceScope is the scope requested from a workspace's own token endpoint.
const WorkspaceScope = "all-apis"

// Config holds OAuth2 client credentials configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string   // Token endpoint URL
	Scopes       []string // Optional scopes
}

var _ warehouse.Validator = (*Config)(nil)

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("oauth2: ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("oauth2: ClientSecret is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("oauth2: TokenURL is required")
	}
	if _, err := url.ParseRequestURI(c.TokenURL); err != nil {
		return fmt.Errorf("oauth2: invalid TokenURL: %w", err)
	}
	return nil
}

// WorkspaceConfig returns the configuration for a service principal that
// authenticates against the workspace's own token endpoint.
func WorkspaceConfig(workspaceURL, clientID, clientSecret string) Config {
	return Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     strings.TrimRight(workspaceURL, "/") + "/oidc/v1/token",
		Scopes:       []string{WorkspaceScope},
	}
}

// AzureConfig returns the configuration for an Entra ID service principal of
// the given tenant.
func AzureConfig(tenantID, clientID, clientSecret string) Config {
	return Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     "https://login.microsoftonline.com/" + url.PathEscape(tenantID) + "/oauth2/v2.0/token",
		Scopes:       []string{AzureDatabricksScope},
	}
}

// Credential obtains a token with the client credentials flow. Every
// Authorize call requests a new token from the identity provider.
type Credential struct {
	cfg clientcredentials.Config
}

var _ warehouse.Credential = (*Credential)(nil)

// New validates cfg and returns a Credential.
func New(cfg Config) (*Credential, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Credential{cfg: clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}}, nil
}

// Validate implements warehouse.Validator.
func (c *Credential) Validate() error {
	if c == nil {
		return errors.New("oauth2: nil credential")
	}
	return nil
}

// Authorize implements warehouse.Credential.
func (c *Credential) Authorize(ctx context.Context, req *http.Request) error {
	token, err := c.cfg.Token(ctx)
	if err != nil {
		return fmt.Errorf("oauth2: token request failed: %w", err)
	}
	if !token.Valid() {
		return errors.New("oauth2: identity provider returned an unusable token")
	}
	token.SetAuthHeader(req)
	return nil
}

// TokenSource wraps an oauth2.TokenSource as a warehouse.Credential. The
// source is asked for a token on every request; whether it caches is up to
// the source.
func TokenSource(ts oauth2.TokenSource) warehouse.Credential {
	return &tokenSource{ts: ts}
}

type tokenSource struct {
	ts oauth2.TokenSource
}

func (s *tokenSource) Validate() error {
	if s.ts == nil {
		return errors.New("oauth2: nil token source")
	}
	return nil
}

func (s *tokenSource) Authorize(_ context.Context, req *http.Request) error {
	token, err := s.ts.Token()
	if err != nil {
		return fmt.Errorf("oauth2: token source failed: %w", err)
	}
	token.SetAuthHeader(req)
	return nil
}

// DSN parameter names for OAuth2 configuration.
const (
	dsnClientID     = "oauth2_client_id"
	dsnClientSecret = "oauth2_client_secret"
	dsnTokenURL     = "oauth2_token_url"
	dsnScopes       = "oauth2_scopes"
	dsnTenantID     = "azure_tenant_id"
)

var oauth2DSNParams = []string{
	dsnClientID, dsnClientSecret, dsnTokenURL, dsnScopes, dsnTenantID,
}

// parseDSN extracts OAuth2 parameters from a DSN and returns the credential
// they describe, or nil when there are none, and the DSN without them.
//
// Without oauth2_token_url the token endpoint is derived: the Entra ID
// endpoint when azure_tenant_id is set, the workspace endpoint otherwise.
func parseDSN(dsn string) (*Credential, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("oauth2: invalid DSN: %w", err)
	}

	q := u.Query()
	clientID := q.Get(dsnClientID)
	clientSecret := q.Get(dsnClientSecret)
	tokenURL := q.Get(dsnTokenURL)
	scopes := q.Get(dsnScopes)
	tenantID := q.Get(dsnTenantID)

	for _, key := range oauth2DSNParams {
		q.Del(key)
	}
	u.RawQuery = q.Encode()
	cleanDSN := u.String()

	if clientID == "" {
		return nil, cleanDSN, nil
	}

	var cfg Config
	switch {
	case tenantID != "":
		cfg = AzureConfig(tenantID, clientID, clientSecret)
	default:
		scheme := q.Get("scheme")
		if scheme == "" {
			scheme = "https"
		}
		cfg = WorkspaceConfig(scheme+"://"+u.Host, clientID, clientSecret)
	}
	if tokenURL != "" {
		cfg.TokenURL = tokenURL
	}
	if scopes != "" {
		parts := strings.Split(scopes, ",")
		cfg.Scopes = make([]string, 0, len(parts))
		for _, s := range parts {
			if trimmed := strings.TrimSpace(s); trimmed != "" {
				cfg.Scopes = append(cfg.Scopes, trimmed)
			}
		}
	}
	cred, err := New(cfg)
	if err != nil {
		return nil, "", err
	}
	return cred, cleanDSN, nil
}

// NewConnector creates a driver.Connector authenticated with OAuth2 client
// credentials taken from the DSN:
//
//	databricks://host/<warehouse_id>?oauth2_client_id=...&oauth2_client_secret=...
//
// Add azure_tenant_id to use Entra ID, or oauth2_token_url and oauth2_scopes
// to name the endpoint explicitly. OAuth2 parameters are stripped from the DSN
// before it is passed to warehouse.NewConnector. A DSN without them is passed
// through unchanged and must then carry a token.
func NewConnector(dsn string, opts ...warehouse.ConnectorOption) (driver.Connector, error) {
	cred, cleanDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if cred != nil {
		opts = append([]warehouse.ConnectorOption{warehouse.WithCredential(cred)}, opts...)
	}
	return warehouse.NewConnector(cleanDSN, opts...)
}
