// Package oauth2 provides OAuth2 token authentication for the exaws
// client library. It is a separate package to keep the oauth2 dependency
// opt-in.
//
// Tokens are delivered to the server through the loginToken command
// instead of a password, so no key exchange takes place during login.
package oauth2

import (
	"context"
	"database/sql/driver"
	"fmt"
	"net/url"
	"strings"

	exaws "github.com/blenq/exaws"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// --- Static Token ---

// NewStaticTokenOption returns a ConnectorOption that authenticates every
// new session with a fixed access token. Use this for pre-obtained JWTs or
// long-lived access tokens.
func NewStaticTokenOption(token string) exaws.ConnectorOption {
	return exaws.WithConfigSetup(func(cfg *exaws.Config) {
		cfg.User = ""
		cfg.Password = ""
		cfg.AccessToken = token
	})
}

// --- Client Credentials Flow ---

// Config holds OAuth2 client credentials configuration.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string   // Token endpoint URL
	Scopes       []string // Optional scopes
}

// validate checks that required fields are set.
func (c *Config) validate() error {
	if c.ClientID == "" {
		return fmt.Errorf("oauth2: ClientID is required")
	}
	if c.ClientSecret == "" {
		return fmt.Errorf("oauth2: ClientSecret is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("oauth2: TokenURL is required")
	}
	return nil
}

// NewConnectorOption creates a ConnectorOption that automatically obtains
// and refreshes OAuth2 tokens using the client credentials flow. The
// returned option is safe for concurrent use — the underlying oauth2 token
// source handles caching and refresh.
func NewConnectorOption(cfg Config) (exaws.ConnectorOption, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	ccCfg := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
	}

	return TokenSource(ccCfg.TokenSource(context.Background())), nil
}

// TokenSource wraps an oauth2.TokenSource as an exaws.ConnectorOption.
// Use this when you have a custom token source (e.g., from a token file,
// metadata service, or custom refresh logic). The token is fetched when a
// session is opened, so pool reconnects pick up refreshed tokens.
func TokenSource(ts oauth2.TokenSource) exaws.ConnectorOption {
	return exaws.WithConfigSetup(func(cfg *exaws.Config) {
		token, err := ts.Token()
		if err != nil {
			// Cannot return an error from a setup hook. Login will fail
			// with a server error when the token is missing.
			return
		}
		cfg.User = ""
		cfg.Password = ""
		cfg.AccessToken = token.AccessToken
	})
}

// --- DSN Integration ---

// DSN parameter names for OAuth2 configuration.
const (
	dsnClientID     = "oauth2_client_id"
	dsnClientSecret = "oauth2_client_secret"
	dsnTokenURL     = "oauth2_token_url"
	dsnScopes       = "oauth2_scopes"
)

var oauth2DSNParams = []string{
	dsnClientID, dsnClientSecret, dsnTokenURL, dsnScopes,
}

// parseDSN extracts client credentials parameters from a DSN and returns
// the appropriate ConnectorOption and cleaned DSN.
func parseDSN(dsn string) (exaws.ConnectorOption, string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, "", fmt.Errorf("oauth2: invalid DSN: %w", err)
	}

	q := u.Query()
	clientID := q.Get(dsnClientID)
	clientSecret := q.Get(dsnClientSecret)
	tokenURL := q.Get(dsnTokenURL)
	scopes := q.Get(dsnScopes)

	// Remove OAuth2 params from query string
	for _, key := range oauth2DSNParams {
		q.Del(key)
	}
	u.RawQuery = q.Encode()
	cleanDSN := u.String()

	if clientID == "" {
		return nil, cleanDSN, nil
	}

	cfg := Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     tokenURL,
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
	opt, err := NewConnectorOption(cfg)
	if err != nil {
		return nil, "", err
	}
	return opt, cleanDSN, nil
}

// NewConnector creates a driver.Connector with OAuth2 client credentials
// authentication configured via DSN parameters: oauth2_client_id,
// oauth2_client_secret, oauth2_token_url, and optionally oauth2_scopes
// (comma-separated).
//
// OAuth2 parameters are stripped from the DSN before passing to
// exaws.NewConnector. A DSN without OAuth2 parameters falls back to
// password or static token authentication handled by the core driver.
func NewConnector(dsn string, opts ...exaws.ConnectorOption) (driver.Connector, error) {
	authOpt, cleanDSN, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	if authOpt != nil {
		opts = append([]exaws.ConnectorOption{authOpt}, opts...)
	}

	return exaws.NewConnector(cleanDSN, opts...)
}
