package google

import (
	"fmt"
	"os"
	"strings"
)

// Config holds the OAuth application credentials for the Google provider.
type Config struct {
	ClientID     string
	ClientSecret string

	// RedirectBaseURL is the externally visible base URL of this server;
	// the OAuth callback path is appended to it.
	RedirectBaseURL string

	// TokenKey is the secret used to encrypt stored OAuth tokens.
	TokenKey string
}

// ConfigFromEnv loads the provider configuration from the environment.
// Returns ok=false when the Google integration is simply not configured
// (no client id at all), so the server can run feed-only.
func ConfigFromEnv() (Config, bool) {
	cfg := Config{
		ClientID:        os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret:    os.Getenv("GOOGLE_CLIENT_SECRET"),
		RedirectBaseURL: os.Getenv("BASE_URL"),
		TokenKey:        os.Getenv("TOKEN_ENCRYPTION_KEY"),
	}
	if cfg.ClientID == "" && cfg.ClientSecret == "" {
		return Config{}, false
	}
	return cfg, true
}

// Validate checks that every required field is present. Called at startup so
// a misconfigured deployment fails fast instead of at the first OAuth
// exchange.
func (c Config) Validate() error {
	var missing []string
	if c.ClientID == "" {
		missing = append(missing, "GOOGLE_CLIENT_ID")
	}
	if c.ClientSecret == "" {
		missing = append(missing, "GOOGLE_CLIENT_SECRET")
	}
	if c.RedirectBaseURL == "" {
		missing = append(missing, "BASE_URL")
	}
	if c.TokenKey == "" {
		missing = append(missing, "TOKEN_ENCRYPTION_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("google calendar config missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

// RedirectURL returns the full OAuth callback URL.
func (c Config) RedirectURL() string {
	return strings.TrimRight(c.RedirectBaseURL, "/") + "/api/calendar/google/callback"
}
