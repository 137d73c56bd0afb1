package graphstore

import (
	"net/url"
	"strings"
	"time"
)

// Config holds the graph database configuration
type Config struct {
	URL       string
	AuthToken string

	MaxOpenConns   int
	MaxIdleConns   int
	ConnMaxIdleSec int
	ConnMaxLifeSec int
}

// NewConfig returns the default local configuration.
func NewConfig() *Config {
	return &Config{URL: "file:./opengin-graph.db"}
}

// dsn returns the driver URL, carrying the auth token for remote databases.
func (c *Config) dsn() string {
	if strings.HasPrefix(c.URL, "file:") || c.AuthToken == "" {
		return c.URL
	}
	// Build URL safely and append/override the authToken parameter
	if u, err := url.Parse(c.URL); err == nil {
		q := u.Query()
		q.Set("authToken", c.AuthToken)
		u.RawQuery = q.Encode()
		return u.String()
	}
	if strings.Contains(c.URL, "?") {
		return c.URL + "&authToken=" + url.QueryEscape(c.AuthToken)
	}
	return c.URL + "?authToken=" + url.QueryEscape(c.AuthToken)
}

func (c *Config) idleTime() time.Duration { return time.Duration(c.ConnMaxIdleSec) * time.Second }
func (c *Config) lifeTime() time.Duration { return time.Duration(c.ConnMaxLifeSec) * time.Second }
