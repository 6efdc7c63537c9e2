package database

import (
	"net"
	"net/url"
	"strconv"

	"github.com/rickgao/lighter-stream/internal/config"
)

// BuildConnString builds a PostgreSQL URL from config. A non-empty appName
// tags the session in pg_stat_activity.
func BuildConnString(cfg config.DBConfig, appName string) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}

	q := url.Values{}
	q.Set("sslmode", sslMode)
	if appName != "" {
		q.Set("application_name", appName)
	}

	// url.UserPassword escapes special characters in the password.
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Name,
		RawQuery: q.Encode(),
	}
	return u.String()
}
