package proxy

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/JakeFAU/scrape-scheduler/internal/scrape"
)

// ValidationConfig restricts which proxy URLs the registry accepts.
type ValidationConfig struct {
	RequireTLS   bool     `mapstructure:"require_tls"`
	RequireAuth  bool     `mapstructure:"require_auth"`
	AllowedHosts []string `mapstructure:"allowed_hosts"`
}

var allowedSchemes = map[string]bool{
	"http":   true,
	"https":  true,
	"socks5": true,
}

// Validate checks that raw is a usable proxy URL under cfg.
func Validate(raw string, cfg ValidationConfig) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: parse proxy url: %v", scrape.ErrConfiguration, err)
	}
	if !allowedSchemes[u.Scheme] {
		return fmt.Errorf("%w: proxy scheme %q not supported", scrape.ErrConfiguration, u.Scheme)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: proxy host is required", scrape.ErrConfiguration)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil || port < 1 || port > 65535 {
		return fmt.Errorf("%w: proxy port is required", scrape.ErrConfiguration)
	}
	if cfg.RequireTLS && u.Scheme != "https" {
		return fmt.Errorf("%w: proxy must use https", scrape.ErrConfiguration)
	}
	if cfg.RequireAuth {
		pass, ok := u.User.Password()
		if u.User == nil || u.User.Username() == "" || !ok || pass == "" {
			return fmt.Errorf("%w: proxy credentials are required", scrape.ErrConfiguration)
		}
	}
	if len(cfg.AllowedHosts) > 0 && !hostAllowed(u.Hostname(), cfg.AllowedHosts) {
		return fmt.Errorf("%w: proxy host %q not allowed", scrape.ErrConfiguration, u.Hostname())
	}
	return nil
}

func hostAllowed(host string, allowed []string) bool {
	host = strings.ToLower(host)
	for _, a := range allowed {
		a = strings.ToLower(strings.TrimSpace(a))
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// Label returns host:port for raw without credentials, for logs and metric labels.
func Label(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "invalid"
	}
	return u.Host
}
