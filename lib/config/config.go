// Package config loads Siranga's configuration from environment variables
// (spec.md §6). Flag parsing, environment files, and secret management are
// explicitly out of scope per spec.md §1: this loader is deliberately the
// simplest thing that works, not a CLI framework.
package config

import (
	"os"
	"strconv"

	"github.com/gravitational/trace"
)

// Config holds every environment-derived setting Siranga needs at startup.
type Config struct {
	SSHPort     int
	HTTPPort    int
	MetricsPort int

	TunnelDomain  string
	AuthzEndpoint string

	LDAPAddress      string
	LDAPBase         string
	LDAPSearchFilter string
	LDAPBindDN       string
	LDAPPasswordFile string

	PrivateKeyFile string
	ReleaseVersion string
}

// Load reads the configuration from the process environment, applying the
// defaults from spec.md §6 and failing with a BadParameter-flavored error
// if a required variable is missing or a port is unparseable.
func Load() (Config, error) {
	var cfg Config
	var err error

	cfg.SSHPort, err = intEnv("SSH_PORT", 2222)
	if err != nil {
		return Config{}, trace.Wrap(err)
	}
	cfg.HTTPPort, err = intEnv("HTTP_PORT", 3000)
	if err != nil {
		return Config{}, trace.Wrap(err)
	}
	cfg.MetricsPort, err = intEnv("METRICS_PORT", 4000)
	if err != nil {
		return Config{}, trace.Wrap(err)
	}

	cfg.TunnelDomain, err = requiredEnv("TUNNEL_DOMAIN")
	if err != nil {
		return Config{}, trace.Wrap(err)
	}
	cfg.AuthzEndpoint, err = requiredEnv("AUTHZ_ENDPOINT")
	if err != nil {
		return Config{}, trace.Wrap(err)
	}

	cfg.LDAPAddress, err = requiredEnv("LDAP_ADDRESS")
	if err != nil {
		return Config{}, trace.Wrap(err)
	}
	cfg.LDAPBase, err = requiredEnv("LDAP_BASE")
	if err != nil {
		return Config{}, trace.Wrap(err)
	}
	cfg.LDAPSearchFilter, err = requiredEnv("LDAP_SEARCH_FILTER")
	if err != nil {
		return Config{}, trace.Wrap(err)
	}
	cfg.LDAPBindDN, err = requiredEnv("LDAP_BIND_DN")
	if err != nil {
		return Config{}, trace.Wrap(err)
	}
	cfg.LDAPPasswordFile, err = requiredEnv("LDAP_PASSWORD_FILE")
	if err != nil {
		return Config{}, trace.Wrap(err)
	}

	cfg.PrivateKeyFile, err = requiredEnv("PRIVATE_KEY_FILE")
	if err != nil {
		return Config{}, trace.Wrap(err)
	}

	cfg.ReleaseVersion = os.Getenv("RELEASE_VERSION")
	if cfg.ReleaseVersion == "" {
		cfg.ReleaseVersion = "dev"
	}

	return cfg, nil
}

func intEnv(name string, def int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, trace.BadParameter("%s must be an integer, got %q", name, raw)
	}
	return v, nil
}

func requiredEnv(name string) (string, error) {
	v := os.Getenv(name)
	if v == "" {
		return "", trace.BadParameter("%s is required", name)
	}
	return v, nil
}
