// Package config resolves where apexctl finds the status endpoint.
package config

import (
	"net"
	"os"
	"strings"
	"time"

	apperrors "apexhv/pkg/errors"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL = "http://127.0.0.1:9653"
	DefaultTimeout = 5 * time.Second
)

// Config holds CLI configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// moduleFile is the part of a module configuration file apexctl reads.
type moduleFile struct {
	Status struct {
		Addr string `yaml:"addr"`
	} `yaml:"status"`
}

// Load derives the base URL from the status address of a module
// configuration file. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, apperrors.Wrapf(err, apperrors.ConfigNotFound, "read config file failed: %v", err)
		}
		var doc moduleFile
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return cfg, apperrors.Wrapf(err, apperrors.ConfigInvalid, "parse config file failed: %v", err)
		}
		if doc.Status.Addr != "" {
			cfg.BaseURL = BaseURL(doc.Status.Addr)
		}
	}
	applyDefaults(&cfg)
	return cfg, nil
}

// BaseURL turns a listen address into a URL a client can reach. Wildcard
// hosts become loopback.
func BaseURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func applyDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
}
