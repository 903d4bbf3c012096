package client

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"sigs.k8s.io/yaml"
)

const (
	// ServerEnvKey overrides the server address found in the config file.
	ServerEnvKey  = "DOCPIPE_SERVER_URL"
	DefaultServer = "http://localhost:3443"
)

// Config holds the information needed to connect to a docpipe API server.
type Config struct {
	Service Service `json:"service"`
}

// Service is the API server address (the part before /api/v1/...).
type Service struct {
	Server string `json:"server"`
	// Timeout bounds every request except status streams.
	Timeout string `json:"timeout,omitempty"`
}

func NewDefault() *Config {
	return &Config{Service: Service{Server: DefaultServer}}
}

// DefaultConfigPath returns ~/.docpipe/client.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".docpipe", "client.yaml")
	}
	return filepath.Join(home, ".docpipe", "client.yaml")
}

func (c *Config) Validate() error {
	if c.Service.Server == "" {
		return fmt.Errorf("no server address set")
	}
	if !strings.HasPrefix(c.Service.Server, "http://") && !strings.HasPrefix(c.Service.Server, "https://") {
		return fmt.Errorf("server address %q must start with http:// or https://", c.Service.Server)
	}
	if c.Service.Timeout != "" {
		if _, err := time.ParseDuration(c.Service.Timeout); err != nil {
			return fmt.Errorf("invalid timeout: %w", err)
		}
	}
	return nil
}

// ParseConfigFile reads filename. A missing file yields the defaults.
func ParseConfigFile(filename string) (*Config, error) {
	config := NewDefault()

	contents, err := os.ReadFile(filename)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("reading config: %w", err)
	default:
		if err := yaml.Unmarshal(contents, config); err != nil {
			return nil, fmt.Errorf("decoding config: %w", err)
		}
	}

	if server := os.Getenv(ServerEnvKey); server != "" {
		config.Service.Server = server
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Persist writes the config as yaml, creating the parent directory.
func (c *Config) Persist(filename string) error {
	contents, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filename), 0o700); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.WriteFile(filename, contents, 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// NewFromConfigFile returns a client using the config read from filename.
func NewFromConfigFile(filename string) (*Client, error) {
	config, err := ParseConfigFile(filename)
	if err != nil {
		return nil, err
	}
	return NewFromConfig(config), nil
}

func NewFromConfig(config *Config) *Client {
	timeout := 60 * time.Second
	if d, err := time.ParseDuration(config.Service.Timeout); err == nil && d > 0 {
		timeout = d
	}
	return New(strings.TrimRight(config.Service.Server, "/"), newHTTPClient(), timeout)
}

func newHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}
