package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"snagline/internal/domain"
)

// Config models snagline.yml: where the backend lives and how the client
// behaves. Credentials never live here; the session token is cached in a
// separate file inside the workspace.
type Config struct {
	Server struct {
		// BaseURL of the backend, e.g. http://localhost:8000.
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`
	Sync struct {
		Reconnect struct {
			// Policy is "constant" or "exponential".
			Policy string `yaml:"policy"`
			// Delay between attempts (constant) or the initial delay
			// (exponential).
			Delay Duration `yaml:"delay"`
			// Cap bounds the exponential policy's delay.
			Cap Duration `yaml:"cap"`
		} `yaml:"reconnect"`
	} `yaml:"sync"`
	View struct {
		PageSize int           `yaml:"page_size"`
		SortKey  string        `yaml:"sort_key"`
		SortDesc bool          `yaml:"sort_desc"`
		Project  string        `yaml:"project"`
		Status   domain.Status `yaml:"status"`
	} `yaml:"view"`
}

// Duration parses YAML values like "3s" or "500ms".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like 3s: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

const (
	ReconnectConstant    = "constant"
	ReconnectExponential = "exponential"
)

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("config.server.base_url is required")
	}
	switch c.Sync.Reconnect.Policy {
	case "", ReconnectConstant, ReconnectExponential:
	default:
		return fmt.Errorf("config.sync.reconnect.policy must be %q or %q", ReconnectConstant, ReconnectExponential)
	}
	if c.Sync.Reconnect.Delay < 0 || c.Sync.Reconnect.Cap < 0 {
		return fmt.Errorf("config.sync.reconnect delays must not be negative")
	}
	if c.Sync.Reconnect.Policy == ReconnectExponential && c.Sync.Reconnect.Cap != 0 && c.Sync.Reconnect.Cap < c.Sync.Reconnect.Delay {
		return fmt.Errorf("config.sync.reconnect.cap must be at least the initial delay")
	}
	if c.View.PageSize < 0 {
		return fmt.Errorf("config.view.page_size must not be negative")
	}
	if c.View.Status != "" && !c.View.Status.Valid() {
		return fmt.Errorf("config.view.status %q is not a snag status", c.View.Status)
	}
	return nil
}

// ReconnectDelay returns the configured delay with the 3s default applied.
func (c *Config) ReconnectDelay() time.Duration {
	if c.Sync.Reconnect.Delay > 0 {
		return time.Duration(c.Sync.Reconnect.Delay)
	}
	return 3 * time.Second
}

// ReconnectCap returns the exponential policy's cap, defaulting to a
// minute.
func (c *Config) ReconnectCap() time.Duration {
	if c.Sync.Reconnect.Cap > 0 {
		return time.Duration(c.Sync.Reconnect.Cap)
	}
	return time.Minute
}

// PageSize returns the configured page size with the default applied.
func (c *Config) PageSize() int {
	if c.View.PageSize > 0 {
		return c.View.PageSize
	}
	return 20
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "snagline.yml")
}

// Default returns the default Config struct for a server.
func Default(baseURL string) *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(fmt.Sprintf(defaultTemplate, baseURL)), &cfg)
	cfg.Server.BaseURL = baseURL
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault(baseURL string) string {
	return fmt.Sprintf(defaultTemplate, baseURL)
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create it with sn init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  base_url: %s

sync:
  reconnect:
    policy: constant
    delay: 3s

view:
  page_size: 20
  sort_key: created_at
  sort_desc: true
`
