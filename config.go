package orgsession

import (
	"fmt"
	"os"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// DefaultTokenCachePath is where the token cache lives when a config file
// enables caching without naming a path.
const DefaultTokenCachePath = "~/.cache/orgsession/token.json"

// FileConfig is the on-disk session configuration.
//
//	service_url: https://org.example.com/XRMServices/2011/Organization.svc
//	renewal_window: 15m
//	token_cache: ~/.cache/orgsession/token.json
//	concurrency: 8
//	credentials:
//	  source: awssecrets
//	  name: orgsession/prod/login
//	  options:
//	    region: eu-west-1
type FileConfig struct {
	ServiceURL    string        `yaml:"service_url"`
	RenewalWindow time.Duration `yaml:"renewal_window,omitempty"`
	TokenCache    string        `yaml:"token_cache,omitempty"`
	Concurrency   int           `yaml:"concurrency,omitempty"`
	Credentials   SourceFile    `yaml:"credentials"`
}

// SourceFile is the credentials block of a FileConfig.
type SourceFile struct {
	Source  string            `yaml:"source"`
	Name    string            `yaml:"name,omitempty"`
	Options map[string]string `yaml:"options,omitempty"`
}

// LoadConfig reads a YAML config file. A leading ~ in path is expanded.
func LoadConfig(path string) (*FileConfig, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, fmt.Errorf("expand config path: %w", err)
	}

	data, err := os.ReadFile(expanded)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes and validates a YAML config document.
func ParseConfig(data []byte) (*FileConfig, error) {
	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := fc.Validate(); err != nil {
		return nil, err
	}
	return &fc, nil
}

// Validate checks the fields LoadConfig cannot default.
func (f *FileConfig) Validate() error {
	if _, err := ValidateServiceURL(f.ServiceURL); err != nil {
		return fmt.Errorf("config service_url: %w", err)
	}
	if f.RenewalWindow < 0 {
		return fmt.Errorf("config renewal_window: must not be negative")
	}
	if f.Concurrency < 0 {
		return fmt.Errorf("config concurrency: must not be negative")
	}
	return nil
}

// SourceConfig returns the credential source configuration.
func (f *FileConfig) SourceConfig() SourceConfig {
	kind := SourceKind(f.Credentials.Source)
	if kind == "" {
		kind = SourceStatic
	}
	return SourceConfig{
		Kind:    kind,
		Name:    f.Credentials.Name,
		Options: f.Credentials.Options,
	}
}

// Apply copies the file settings onto cfg. Fields cfg already sets win.
func (f *FileConfig) Apply(cfg Config) (Config, error) {
	if cfg.RenewalWindow == 0 {
		cfg.RenewalWindow = f.RenewalWindow
	}
	if cfg.TokenCache == nil && f.TokenCache != "" {
		path := f.TokenCache
		if path == "default" {
			path = DefaultTokenCachePath
		}
		expanded, err := homedir.Expand(path)
		if err != nil {
			return cfg, fmt.Errorf("expand token_cache: %w", err)
		}
		cfg.TokenCache = NewTokenCache(expanded)
	}
	return cfg, nil
}
