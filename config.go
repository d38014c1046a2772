package ppm

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-chi/chi/v5"
	"gopkg.in/yaml.v3"
)

const (
	StoreMemory = "memory"
	StorePebble = "pebble"
)

// ServerConfig describes one aggregator process. It is read from a TOML or
// YAML file, chosen by extension.
type ServerConfig struct {
	Role       string `toml:"role" yaml:"role"`
	ListenAddr string `toml:"listen_addr" yaml:"listen_addr"`

	ParametersFile  string `toml:"parameters_file" yaml:"parameters_file"`
	HpkeConfigFile  string `toml:"hpke_config_file" yaml:"hpke_config_file"`
	VerifyParamFile string `toml:"verify_param_file" yaml:"verify_param_file"`

	// ServeHelperConfig makes the Leader answer /hpke_config?role=helper
	// from the HPKE config file instead of asking the Helper.
	ServeHelperConfig bool `toml:"serve_helper_config" yaml:"serve_helper_config"`

	RequestTimeoutSecs int `toml:"request_timeout_secs" yaml:"request_timeout_secs"`
	HelperTimeoutSecs  int `toml:"helper_timeout_secs" yaml:"helper_timeout_secs"`

	Store StoreConfig `toml:"store" yaml:"store"`
}

type StoreConfig struct {
	Backend string `toml:"backend" yaml:"backend"`
	Path    string `toml:"path" yaml:"path"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:         ":8080",
		ParametersFile:     "parameters.json",
		HpkeConfigFile:     "hpke.json",
		VerifyParamFile:    "verify.json",
		RequestTimeoutSecs: 30,
		HelperTimeoutSecs:  10,
		Store: StoreConfig{
			Backend: StoreMemory,
		},
	}
}

// LoadServerConfig reads path over the defaults. The result is not
// validated, so the caller can apply overrides first.
func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file extension %q", ext)
	}
	return cfg, nil
}

func (c *ServerConfig) Validate() error {
	role, err := ParseRole(c.Role)
	if err != nil {
		return err
	}
	if _, err := role.aggregatorIndex(); err != nil {
		return err
	}
	if c.ListenAddr == "" {
		return errors.New("listen_addr is required")
	}
	if c.RequestTimeoutSecs <= 0 || c.HelperTimeoutSecs <= 0 {
		return errors.New("request_timeout_secs and helper_timeout_secs must be positive")
	}
	switch c.Store.Backend {
	case StoreMemory:
	case StorePebble:
		if c.Store.Path == "" {
			return errors.New("store.path is required for the pebble backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	return nil
}

func (c *ServerConfig) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSecs) * time.Second
}

func (c *ServerConfig) HelperTimeout() time.Duration {
	return time.Duration(c.HelperTimeoutSecs) * time.Second
}

func (c *StoreConfig) Open() (AccumulatorStore, error) {
	switch c.Backend {
	case StoreMemory, "":
		return NewMemoryStore(), nil
	case StorePebble:
		return OpenPebbleStore(c.Path)
	}
	return nil, fmt.Errorf("unknown store backend %q", c.Backend)
}

// Service is implemented by Leader and Helper.
type Service interface {
	RegisterRoutes(r chi.Router)
}

// NewService loads every file the config names and builds the Leader or
// Helper it describes. The returned store must be closed by the caller.
func (c *ServerConfig) NewService(httpClient *http.Client) (Service, AccumulatorStore, error) {
	params, err := LoadParametersFile(c.ParametersFile)
	if err != nil {
		return nil, nil, err
	}
	hpkeFile, err := LoadHpkeConfigFile(c.HpkeConfigFile)
	if err != nil {
		return nil, nil, err
	}
	verifyFile, err := LoadVerifyParamFile(c.VerifyParamFile)
	if err != nil {
		return nil, nil, err
	}

	role, err := ParseRole(c.Role)
	if err != nil {
		return nil, nil, err
	}
	own, err := hpkeFile.ForRole(role)
	if err != nil {
		return nil, nil, err
	}
	vp, err := verifyFile.ForRole(role)
	if err != nil {
		return nil, nil, err
	}
	store, err := c.Store.Open()
	if err != nil {
		return nil, nil, err
	}

	var svc Service
	switch role {
	case RoleLeader:
		opts := LeaderOptions{
			Params:        params,
			Keyring:       NewKeyring(RoleLeader, own),
			VerifyParam:   vp,
			Store:         store,
			HTTPClient:    httpClient,
			HelperTimeout: c.HelperTimeout(),
		}
		if c.ServeHelperConfig {
			opts.HelperConfig = hpkeFile.Helper.Public()
		}
		svc, err = NewLeader(opts)
	default:
		svc, err = NewHelper(HelperOptions{
			Params:      params,
			Keyring:     NewKeyring(RoleHelper, own),
			VerifyParam: vp,
			Store:       store,
		})
	}
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return svc, store, nil
}
