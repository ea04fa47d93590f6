package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

// defaultConfigPath is the default filename for persisted configuration.
const defaultConfigPath = "config.json"

// ConfigManager wraps the loaded configuration and a mutex for concurrent
// access.
type ConfigManager struct {
	path   string
	mu     sync.RWMutex
	cfg    Config
	loaded bool
}

// NewConfigManager returns a manager for the file at path.
func NewConfigManager(path string) *ConfigManager {
	if path == "" {
		path = defaultConfigPath
	}
	return &ConfigManager{path: path}
}

// defaultConfig runs a simulated sensor and board so the daemon can be tried
// without hardware.  It has a single admin user (password: "admin", which
// you should change immediately).
func defaultConfig() Config {
	return Config{
		HTTPPort: 8443,
		CertFile: "server.crt",
		KeyFile:  "server.key",
		LogFile:  "events.log",
		Users: []User{
			{Username: "admin", PasswordHash: hashPassword("admin"), Admin: true},
		},
		Components: []ComponentConfig{
			{Name: "board", Type: KindBoard, Model: "fake"},
			{Name: "ultrasonic", Type: KindSensor, Model: "fake", Attributes: map[string]any{
				"readings": []any{0.5, 0.5, 0.1, 0.05, 0.3},
			}},
		},
		Services: []ServiceConfig{
			{Name: "proximity", Attributes: map[string]any{
				"board":         "board",
				"sensor":        "ultrasonic",
				"red_pin":       "33",
				"green_pin":     "32",
				"blue_pin":      "12",
				"safe_distance": "0.2",
			}},
		},
		Alerts: []AlertConfig{{Type: "log"}},
	}
}

// Load reads configuration from disk.  If the file does not exist, the
// default configuration is created and persisted.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	// If the config is already loaded in memory, release the lock and return.
	if cm.loaded {
		cm.mu.Unlock()
		return nil
	}
	cfg, err := readConfig(cm.path)
	if errors.Is(err, os.ErrNotExist) {
		cm.cfg = defaultConfig()
		cm.loaded = true
		// Release the write lock before saving to avoid deadlock: Save acquires
		// a read lock on the same mutex.
		cm.mu.Unlock()
		return cm.Save()
	}
	if err != nil {
		cm.mu.Unlock()
		return err
	}
	cm.cfg = cfg
	cm.loaded = true
	cm.mu.Unlock()
	return nil
}

// Reload re-reads the file and hands the result to apply.  The in-memory
// configuration only changes when the file parses, validates and apply
// succeeds.
func (cm *ConfigManager) Reload(apply func(Config) error) error {
	cfg, err := readConfig(cm.path)
	if err != nil {
		return err
	}
	if err := apply(cfg); err != nil {
		return err
	}
	cm.mu.Lock()
	cm.cfg = cfg
	cm.loaded = true
	cm.mu.Unlock()
	return nil
}

func readConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, err
		}
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the parts of the configuration that do not need hardware.
// Services are validated with ParseSettings so a bad attribute is reported
// before anything is built.
func (c Config) Validate() error {
	if c.HTTPPort < 0 || c.HTTPPort > 65535 {
		return &ConfigError{Key: "http_port", Reason: fmt.Sprintf("out of range: %d", c.HTTPPort)}
	}
	components := make(map[string]bool, len(c.Components))
	for _, comp := range c.Components {
		if comp.Name == "" {
			return &ConfigError{Key: "components.name", Reason: "is required"}
		}
		if components[comp.Name] {
			return &ConfigError{Key: "components.name", Reason: fmt.Sprintf("%q is defined twice", comp.Name)}
		}
		components[comp.Name] = true
	}
	seen := make(map[string]bool, len(c.Services))
	for _, s := range c.Services {
		if s.Name == "" {
			return &ConfigError{Key: "services.name", Reason: "is required"}
		}
		if seen[s.Name] {
			return &ConfigError{Key: "services.name", Reason: fmt.Sprintf("%q is defined twice", s.Name)}
		}
		seen[s.Name] = true
		settings, err := ParseSettings(s.Attributes)
		if err != nil {
			return fmt.Errorf("service %s: %w", s.Name, err)
		}
		for _, dep := range settings.Dependencies() {
			if !components[dep] {
				return fmt.Errorf("service %s: %w", s.Name, &DependencyNotFoundError{Name: dep, Capability: "component"})
			}
		}
	}
	return nil
}

// Save writes the configuration to disk.
func (cm *ConfigManager) Save() error {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	bytes, err := json.MarshalIndent(cm.cfg, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := cm.path + ".tmp"
	if err := os.WriteFile(tmpPath, bytes, 0600); err != nil {
		return err
	}
	return os.Rename(tmpPath, cm.path)
}

// Get returns a copy of the current configuration.  Callers must treat the
// returned Config as immutable.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.cfg
}

// FindUser returns a user and its index by username.  If not found, index
// will be -1.
func (cm *ConfigManager) FindUser(username string) (User, int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for i, u := range cm.cfg.Users {
		if u.Username == username {
			return u, i
		}
	}
	return User{}, -1
}

// Authenticate checks whether the provided username and password are valid.  It
// returns the user object if authentication succeeds.
func (cm *ConfigManager) Authenticate(username, password string) (User, error) {
	user, _ := cm.FindUser(username)
	if user.Username == "" {
		return User{}, errors.New("invalid credentials")
	}
	if err := checkPasswordHash(password, user.PasswordHash); err != nil {
		return User{}, errors.New("invalid credentials")
	}
	return user, nil
}
