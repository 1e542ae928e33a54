// Package config loads hub configuration from ISCC_HUB_* environment
// variables, with an optional YAML file overlay.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/iscc/iscc-hub/pkg/iscc"
)

// Config holds server configuration.
type Config struct {
	// HubID is this hub's identifier in the 12-bit ISCC-ID hub space (0-4095).
	HubID int `yaml:"hub_id"`
	// Realm selects the ISCC-ID realm (0 sandbox, 1 operational).
	Realm iscc.Realm `yaml:"realm"`
	// Domain is the public domain of this hub, used for did:web resolution
	// and receipt issuance.
	Domain string `yaml:"domain"`
	// Seckey is the hub's multibase-encoded Ed25519 signing key.
	Seckey string `yaml:"seckey"`
	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`

	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`
}

// Load reads configuration from the environment. When ISCC_HUB_CONFIG
// points at a YAML file it is read first and env vars override it.
func Load() (*Config, error) {
	cfg := &Config{
		HubID:    0,
		Realm:    iscc.RealmSandbox,
		Domain:   "localhost",
		DBPath:   "iscc-hub.db",
		Port:     "8080",
		LogLevel: "INFO",
	}

	if path := os.Getenv("ISCC_HUB_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: cannot read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: cannot parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("ISCC_HUB_ID"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: ISCC_HUB_ID must be an integer: %w", err)
		}
		cfg.HubID = id
	}
	if v := os.Getenv("ISCC_HUB_REALM"); v != "" {
		realm, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("config: ISCC_HUB_REALM must be an integer: %w", err)
		}
		cfg.Realm = iscc.Realm(realm)
	}
	if v := os.Getenv("ISCC_HUB_DOMAIN"); v != "" {
		cfg.Domain = v
	}
	if v := os.Getenv("ISCC_HUB_SECKEY"); v != "" {
		cfg.Seckey = v
	}
	if v := os.Getenv("ISCC_HUB_DB_NAME"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("ISCC_HUB_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("ISCC_HUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the field ranges. The seckey is only required to
// serve, so its presence is checked at startup rather than here.
func (c *Config) Validate() error {
	if c.HubID < 0 || c.HubID > iscc.MaxHubID {
		return fmt.Errorf("config: hub id %d out of range 0-%d", c.HubID, iscc.MaxHubID)
	}
	if !c.Realm.Valid() {
		return fmt.Errorf("config: unknown realm %d", c.Realm)
	}
	if c.Domain == "" {
		return fmt.Errorf("config: domain must not be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("config: db path must not be empty")
	}
	return nil
}

// DID returns the hub's did:web identifier derived from its domain.
func (c *Config) DID() string {
	return "did:web:" + c.Domain
}
