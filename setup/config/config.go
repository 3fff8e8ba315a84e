// Package config holds the YAML-loaded configuration for every component
// wired together in cmd/homeserver: the server's own identity and signing
// key, storage connection strings, the federation client's notary/trusted
// key server list, and the embedded NATS JetStream queue.
package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"

	"gopkg.in/yaml.v2"
)

// ConfigErrors accumulates every problem found while verifying a loaded
// config, so a user fixing their config file sees every mistake in one
// pass instead of one-at-a-time.
type ConfigErrors []string

// Add appends a problem description.
func (e *ConfigErrors) Add(msg string) {
	*e = append(*e, msg)
}

func checkNotEmpty(errs *ConfigErrors, key, value string) {
	if value == "" {
		errs.Add(fmt.Sprintf("missing config key %q", key))
	}
}

// Dendrite is the top-level config every component's own section hangs
// off of.
type Dendrite struct {
	Global        Global        `yaml:"global"`
	RoomServer    RoomServer    `yaml:"room_server"`
	FederationAPI FederationAPI `yaml:"federation_api"`
	SyncAPI       SyncAPI       `yaml:"sync_api"`
}

// Global holds identity and settings every component needs: who this
// server is, what it signs events with, and where the shared caches and
// message queue live.
type Global struct {
	// ServerName is this homeserver's domain, used as both the Matrix
	// server name and the federation notary's own identity.
	ServerName string `yaml:"server_name"`
	// KeyID names the signing key below, e.g. "ed25519:auto".
	KeyID string `yaml:"key_id"`
	// PrivateKeyPath names a file holding a base64-encoded Ed25519 seed.
	// Load reads the key from that file, so the private key itself never
	// sits in the config file.
	PrivateKeyPath string `yaml:"private_key_path"`

	// PrivateKey is the parsed signing key, populated by Load from
	// PrivateKeyPath.
	PrivateKey ed25519.PrivateKey `yaml:"-"`

	// TrustedKeyServers are notary servers the keyring queries for another
	// server's signing key when a direct fetch from that server fails or
	// does not include the requested key.
	TrustedKeyServers []string `yaml:"trusted_key_servers"`
	// QueryTrustedKeyServersFirst is loaded from YAML and checked by
	// Verify, which requires TrustedKeyServers to be non-empty when it is
	// set. The keyring does not read it: every key fetch queries the
	// origin's /_matrix/key/v2/server before any notary.
	QueryTrustedKeyServersFirst bool `yaml:"query_trusted_key_servers_first"`
	// QueryTrustedKeyServersFirstOnJoin is loaded from YAML only; nothing
	// reads it, and key fetches during a federation join use the same
	// origin-first order as every other fetch.
	QueryTrustedKeyServersFirstOnJoin bool `yaml:"query_trusted_key_servers_first_on_join"`

	Database Database `yaml:"database"`
	Cache    Cache    `yaml:"cache"`
	JetStream JetStream `yaml:"jetstream"`
}

// Database is a SQL connection string plus which driver it's for.
type Database struct {
	// Driver is "postgres" or "sqlite"/"sqlite3".
	Driver           string `yaml:"driver"`
	ConnectionString string `yaml:"connection_string"`
}

// Cache sizes the shared ristretto cache every component's
// internal/caching.Caches instance is built from.
type Cache struct {
	MaxCostBytes int64 `yaml:"max_cost_bytes"`
}

// JetStream configures the embedded NATS server federationapi/queue
// starts, or points at an external cluster.
type JetStream struct {
	// StoreDir is where the embedded JetStream server persists its
	// streams; empty uses an OS temp directory.
	StoreDir string `yaml:"store_dir"`
	// Addresses, if set, connects to an external NATS cluster instead of
	// starting an embedded one.
	Addresses []string `yaml:"addresses"`
}

// RoomServer has no component-specific settings today beyond Global; it's
// kept as its own section so future room-server-only options (e.g.
// forward-extremity caps) have a home without touching Global.
type RoomServer struct{}

// FederationAPI configures the outbound federation client.
type FederationAPI struct {
	// DisableTLSValidation skips certificate verification on outbound
	// federation requests; only for development against self-signed
	// test deployments.
	DisableTLSValidation bool `yaml:"disable_tls_validation"`
}

// SyncAPI configures the sync engine.
type SyncAPI struct {
	// RealIPHeader, if set, is the HTTP header to trust for a client's
	// real IP when behind a reverse proxy (matched against rate limiting
	// or abuse-detection logic an operator may add externally).
	RealIPHeader string `yaml:"real_ip_header"`
}

// Defaults fills in the database, cache and key ID settings for a minimal
// single-process deployment. It leaves server_name empty, which Verify
// still reports as missing.
func (c *Dendrite) Defaults() {
	c.Global.Database.Driver = "sqlite"
	c.Global.Database.ConnectionString = "file::memory:?cache=shared"
	c.Global.Cache.MaxCostBytes = 128 * 1024 * 1024
	c.Global.KeyID = "ed25519:auto"
}

// Verify checks the loaded config for consistency, collecting every
// problem into configErrs rather than stopping at the first.
func (c *Dendrite) Verify(configErrs *ConfigErrors) {
	checkNotEmpty(configErrs, "global.server_name", c.Global.ServerName)
	checkNotEmpty(configErrs, "global.key_id", c.Global.KeyID)
	checkNotEmpty(configErrs, "global.database.driver", c.Global.Database.Driver)
	checkNotEmpty(configErrs, "global.database.connection_string", c.Global.Database.ConnectionString)
	if c.Global.Database.Driver != "postgres" && c.Global.Database.Driver != "sqlite" && c.Global.Database.Driver != "sqlite3" {
		configErrs.Add(fmt.Sprintf("unsupported global.database.driver %q: want postgres, sqlite, or sqlite3", c.Global.Database.Driver))
	}
	if c.Global.QueryTrustedKeyServersFirst && len(c.Global.TrustedKeyServers) == 0 {
		configErrs.Add("global.query_trusted_key_servers_first is set but global.trusted_key_servers is empty")
	}
}

// Load reads a YAML config file at path, applies Defaults for anything
// left unset, loads the Ed25519 signing key from PrivateKeyPath, and
// verifies the result.
func Load(path string) (*Dendrite, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Dendrite
	c.Defaults()
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if c.Global.PrivateKeyPath != "" {
		key, err := loadPrivateKey(c.Global.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("config: load signing key: %w", err)
		}
		c.Global.PrivateKey = key
	}
	var errs ConfigErrors
	c.Verify(&errs)
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: invalid configuration: %v", []string(errs))
	}
	return &c, nil
}

// loadPrivateKey reads a base64-encoded Ed25519 seed from path and
// expands it to a full private key.
func loadPrivateKey(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	seed, err := base64.RawStdEncoding.DecodeString(string(raw))
	if err != nil {
		return nil, fmt.Errorf("decode seed in %s: %w", path, err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%s: expected a %d-byte seed, got %d bytes", path, ed25519.SeedSize, len(seed))
	}
	return ed25519.NewKeyFromSeed(seed), nil
}
