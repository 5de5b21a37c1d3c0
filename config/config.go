// Package config loads CITM's YAML configuration file, grounded on
// ctolnik-Proxy-Mail's config.go (the pack's other IMAP-proxy-shaped
// repo): a plain struct tree with `yaml:"..."` tags, loaded with
// gopkg.in/yaml.v3. Individual fields are overridable by flags in
// cmd/citmproxy/main.go, matching the teacher's (spilled-ink-spilld)
// flag-only entrypoint style.
package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

// Config is CITM's top-level configuration tree.
type Config struct {
	// Listen is the downward address clients connect to, e.g. ":993".
	Listen string `yaml:"listen"`
	// Hostname is advertised in the downward greeting banner.
	Hostname string `yaml:"hostname"`

	// Upstream describes the real IMAP server CITM proxies to.
	Upstream UpstreamConfig `yaml:"upstream"`

	// TLS configures the downward listener's certificate.
	TLS TLSConfig `yaml:"tls"`

	// Keypair is the path to this instance's decryption keypair PEM.
	Keypair string `yaml:"keypair"`

	// UserDB is the sqlite file backing the user/keyshare registry.
	UserDB string `yaml:"userdb"`

	// MaildirRoot is the filesystem root DirMgr manages mailboxes
	// under.
	MaildirRoot string `yaml:"maildir_root"`

	// LogLevel is one of hclog's level names; see citmlog.Options.
	LogLevel string `yaml:"log_level,omitempty"`
	// LogJSON selects JSON-formatted log output.
	LogJSON bool `yaml:"log_json,omitempty"`

	// MetricsAddr is the address the Prometheus /metrics endpoint
	// listens on; empty disables it.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// Fetch tunes Up's steady-state FETCH draining.
	Fetch FetchConfig `yaml:"fetch"`
}

// UpstreamConfig addresses the real IMAP server.
type UpstreamConfig struct {
	Addr     string `yaml:"addr"`
	UseTLS   bool   `yaml:"use_tls"`
	Insecure bool   `yaml:"insecure,omitempty"` // skip upstream cert verification; dev only
}

// TLSConfig points at the downward listener's certificate material.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// Dev enables a locally-generated certificate instead of
	// CertFile/KeyFile, matching the teacher's -dev flag / devcert.
	Dev bool `yaml:"dev,omitempty"`

	// ACME enables automatic certificate provisioning via
	// golang.org/x/crypto/acme/autocert instead of CertFile/KeyFile,
	// matching the teacher's certManager/-http_addr convention.
	ACME bool `yaml:"acme,omitempty"`
	// ACMECacheDir is where autocert persists issued certificates;
	// defaults to "tls_certs" under the working directory.
	ACMECacheDir string `yaml:"acme_cache_dir,omitempty"`
	// ACMEHTTPAddr serves the HTTP-01 challenge handler autocert needs
	// to complete issuance; the teacher's -http_addr.
	ACMEHTTPAddr string `yaml:"acme_http_addr,omitempty"`
}

// FetchConfig tunes Up's steady-state parallel FETCH draining
// (spec.md §4.4).
type FetchConfig struct {
	Parallelism int `yaml:"parallelism,omitempty"`
	ChunkSize   int `yaml:"chunk_size,omitempty"`
}

// DefaultFetchParallelism and DefaultFetchChunkSize match spec.md
// §4.4's FETCH_PARALLELISM/FETCH_CHUNK_SIZE constants.
const (
	DefaultFetchParallelism = 5
	DefaultFetchChunkSize   = 10
)

// Load reads and parses the YAML config file at path, filling in
// Fetch's defaults when the file leaves them unset.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Fetch.Parallelism == 0 {
		c.Fetch.Parallelism = DefaultFetchParallelism
	}
	if c.Fetch.ChunkSize == 0 {
		c.Fetch.ChunkSize = DefaultFetchChunkSize
	}
}
