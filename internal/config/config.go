// Package config loads the two TOML configuration documents consumed by
// the proxy core (the SSL/CA parameters and the application parameters)
// and exposes them as typed views. Loading is layered: compiled section
// presence checks over viper-backed TOML files, with environment
// variable overrides (prefix PYLOGPROXY_, "." replaced by "_").
//
// A missing section is not a startup failure: Load writes one diagnostic
// line to stderr and continues. The accessor for that section panics on
// first use — config loading and config use are deliberately decoupled,
// exactly as described by the core's configuration contract.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// SSLCertificate mirrors the `ssl_certificate` TOML table.
type SSLCertificate struct {
	Country            string
	State              string
	Locality           string
	Organization       string
	OrganizationalUnit string
	CommonName         string
	Email              string
	ValiditySeconds    int
}

// SSLPrivateKey mirrors the `ssl_private_key` TOML table.
type SSLPrivateKey struct {
	KeyAlgorithm int
	KeySize      int
}

// SSLDigest mirrors the `ssl_digest` TOML table.
type SSLDigest struct {
	Digest string
}

// CertificateFiles mirrors the `certificate` TOML table.
type CertificateFiles struct {
	PrivateKeyName  string
	CertificateName string
}

// App mirrors the `app` TOML table.
type App struct {
	Host string
	Port int
}

// LogApp mirrors the `log.app` TOML table.
type LogApp struct {
	Level string
}

// LogRequest mirrors the `log.request` TOML table.
type LogRequest struct {
	Dir   string
	Level string
}

// Cache mirrors the `cache` TOML table. Dir falls back to
// "<system temp>/pylogproxy" when left empty in the TOML source.
type Cache struct {
	Dir string
}

// Config is a typed view over the ssl_config and app_config documents.
type Config struct {
	v       *viper.Viper
	missing map[string]bool
}

// requiredSSLSections and requiredAppSections list the sections each
// document must declare, in the order the original loader dereferenced
// them: the first absent key in a group halts diagnostics for the rest
// of that group (its accessors all fail loudly on first use), mirroring
// the original's dict.pop chain aborting on the first KeyError.
var (
	requiredSSLSections = []string{"ssl_certificate", "ssl_private_key", "ssl_digest", "certificate"}
	requiredAppSections = []string{"app", "log.app", "log.request", "cache"}
)

// Load reads ssl_config.toml and app_config.toml (paths overridable via
// PYLOGPROXY_SSL_CONFIG / PYLOGPROXY_APP_CONFIG) and returns a Config.
// Load itself never fails: a missing or unparsable file downgrades to a
// stderr diagnostic, matching the core's ConfigMissing error kind.
func Load() *Config {
	v := viper.New()
	v.SetConfigType("toml")
	v.SetEnvPrefix("PYLOGPROXY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	c := &Config{v: v, missing: make(map[string]bool)}

	sslPath := envOr("PYLOGPROXY_SSL_CONFIG", filepath.Join("config", "ssl_config.toml"))
	appPath := envOr("PYLOGPROXY_APP_CONFIG", filepath.Join("config", "app_config.toml"))

	c.mergeFile(sslPath)
	c.checkSections(requiredSSLSections)

	c.mergeFile(appPath)
	c.checkSections(requiredAppSections)

	return c
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// mergeFile merges one TOML document into the shared viper instance. A
// missing file is reported once to stderr; startup continues regardless.
func (c *Config) mergeFile(path string) {
	c.v.SetConfigFile(path)
	if err := c.v.MergeInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "config: %s not found\n", path)
			return
		}
		fmt.Fprintf(os.Stderr, "config: failed to parse %s: %v\n", path, err)
	}
}

// checkSections walks keys in declared order, recording every key from
// the first absent one onward as missing and emitting a single stderr
// diagnostic naming it.
func (c *Config) checkSections(keys []string) {
	stopped := false
	for _, key := range keys {
		if stopped {
			c.missing[key] = true
			continue
		}
		if !c.v.IsSet(key) {
			fmt.Fprintf(os.Stderr, "config: missing section %q\n", key)
			c.missing[key] = true
			stopped = true
		}
	}
}

// mustHave panics if key was recorded missing during Load. This is the
// "first use of the missing section crashes the worker" behavior named
// by the core's ConfigMissing error kind.
func (c *Config) mustHave(key string) {
	if c.missing[key] {
		panic(fmt.Sprintf("config: section %q was not loaded; see startup diagnostics", key))
	}
}

// SSLCertificate returns the ssl_certificate section.
func (c *Config) SSLCertificate() SSLCertificate {
	c.mustHave("ssl_certificate")
	return SSLCertificate{
		Country:            c.v.GetString("ssl_certificate.country"),
		State:              c.v.GetString("ssl_certificate.state"),
		Locality:           c.v.GetString("ssl_certificate.locality"),
		Organization:       c.v.GetString("ssl_certificate.organization"),
		OrganizationalUnit: c.v.GetString("ssl_certificate.organizational_unit"),
		CommonName:         c.v.GetString("ssl_certificate.common_name"),
		Email:              c.v.GetString("ssl_certificate.email"),
		ValiditySeconds:    c.v.GetInt("ssl_certificate.validity.validity_seconds"),
	}
}

// SSLPrivateKey returns the ssl_private_key section.
func (c *Config) SSLPrivateKey() SSLPrivateKey {
	c.mustHave("ssl_private_key")
	return SSLPrivateKey{
		KeyAlgorithm: c.v.GetInt("ssl_private_key.key_algorithm"),
		KeySize:      c.v.GetInt("ssl_private_key.key_size"),
	}
}

// SSLDigest returns the ssl_digest section.
func (c *Config) SSLDigest() SSLDigest {
	c.mustHave("ssl_digest")
	return SSLDigest{Digest: c.v.GetString("ssl_digest.digest")}
}

// CertificateFiles returns the certificate section.
func (c *Config) CertificateFiles() CertificateFiles {
	c.mustHave("certificate")
	return CertificateFiles{
		PrivateKeyName:  c.v.GetString("certificate.private_key_name"),
		CertificateName: c.v.GetString("certificate.certificate_name"),
	}
}

// App returns the app section.
func (c *Config) App() App {
	c.mustHave("app")
	return App{
		Host: c.v.GetString("app.host"),
		Port: c.v.GetInt("app.port"),
	}
}

// LogApp returns the log.app section.
func (c *Config) LogApp() LogApp {
	c.mustHave("log.app")
	return LogApp{Level: c.v.GetString("log.app.level")}
}

// LogRequest returns the log.request section.
func (c *Config) LogRequest() LogRequest {
	c.mustHave("log.request")
	return LogRequest{
		Dir:   c.v.GetString("log.request.dir"),
		Level: c.v.GetString("log.request.level"),
	}
}

// Cache returns the cache section. An empty Dir is resolved to
// "<system temp>/pylogproxy" per the core's cache-directory contract.
func (c *Config) Cache() Cache {
	c.mustHave("cache")
	dir := c.v.GetString("cache.dir")
	if dir == "" {
		dir = filepath.Join(os.TempDir(), "pylogproxy")
	}
	return Cache{Dir: dir}
}
