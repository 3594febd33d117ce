package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nuetzliches/mgmtagent/internal/mgmt"
	"github.com/nuetzliches/mgmtagent/internal/secrets"
)

const (
	DefaultPort    = 3412
	DefaultStopper = "Stopper"
	DefaultHost    = "localhost"
)

// DefaultDirectory is a sqlite file under the temp dir, shared by every
// agent and CLI on the host.
func DefaultDirectory() string {
	return "sqlite:" + filepath.Join(os.TempDir(), "mgmtagent", "directory.db")
}

// Config is the validated, immutable agent configuration.
type Config struct {
	Host               string
	Port               int
	Stopper            string
	KeyStore           string
	KeyStorePassword   string
	TrustStore         string
	TrustStorePassword string
	SendCredentials    bool
	AccessToken        string
	Directory          string
	LogLevel           string
	TracingEndpoint    string
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Host:      DefaultHost,
		Port:      DefaultPort,
		Stopper:   DefaultStopper,
		Directory: DefaultDirectory(),
		LogLevel:  "info",
	}
}

// FromProperties builds a Config from p, resolving secret references in
// passwords, the access token and the stop secret. The result is validated.
func FromProperties(p *Properties) (Config, error) {
	cfg := Default()
	vals := p.Snapshot()

	if v := strings.TrimSpace(vals[KeyHost]); v != "" {
		cfg.Host = v
	}
	if v := strings.TrimSpace(vals[KeyPort]); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s=%q is not a number", mgmt.ErrConfiguration, KeyPort, v)
		}
		cfg.Port = port
	}
	if v, ok := vals[KeyStopper]; ok && v != "" {
		cfg.Stopper = v
	}
	cfg.KeyStore = strings.TrimSpace(vals[KeyKeyStore])
	cfg.KeyStorePassword = vals[KeyKeyStorePassword]
	cfg.TrustStore = strings.TrimSpace(vals[KeyTrustStore])
	cfg.TrustStorePassword = vals[KeyTrustStorePassword]
	cfg.AccessToken = vals[KeyAccessToken]
	if v := strings.TrimSpace(vals[KeySendCredentials]); v != "" {
		b, ok := parseBool(v)
		if !ok {
			return Config{}, fmt.Errorf("%w: %s=%q must be true|false", mgmt.ErrConfiguration, KeySendCredentials, v)
		}
		cfg.SendCredentials = b
	}
	if v := strings.TrimSpace(vals[KeyDirectory]); v != "" {
		cfg.Directory = v
	}
	if v := strings.TrimSpace(vals[KeyLogLevel]); v != "" {
		cfg.LogLevel = v
	}
	cfg.TracingEndpoint = strings.TrimSpace(vals[KeyTracingEndpoint])

	for _, field := range []*string{&cfg.Stopper, &cfg.KeyStorePassword, &cfg.TrustStorePassword, &cfg.AccessToken} {
		resolved, err := secrets.Resolve(*field)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %w", mgmt.ErrConfiguration, err)
		}
		*field = resolved
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting as a configuration error.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %s=%d out of range", mgmt.ErrConfiguration, KeyPort, c.Port)
	}
	if strings.ContainsAny(c.Stopper, ":,=*?\"\n") {
		return fmt.Errorf("%w: %s contains reserved characters", mgmt.ErrConfiguration, KeyStopper)
	}
	if c.KeyStore == "" && c.TrustStore != "" {
		return fmt.Errorf("%w: %s requires %s", mgmt.ErrConfiguration, KeyTrustStore, KeyKeyStore)
	}
	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: %s=%q", mgmt.ErrConfiguration, KeyLogLevel, c.LogLevel)
	}
	return nil
}

// Properties renders c back into a property table, the inverse of
// FromProperties for non-reference values.
func (c Config) Properties() *Properties {
	p := NewProperties()
	set := func(k, v string) {
		if v != "" {
			p.Set(k, v)
		}
	}
	set(KeyHost, c.Host)
	set(KeyPort, strconv.Itoa(c.Port))
	set(KeyStopper, c.Stopper)
	set(KeyKeyStore, c.KeyStore)
	set(KeyKeyStorePassword, c.KeyStorePassword)
	set(KeyTrustStore, c.TrustStore)
	set(KeyTrustStorePassword, c.TrustStorePassword)
	set(KeySendCredentials, strconv.FormatBool(c.SendCredentials))
	set(KeyAccessToken, c.AccessToken)
	set(KeyDirectory, c.Directory)
	set(KeyLogLevel, c.LogLevel)
	set(KeyTracingEndpoint, c.TracingEndpoint)
	return p
}

func parseBool(raw string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "on", "yes":
		return true, true
	case "0", "false", "off", "no", "":
		return false, true
	default:
		return false, false
	}
}
